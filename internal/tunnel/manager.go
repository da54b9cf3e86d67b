// Package tunnel implements the pub/sub-backed, versioned, acked byte
// stream connecting a gateway to a runner for actor traffic (spec
// §4.7). It owns the per-request pending-message buffer, the ack
// protocol, and the GC thread that times out stuck requests; the
// WebSocket framing and HTTP/WS-to-tunnel translation live in
// internal/gateway.
package tunnel

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/dgryski/go-rendezvous"
	"github.com/google/uuid"
	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/pubsub"
	"github.com/nimbusrun/nimbus/internal/tunnel/wire"
	"github.com/rs/zerolog"
)

// Limits from spec §4.7/§5.
const (
	MaxPendingMsgsPerReq = 1024
	MessageAckTimeout    = 30 * time.Second
)

// ErrPendingLimitReached is returned by Send when a request's pending
// buffer is already at MaxPendingMsgsPerReq.
var ErrPendingLimitReached = fmt.Errorf("tunnel: WebsocketPendingLimitReached")

// ErrTimeout names the failure of a message that goes unacknowledged
// past MessageAckTimeout. The Manager reports such a message by calling
// the onTimeout callback given to SendToRunner/SendToGateway; it does
// not return or pass this value itself.
var ErrTimeout = fmt.Errorf("tunnel: Timeout")

func runnerSubject(runnerID string) string  { return "runner." + runnerID + ".receiver" }
func gatewaySubject(gatewayID string) string { return "gateway." + gatewayID + ".receiver" }

type pendingMessage struct {
	requestID string
	messageID string
	sentAt    time.Time
	onTimeout func()
}

// Manager tracks in-flight tunnel messages for one side of a
// gateway<->runner link (the gateway side tracks ToClient* sends
// awaiting a runner ack; a runner process would run its own Manager
// symmetrically for ToServer* sends).
type Manager struct {
	bus     pubsub.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger
	id      string

	mu      sync.Mutex
	pending map[string][]*pendingMessage // request_id -> in-flight messages

	// owners assigns each request_id to one worker in a fixed pool, so
	// the same worker owns a request's pending buffer end to end even
	// when multiple gateway processes share the bus (spec §3 domain
	// stack: "consistent-hash sharding of request_id onto a fixed
	// gateway worker pool").
	owners  *rendezvous.Rendezvous
	selfKey string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Manager identified by id, hashing request
// ownership across workerPool (which must include id).
func New(id string, bus pubsub.Bus, m *metrics.Metrics, workerPool []string) *Manager {
	if len(workerPool) == 0 {
		workerPool = []string{id}
	}
	return &Manager{
		id:      id,
		bus:     bus,
		metrics: m,
		logger:  log.WithComponent("tunnel").With().Str("manager_id", id).Logger(),
		pending: make(map[string][]*pendingMessage),
		owners:  rendezvous.New(workerPool, fnvHash),
		selfKey: id,
		stopCh:  make(chan struct{}),
	}
}

// fnvHash is the Hasher rendezvous.New requires: deterministic and
// well-distributed is all that matters for bucketing, not cryptographic
// strength.
func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// Owns reports whether this Manager instance is the assigned owner of
// requestID's pending buffer.
func (m *Manager) Owns(requestID string) bool {
	return m.owners.Lookup(requestID) == m.selfKey
}

// Start begins the ack-timeout GC loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.gcLoop()
}

// Stop halts the GC loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// SendToRunner publishes env to runnerID's receiver subject and
// registers the message as pending an ack, per §4.7's "each side
// maintains a pending messages buffer keyed by request_id". onTimeout
// is invoked (once) if no TunnelAck arrives within MessageAckTimeout.
func (m *Manager) SendToRunner(ctx context.Context, runnerID string, env wire.Envelope, onTimeout func()) error {
	return m.send(ctx, runnerSubject(runnerID), env, onTimeout)
}

// SendToGateway publishes env to gatewayID's receiver subject, the
// runner-side counterpart of SendToRunner.
func (m *Manager) SendToGateway(ctx context.Context, gatewayID string, env wire.Envelope, onTimeout func()) error {
	return m.send(ctx, gatewaySubject(gatewayID), env, onTimeout)
}

func (m *Manager) send(ctx context.Context, subject string, env wire.Envelope, onTimeout func()) error {
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if err := m.registerPending(env.RequestID, env.MessageID, onTimeout); err != nil {
		return err
	}
	frame, err := wire.Encode(env)
	if err != nil {
		m.ack(env.RequestID, env.MessageID)
		return err
	}
	if err := m.bus.Publish(ctx, subject, frame, pubsub.PublishOptions{Behavior: pubsub.OneSubscriber}); err != nil {
		m.ack(env.RequestID, env.MessageID)
		return fmt.Errorf("tunnel: publish to %s: %w", subject, err)
	}
	return nil
}

func (m *Manager) registerPending(requestID, messageID string, onTimeout func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending[requestID]) >= MaxPendingMsgsPerReq {
		return ErrPendingLimitReached
	}
	m.pending[requestID] = append(m.pending[requestID], &pendingMessage{
		requestID: requestID,
		messageID: messageID,
		sentAt:    time.Now(),
		onTimeout: onTimeout,
	})
	if m.metrics != nil {
		m.metrics.TunnelPending.WithLabelValues("outbound").Set(float64(m.pendingCountLocked()))
	}
	return nil
}

func (m *Manager) pendingCountLocked() int {
	n := 0
	for _, msgs := range m.pending {
		n += len(msgs)
	}
	return n
}

// Ack processes a TunnelAck: the acked message is removed from its
// request's pending buffer (testable property 11).
func (m *Manager) Ack(ack wire.TunnelAck) {
	m.ack(ack.RequestID, ack.MessageID)
}

func (m *Manager) ack(requestID, messageID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.pending[requestID]
	for i, msg := range msgs {
		if msg.messageID == messageID {
			m.pending[requestID] = append(msgs[:i], msgs[i+1:]...)
			break
		}
	}
	if len(m.pending[requestID]) == 0 {
		delete(m.pending, requestID)
	}
	if m.metrics != nil {
		m.metrics.TunnelPending.WithLabelValues("outbound").Set(float64(m.pendingCountLocked()))
	}
}

// PendingCount returns the number of unacked messages for requestID,
// used by tests and the ack-removes-pending testable property.
func (m *Manager) PendingCount(requestID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[requestID])
}

// DropRequest discards every pending entry for requestID without
// firing their timeout callbacks, used once a request completes
// normally.
func (m *Manager) DropRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, requestID)
}

func (m *Manager) gcLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepExpired() {
	now := time.Now()
	var expired []*pendingMessage
	m.mu.Lock()
	for requestID, msgs := range m.pending {
		var kept []*pendingMessage
		for _, msg := range msgs {
			if now.Sub(msg.sentAt) > MessageAckTimeout {
				expired = append(expired, msg)
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(m.pending, requestID)
		} else {
			m.pending[requestID] = kept
		}
	}
	m.mu.Unlock()

	for _, msg := range expired {
		m.logger.Warn().Str("request_id", msg.requestID).Str("message_id", msg.messageID).Msg("tunnel message ack timed out")
		if m.metrics != nil {
			m.metrics.TunnelAckTimeout.Inc()
		}
		if msg.onTimeout != nil {
			msg.onTimeout()
		}
	}
}
