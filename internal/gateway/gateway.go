// Package gateway implements the HTTP/WebSocket front door that routes
// client traffic to actors (spec §4.7/§6): resolving an actor from the
// request, waking it if sleeping, proxying cross-zone when the actor
// lives in a different zone, and otherwise tunneling the request to
// the actor's runner over internal/tunnel.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusrun/nimbus/internal/actor"
	"github.com/nimbusrun/nimbus/internal/actorkv"
	"github.com/nimbusrun/nimbus/internal/authtoken"
	"github.com/nimbusrun/nimbus/internal/apierr"
	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/pubsub"
	"github.com/nimbusrun/nimbus/internal/tunnel"
	"github.com/nimbusrun/nimbus/internal/tunnel/wire"
	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/nimbusrun/nimbus/internal/workflow"
	"github.com/rs/zerolog"
)

// Per spec §8 testable property 12: wake a sleeping actor and wait for
// Ready within this many retries and this total deadline.
const (
	maxRewakeRetries   = 16
	actorReadyTimeout  = 10 * time.Second
	rewakeRetryBackoff = 500 * time.Millisecond
)

// Gateway is one process's front door. Its id doubles as its pub/sub
// receiver address (gateway.<id>.receiver) and as the GatewayReplyTo
// runners stamp into their replies.
type Gateway struct {
	ID      string
	Zone    string
	mgr     *tunnel.Manager
	bus     pubsub.Bus
	driver  kv.Driver
	engine  *workflow.Engine
	kv      *actorkv.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger

	httpClient *http.Client
	peerZones  map[string]string // zone -> base URL, for cross-zone proxying

	// Auth verifies the bearer token clients present alongside an actor
	// id. Nil means tokens are not checked, for single-tenant
	// deployments that route on actor id alone.
	Auth *authtoken.Issuer

	mu       sync.Mutex
	inflight map[string]chan wire.Envelope // request_id -> delivery channel
	wsConns  map[string]*wsBridge          // request_id -> live WS bridge

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Gateway identified by id.
func New(id, zone string, peerZones map[string]string, mgr *tunnel.Manager, bus pubsub.Bus, driver kv.Driver, e *workflow.Engine, kvStore *actorkv.Store, m *metrics.Metrics) *Gateway {
	return &Gateway{
		ID:         id,
		Zone:       zone,
		mgr:        mgr,
		bus:        bus,
		driver:     driver,
		engine:     e,
		kv:         kvStore,
		metrics:    m,
		logger:     log.WithComponent("gateway").With().Str("gateway_id", id).Logger(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		peerZones:  peerZones,
		inflight:   make(map[string]chan wire.Envelope),
		wsConns:    make(map[string]*wsBridge),
		stopCh:     make(chan struct{}),
	}
}

func receiverSubject(gatewayID string) string { return "gateway." + gatewayID + ".receiver" }

// Start subscribes to this gateway's receiver subject and begins
// dispatching inbound runner frames (HTTP replies, WS frames, KV
// requests, acks) to their destinations.
func (g *Gateway) Start(ctx context.Context) error {
	sub, err := g.bus.Subscribe(ctx, receiverSubject(g.ID))
	if err != nil {
		return fmt.Errorf("gateway: subscribe receiver: %w", err)
	}
	g.mgr.Start()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			select {
			case msg, ok := <-sub.Msgs():
				if !ok {
					return
				}
				g.dispatch(ctx, msg.Payload)
			case <-g.stopCh:
				_ = sub.Unsubscribe()
				return
			}
		}
	}()
	return nil
}

// Stop halts dispatch and the tunnel manager's GC loop.
func (g *Gateway) Stop() {
	close(g.stopCh)
	g.mgr.Stop()
	g.wg.Wait()
}

func (g *Gateway) dispatch(ctx context.Context, frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil {
		g.logger.Warn().Err(err).Msg("gateway: dropping undecodable frame")
		return
	}
	// mk1 peers ride their ack on the InlineAck field of whatever
	// message they send next for the request, instead of a standalone
	// TunnelAck frame; process it before the frame's own Kind.
	if env.Version == wire.Mk1 && env.InlineAck != "" {
		g.mgr.Ack(wire.TunnelAck{RequestID: env.RequestID, MessageID: env.InlineAck})
	}

	switch env.Kind {
	case wire.KindTunnelAck:
		var ack wire.TunnelAck
		if decodeBody(env.Body, &ack) {
			g.mgr.Ack(ack)
		}
	case wire.KindToServerHTTPStart, wire.KindToServerHTTPBody, wire.KindToServerWSMessage, wire.KindHibernateHandoff:
		g.deliver(env)
	case wire.KindToServerKvRequest:
		g.handleKVRequest(ctx, env)
	default:
		g.logger.Debug().Str("kind", string(env.Kind)).Msg("gateway: unhandled frame kind")
	}
}

func (g *Gateway) deliver(env wire.Envelope) {
	g.mu.Lock()
	ch := g.inflight[env.RequestID]
	g.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- env:
	default:
	}
}

func (g *Gateway) registerInflight(requestID string) chan wire.Envelope {
	ch := make(chan wire.Envelope, 32)
	g.mu.Lock()
	g.inflight[requestID] = ch
	g.mu.Unlock()
	return ch
}

func (g *Gateway) unregisterInflight(requestID string) {
	g.mu.Lock()
	delete(g.inflight, requestID)
	g.mu.Unlock()
	g.mgr.DropRequest(requestID)
}

// resolveReady returns actorID's record once it is connectable on a
// runner in the local zone, waking it if it was sleeping. It implements
// testable property 12.
func (g *Gateway) resolveReady(ctx context.Context, actorID string) (*types.Actor, error) {
	deadline := time.Now().Add(actorReadyTimeout)
	woke := false
	for attempt := 0; attempt < maxRewakeRetries; attempt++ {
		a, err := actor.GetByID(ctx, g.driver, actorID)
		if err != nil {
			return nil, err
		}
		if a == nil {
			return nil, apierr.ActorNotFound
		}
		if a.IsDestroyed() {
			return nil, apierr.ActorDestroyed
		}
		if a.Connectable && a.RunnerID != "" {
			g.resumeHibernatingRequests(ctx, a)
			return a, nil
		}
		if !woke {
			_ = g.engine.SignalBypass(ctx, actorID, "wake", nil)
			woke = true
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-time.After(rewakeRetryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, apierr.ActorReadyTimeout
}

func (g *Gateway) newRequestID() string { return uuid.NewString() }

// resumeHibernatingRequests hands any WebSocket requests parked for a
// back to its current runner: a's RunnerID just became live, so a
// handoff this gateway is still holding the client socket for can
// start forwarding to the new runner instead of the one it hibernated
// against (spec §4.7).
func (g *Gateway) resumeHibernatingRequests(ctx context.Context, a *types.Actor) {
	reqs, err := actor.ListHibernatingRequests(ctx, g.driver, a.ActorID)
	if err != nil || len(reqs) == 0 {
		return
	}
	for _, req := range reqs {
		if req.GatewayID != g.ID {
			continue
		}
		g.mu.Lock()
		bridge := g.wsConns[req.RequestID]
		g.mu.Unlock()
		if bridge != nil {
			bridge.resume(a.RunnerID)
		}
		if err := actor.ClearHibernatingRequest(ctx, g.driver, req); err != nil {
			g.logger.Warn().Err(err).Str("request_id", req.RequestID).Msg("gateway: failed to clear hibernating request")
		}
	}
}
