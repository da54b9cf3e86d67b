// Package pgbus implements pubsub.Bus on top of Postgres LISTEN/NOTIFY.
// NOTIFY payloads are capped at 8000 characters, so every message is
// base64-encoded and chunked to fit; a single logical channel carries
// all subjects, with subject and chunk framing prepended to the
// payload before encoding.
package pgbus

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/nimbusrun/nimbus/internal/pubsub"
)

// channel is the single Postgres NOTIFY channel every subject
// multiplexes onto; subscribers demultiplex by the subject prefix
// carried inside the decoded payload.
const channel = "nimbus_bus"

// notifyCharLimit is Postgres's hard cap on a NOTIFY payload.
const notifyCharLimit = 8000

// maxChunkBytes is the raw (pre-base64) byte budget per wire chunk,
// leaving headroom under notifyCharLimit once base64-encoded.
const maxChunkBytes = 5985

type Bus struct {
	db       *sql.DB
	listener *pq.Listener

	mu          sync.RWMutex
	subscribers map[string]map[*subscription]struct{}
	trackers    map[string]*pubsub.ChunkTracker
	closed      bool
	closeCh     chan struct{}
}

// Open establishes a connection pool plus a dedicated LISTEN
// connection against dsn and starts the dispatch loop.
func Open(dsn string) (*Bus, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgbus: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgbus: ping: %w", err)
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.WithComponent("pgbus").Warn().Err(err).Msg("listener event")
		}
	}
	listener := pq.NewListener(dsn, 2*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channel); err != nil {
		db.Close()
		listener.Close()
		return nil, fmt.Errorf("pgbus: listen: %w", err)
	}

	b := &Bus{
		db:          db,
		listener:    listener,
		subscribers: make(map[string]map[*subscription]struct{}),
		trackers:    make(map[string]*pubsub.ChunkTracker),
		closeCh:     make(chan struct{}),
	}
	go b.dispatchLoop()
	return b, nil
}

type subscription struct {
	bus     *Bus
	subject string
	ch      chan *pubsub.Message
}

func (s *subscription) Msgs() <-chan *pubsub.Message { return s.ch }

func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subscribers[s.subject]; ok {
		if _, present := subs[s]; present {
			delete(subs, s)
			close(s.ch)
		}
		if len(subs) == 0 {
			delete(s.bus.subscribers, s.subject)
			delete(s.bus.trackers, s.subject)
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, subject string) (pubsub.Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, context.Canceled
	}
	sub := &subscription{bus: b, subject: subject, ch: make(chan *pubsub.Message, 64)}
	if b.subscribers[subject] == nil {
		b.subscribers[subject] = make(map[*subscription]struct{})
		b.trackers[subject] = pubsub.NewChunkTracker(30 * time.Second)
	}
	b.subscribers[subject][sub] = struct{}{}
	return sub, nil
}

// encodeEnvelope prepends a length-framed subject ahead of a chunk
// frame so dispatchLoop can demultiplex without a second round trip.
func encodeEnvelope(subject string, chunk []byte) []byte {
	buf := make([]byte, 0, 2+len(subject)+len(chunk))
	var sl [2]byte
	binary.BigEndian.PutUint16(sl[:], uint16(len(subject)))
	buf = append(buf, sl[:]...)
	buf = append(buf, []byte(subject)...)
	buf = append(buf, chunk...)
	return buf
}

func decodeEnvelope(b []byte) (subject string, chunk []byte, err error) {
	if len(b) < 2 {
		return "", nil, errors.New("pgbus: envelope too short")
	}
	sl := binary.BigEndian.Uint16(b[0:2])
	if len(b) < 2+int(sl) {
		return "", nil, errors.New("pgbus: envelope subject truncated")
	}
	return string(b[2 : 2+int(sl)]), b[2+int(sl):], nil
}

// Publish retries the NOTIFY with exponential backoff up to a small
// budget: a transient connection blip shouldn't fail the publisher
// outright since LISTEN-side reconnects re-subscribe automatically.
func (b *Bus) Publish(ctx context.Context, subject string, payload []byte, opts pubsub.PublishOptions) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return context.Canceled
	}

	// The requested behavior is not sent: every process listening on
	// the channel receives the NOTIFY, and handleNotify hands each
	// reassembled message to one local subscriber of the subject.
	_ = opts.Behavior

	budget := maxChunkBytes - 2 - len(subject)
	if budget <= 0 {
		return fmt.Errorf("pgbus: subject %q too long for chunk budget", subject)
	}

	backoff := 50 * time.Millisecond
	const maxAttempts = 6
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = b.publishOnce(ctx, subject, payload, opts.ReplyTo, budget)
		if lastErr == nil {
			return nil
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("pgbus: publish exhausted retries: %w", lastErr)
}

func (b *Bus) publishOnce(ctx context.Context, subject string, payload []byte, replyTo string, budget int) error {
	// SplitChunks' header accounting already reserves room for replyTo;
	// pass our envelope-adjusted budget as the driver's max payload.
	for _, chunk := range pubsub.SplitChunks(payload, replyTo, budget) {
		envelope := encodeEnvelope(subject, chunk)
		encoded := base64.StdEncoding.EncodeToString(envelope)
		if len(encoded) > notifyCharLimit {
			return fmt.Errorf("pgbus: encoded chunk exceeds notify limit (%d > %d)", len(encoded), notifyCharLimit)
		}
		if _, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, encoded); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) dispatchLoop() {
	for {
		select {
		case <-b.closeCh:
			return
		case n, ok := <-b.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				continue
			}
			b.handleNotify(n.Extra)
		case <-time.After(90 * time.Second):
			go func() { _ = b.listener.Ping() }()
		}
	}
}

func (b *Bus) handleNotify(payload string) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		log.WithComponent("pgbus").Warn().Err(err).Msg("bad base64 notify payload")
		return
	}
	subject, chunk, err := decodeEnvelope(raw)
	if err != nil {
		log.WithComponent("pgbus").Warn().Err(err).Msg("bad envelope")
		return
	}

	b.mu.RLock()
	subs := b.subscribers[subject]
	tracker := b.trackers[subject]
	b.mu.RUnlock()
	if len(subs) == 0 || tracker == nil {
		return
	}

	msg, complete, err := tracker.Ingest(subject, chunk)
	if err != nil {
		log.WithComponent("pgbus").Warn().Err(err).Msg("chunk reassembly failed")
		return
	}
	if !complete {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	targets := make([]*subscription, 0, len(subs))
	for s := range subs {
		targets = append(targets, s)
	}
	if len(targets) == 0 {
		return
	}
	// At-most-once, single recipient for parity with OneSubscriber:
	// a caller that wants Broadcast semantics subscribes per-process
	// and relies on every process receiving the same NOTIFY.
	pick := targets[rand.Intn(len(targets))]
	select {
	case pick.ch <- msg:
	default:
	}
}

func (b *Bus) MaxPayloadSize() int { return maxChunkBytes }

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for s := range subs {
			close(s.ch)
		}
	}
	b.subscribers = make(map[string]map[*subscription]struct{})
	b.mu.Unlock()

	close(b.closeCh)
	b.listener.Close()
	return b.db.Close()
}
