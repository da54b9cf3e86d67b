// Package redisbus implements pubsub.Bus on top of Redis Pub/Sub.
// Redis has no hard payload ceiling like Postgres NOTIFY, but messages
// are still chunked against a configurable size so a single slow
// consumer can't stall on an oversized frame.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/nimbusrun/nimbus/internal/pubsub"
	"github.com/redis/go-redis/v9"
)

const defaultMaxPayload = 512 * 1024

type Bus struct {
	client *redis.Client

	mu         sync.RWMutex
	subs       map[string]map[*subscription]struct{}
	trackers   map[string]*pubsub.ChunkTracker
	psubs      map[string]*redis.PubSub
	closed     bool
	maxPayload int
}

// Open connects to addr and returns a ready-to-use bus.
func Open(addr string) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redisbus: ping: %w", err)
	}
	return &Bus{
		client:     client,
		subs:       make(map[string]map[*subscription]struct{}),
		trackers:   make(map[string]*pubsub.ChunkTracker),
		psubs:      make(map[string]*redis.PubSub),
		maxPayload: defaultMaxPayload,
	}, nil
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
	subs, ok := s.bus.subs[s.subject]
	if !ok {
		return nil
	}
	if _, present := subs[s]; present {
		delete(subs, s)
		close(s.ch)
	}
	if len(subs) == 0 {
		delete(s.bus.subs, s.subject)
		delete(s.bus.trackers, s.subject)
		if ps, ok := s.bus.psubs[s.subject]; ok {
			ps.Close()
			delete(s.bus.psubs, s.subject)
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, subject string) (pubsub.Subscriber, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, context.Canceled
	}
	sub := &subscription{bus: b, subject: subject, ch: make(chan *pubsub.Message, 64)}
	firstForSubject := b.subs[subject] == nil
	if firstForSubject {
		b.subs[subject] = make(map[*subscription]struct{})
		b.trackers[subject] = pubsub.NewChunkTracker(30 * time.Second)
	}
	b.subs[subject][sub] = struct{}{}
	b.mu.Unlock()

	if firstForSubject {
		ps := b.client.Subscribe(ctx, subject)
		b.mu.Lock()
		b.psubs[subject] = ps
		b.mu.Unlock()
		go b.dispatchLoop(subject, ps)
	}
	return sub, nil
}

func (b *Bus) dispatchLoop(subject string, ps *redis.PubSub) {
	ch := ps.Channel()
	for msg := range ch {
		b.handleMessage(subject, []byte(msg.Payload))
	}
}

func (b *Bus) handleMessage(subject string, wire []byte) {
	b.mu.RLock()
	tracker := b.trackers[subject]
	subs := b.subs[subject]
	b.mu.RUnlock()
	if tracker == nil {
		return
	}

	msg, complete, err := tracker.Ingest(subject, wire)
	if err != nil {
		log.WithComponent("redisbus").Warn().Err(err).Msg("chunk reassembly failed")
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
	pick := targets[rand.Intn(len(targets))]
	select {
	case pick.ch <- msg:
	default:
	}
}

// Publish chunks payload and PUBLISHes each chunk, retrying the
// whole batch with exponential backoff on a transient Redis error.
func (b *Bus) Publish(ctx context.Context, subject string, payload []byte, opts pubsub.PublishOptions) error {
	b.mu.RLock()
	closed := b.closed
	maxPayload := b.maxPayload
	b.mu.RUnlock()
	if closed {
		return context.Canceled
	}

	chunks := pubsub.SplitChunks(payload, opts.ReplyTo, maxPayload)

	backoff := 50 * time.Millisecond
	const maxAttempts = 6
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := b.publishChunks(ctx, subject, chunks)
		if err == nil {
			return nil
		}
		if attempt == maxAttempts-1 {
			return fmt.Errorf("redisbus: publish exhausted retries: %w", err)
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.New("redisbus: unreachable")
}

func (b *Bus) publishChunks(ctx context.Context, subject string, chunks [][]byte) error {
	for _, chunk := range chunks {
		if err := b.client.Publish(ctx, subject, chunk).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) MaxPayloadSize() int { return b.maxPayload }

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, ps := range b.psubs {
		ps.Close()
	}
	for _, subs := range b.subs {
		for s := range subs {
			close(s.ch)
		}
	}
	b.subs = make(map[string]map[*subscription]struct{})
	b.psubs = make(map[string]*redis.PubSub)
	b.mu.Unlock()
	return b.client.Close()
}
