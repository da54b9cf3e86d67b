// Package membus is an in-process pubsub.Bus adapting the
// subscriber-map/broadcast-channel shape used for cluster events
// elsewhere in this tree to the chunked, request/reply pubsub contract.
package membus

import (
	"context"
	"math/rand"
	"sync"

	"github.com/nimbusrun/nimbus/internal/pubsub"
)

// Bus is a single-process driver: useful for tests and for collapsing
// a single-node deployment's tunnel/gateway traffic onto one binary
// without a network hop.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscription]struct{}
	closed      bool
}

// New returns a ready-to-use in-memory bus. There is no practical
// payload ceiling, but MaxPayloadSize still reports a bound so shared
// chunking logic behaves identically across drivers.
func New() *Bus {
	return &Bus{subscribers: make(map[string]map[*subscription]struct{})}
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
	}
	b.subscribers[subject][sub] = struct{}{}
	return sub, nil
}

// Publish delivers payload as a single message, never chunking: the
// in-process driver has no wire size constraint. OneSubscriber picks a
// uniformly random live subscriber; Broadcast fans out to all of them.
// Delivery is at-most-once — a subscriber with a full buffer drops the
// message rather than blocking the publisher.
func (b *Bus) Publish(ctx context.Context, subject string, payload []byte, opts pubsub.PublishOptions) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return context.Canceled
	}
	subs := b.subscribers[subject]
	if len(subs) == 0 {
		return nil
	}
	msg := &pubsub.Message{Subject: subject, Payload: payload, ReplyTo: opts.ReplyTo}

	if opts.Behavior == pubsub.OneSubscriber {
		targets := make([]*subscription, 0, len(subs))
		for s := range subs {
			targets = append(targets, s)
		}
		pick := targets[rand.Intn(len(targets))]
		select {
		case pick.ch <- msg:
		default:
		}
		return nil
	}

	for s := range subs {
		select {
		case s.ch <- msg:
		default:
		}
	}
	return nil
}

func (b *Bus) MaxPayloadSize() int { return 1 << 20 }

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for s := range subs {
			close(s.ch)
		}
	}
	b.subscribers = make(map[string]map[*subscription]struct{})
	return nil
}
