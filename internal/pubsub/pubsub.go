// Package pubsub provides an opaque-subject publish/subscribe bus with
// at-most-once delivery, request/reply over a generated inbox subject,
// and chunk reassembly for drivers with a small max payload size.
package pubsub

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Behavior controls fanout when a subject has more than one subscriber
// attached to the same bus.
type Behavior int

const (
	// OneSubscriber delivers to exactly one subscriber, chosen by the
	// driver. Drivers that support it route this intra-process via a
	// local channel without touching the network.
	OneSubscriber Behavior = iota
	// Broadcast delivers to every subscriber of the subject.
	Broadcast
)

// Message is a single reassembled payload delivered to a Subscriber.
type Message struct {
	Subject string
	Payload []byte
	ReplyTo string
}

// PublishOptions configures a single Publish call.
type PublishOptions struct {
	Behavior Behavior
	ReplyTo  string
}

// Subscriber yields messages for a subject until Unsubscribe is called
// or the bus is closed, at which point Msgs is closed.
type Subscriber interface {
	Msgs() <-chan *Message
	Unsubscribe() error
}

// Bus is the driver-facing interface every transport implements.
type Bus interface {
	Subscribe(ctx context.Context, subject string) (Subscriber, error)
	Publish(ctx context.Context, subject string, payload []byte, opts PublishOptions) error
	// MaxPayloadSize bounds a single wire chunk; Publish fragments
	// payloads larger than this into multiple chunks.
	MaxPayloadSize() int
	Close() error
}

// ErrRequestTimeout is returned by Request when no reply arrives before
// the deadline.
var ErrRequestTimeout = errors.New("pubsub: request timed out")

// Request publishes payload to subject with a unique _INBOX.<uuid>
// reply subject, subscribes to that inbox, and waits up to timeout for
// a single reply.
func Request(ctx context.Context, bus Bus, subject string, payload []byte, timeout time.Duration) (*Message, error) {
	inbox := fmt.Sprintf("_INBOX.%s", uuid.NewString())
	sub, err := bus.Subscribe(ctx, inbox)
	if err != nil {
		return nil, fmt.Errorf("pubsub: request subscribe inbox: %w", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish(ctx, subject, payload, PublishOptions{Behavior: OneSubscriber, ReplyTo: inbox}); err != nil {
		return nil, fmt.Errorf("pubsub: request publish: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-sub.Msgs():
		if !ok {
			return nil, ErrRequestTimeout
		}
		return msg, nil
	case <-timer.C:
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// chunkHeader is the fixed-size prefix every wire chunk carries ahead
// of its payload slice: message_id (16 bytes), chunk_idx (4 bytes),
// chunk_count (4 bytes), reply_to length (2 bytes) + reply_to bytes.
type chunkHeader struct {
	messageID  [16]byte
	chunkIdx   uint32
	chunkCount uint32
	replyTo    string
}

const chunkHeaderFixedLen = 16 + 4 + 4 + 2

func encodeChunk(h chunkHeader, payload []byte) []byte {
	buf := make([]byte, 0, chunkHeaderFixedLen+len(h.replyTo)+len(payload))
	buf = append(buf, h.messageID[:]...)
	var idx, cnt [4]byte
	binary.BigEndian.PutUint32(idx[:], h.chunkIdx)
	binary.BigEndian.PutUint32(cnt[:], h.chunkCount)
	buf = append(buf, idx[:]...)
	buf = append(buf, cnt[:]...)
	var rl [2]byte
	binary.BigEndian.PutUint16(rl[:], uint16(len(h.replyTo)))
	buf = append(buf, rl[:]...)
	buf = append(buf, []byte(h.replyTo)...)
	buf = append(buf, payload...)
	return buf
}

func decodeChunk(b []byte) (chunkHeader, []byte, error) {
	if len(b) < chunkHeaderFixedLen {
		return chunkHeader{}, nil, errors.New("pubsub: chunk too short")
	}
	var h chunkHeader
	copy(h.messageID[:], b[0:16])
	h.chunkIdx = binary.BigEndian.Uint32(b[16:20])
	h.chunkCount = binary.BigEndian.Uint32(b[20:24])
	rl := binary.BigEndian.Uint16(b[24:26])
	off := 26
	if len(b) < off+int(rl) {
		return chunkHeader{}, nil, errors.New("pubsub: chunk reply_to truncated")
	}
	h.replyTo = string(b[off : off+int(rl)])
	off += int(rl)
	return h, b[off:], nil
}

// SplitChunks fragments payload into chunks no larger than maxPayload,
// each carrying the shared header so a ChunkTracker can reassemble
// them regardless of delivery order. Drivers with a small wire payload
// ceiling (e.g. Postgres NOTIFY) call this directly from Publish.
func SplitChunks(payload []byte, replyTo string, maxPayload int) [][]byte {
	headerOverhead := chunkHeaderFixedLen + len(replyTo)
	budget := maxPayload - headerOverhead
	if budget <= 0 {
		budget = 1
	}
	var id [16]byte
	generated := uuid.New()
	copy(id[:], generated[:])

	if len(payload) == 0 {
		return [][]byte{encodeChunk(chunkHeader{messageID: id, chunkIdx: 0, chunkCount: 1, replyTo: replyTo}, nil)}
	}

	count := (len(payload) + budget - 1) / budget
	chunks := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * budget
		end := start + budget
		if end > len(payload) {
			end = len(payload)
		}
		h := chunkHeader{messageID: id, chunkIdx: uint32(i), chunkCount: uint32(count), replyTo: replyTo}
		chunks = append(chunks, encodeChunk(h, payload[start:end]))
	}
	return chunks
}

// partial tracks the chunks seen so far for one in-flight message.
type partial struct {
	chunks   [][]byte
	received int
	total    uint32
	replyTo  string
	lastSeen time.Time
}

// ChunkTracker reassembles chunked wire payloads per subscriber and GCs
// partial messages that never complete within staleAfter.
type ChunkTracker struct {
	mu         sync.Mutex
	partials   map[[16]byte]*partial
	staleAfter time.Duration
}

// NewChunkTracker returns a tracker that discards incomplete messages
// older than staleAfter on the next Ingest/GC call.
func NewChunkTracker(staleAfter time.Duration) *ChunkTracker {
	return &ChunkTracker{partials: make(map[[16]byte]*partial), staleAfter: staleAfter}
}

// Ingest feeds one wire chunk into the tracker. It returns the
// reassembled message once every chunk has arrived, or ok=false while
// the message is still partial.
func (c *ChunkTracker) Ingest(subject string, wire []byte) (*Message, bool, error) {
	h, payload, err := decodeChunk(wire)
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gcLocked()

	p, ok := c.partials[h.messageID]
	if !ok {
		p = &partial{chunks: make([][]byte, h.chunkCount), total: h.chunkCount, replyTo: h.replyTo}
		c.partials[h.messageID] = p
	}
	if int(h.chunkIdx) >= len(p.chunks) {
		return nil, false, errors.New("pubsub: chunk index out of range")
	}
	if p.chunks[h.chunkIdx] == nil {
		p.chunks[h.chunkIdx] = payload
		p.received++
	}
	p.lastSeen = time.Now()

	if p.received < int(p.total) {
		return nil, false, nil
	}

	delete(c.partials, h.messageID)
	full := make([]byte, 0)
	for _, chunk := range p.chunks {
		full = append(full, chunk...)
	}
	return &Message{Subject: subject, Payload: full, ReplyTo: p.replyTo}, true, nil
}

func (c *ChunkTracker) gcLocked() {
	if c.staleAfter <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.staleAfter)
	for id, p := range c.partials {
		if p.lastSeen.Before(cutoff) {
			delete(c.partials, id)
		}
	}
}
