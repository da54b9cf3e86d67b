package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSplitAndReassembleChunks(t *testing.T) {
	payload := make([]byte, 20000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	chunks := SplitChunks(payload, "_INBOX.abc", 1024)
	require.Greater(t, len(chunks), 1)

	tracker := NewChunkTracker(time.Minute)
	var reassembled *Message
	for _, c := range chunks {
		msg, complete, err := tracker.Ingest("subj", c)
		require.NoError(t, err)
		if complete {
			reassembled = msg
		}
	}
	require.NotNil(t, reassembled)
	require.Equal(t, payload, reassembled.Payload)
	require.Equal(t, "_INBOX.abc", reassembled.ReplyTo)
}

func TestChunkTrackerOutOfOrderDelivery(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	chunks := SplitChunks(payload, "", 10)
	require.Greater(t, len(chunks), 1)

	// reverse delivery order
	for i, j := 0, len(chunks)-1; i < j; i, j = i+1, j-1 {
		chunks[i], chunks[j] = chunks[j], chunks[i]
	}

	tracker := NewChunkTracker(time.Minute)
	var got *Message
	for _, c := range chunks {
		msg, complete, err := tracker.Ingest("s", c)
		require.NoError(t, err)
		if complete {
			got = msg
		}
	}
	require.NotNil(t, got)
	require.Equal(t, payload, got.Payload)
}

func TestChunkTrackerGCsStalePartials(t *testing.T) {
	payload := make([]byte, 5000)
	chunks := SplitChunks(payload, "", 1024)
	require.Greater(t, len(chunks), 1)

	tracker := NewChunkTracker(time.Millisecond)
	_, complete, err := tracker.Ingest("s", chunks[0])
	require.NoError(t, err)
	require.False(t, complete)

	time.Sleep(5 * time.Millisecond)
	// Feeding an unrelated chunk triggers GC of the stale partial, so
	// this message id never completes even once the rest arrive.
	unrelated := SplitChunks([]byte("x"), "", 1024)
	_, _, err = tracker.Ingest("s", unrelated[0])
	require.NoError(t, err)

	_, complete, err = tracker.Ingest("s", chunks[1])
	require.NoError(t, err)
	require.False(t, complete)
}

func TestSingleChunkEmptyPayload(t *testing.T) {
	chunks := SplitChunks(nil, "", 1024)
	require.Len(t, chunks, 1)

	tracker := NewChunkTracker(time.Minute)
	msg, complete, err := tracker.Ingest("s", chunks[0])
	require.NoError(t, err)
	require.True(t, complete)
	require.Empty(t, msg.Payload)
}
