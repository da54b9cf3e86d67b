package membus_test

import (
	"context"
	"testing"
	"time"

	"github.com/nimbusrun/nimbus/internal/pubsub"
	"github.com/nimbusrun/nimbus/internal/pubsub/membus"
	"github.com/stretchr/testify/require"
)

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := membus.New()
	defer b.Close()
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, "topic")
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx, "topic")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "topic", []byte("hi"), pubsub.PublishOptions{Behavior: pubsub.Broadcast}))

	select {
	case m := <-sub1.Msgs():
		require.Equal(t, []byte("hi"), m.Payload)
	case <-time.After(time.Second):
		t.Fatal("sub1 did not receive broadcast")
	}
	select {
	case m := <-sub2.Msgs():
		require.Equal(t, []byte("hi"), m.Payload)
	case <-time.After(time.Second):
		t.Fatal("sub2 did not receive broadcast")
	}
}

func TestOneSubscriberDeliversOnce(t *testing.T) {
	b := membus.New()
	defer b.Close()
	ctx := context.Background()

	sub1, _ := b.Subscribe(ctx, "jobs")
	sub2, _ := b.Subscribe(ctx, "jobs")

	require.NoError(t, b.Publish(ctx, "jobs", []byte("work"), pubsub.PublishOptions{Behavior: pubsub.OneSubscriber}))

	got := 0
	timeout := time.After(200 * time.Millisecond)
loop:
	for {
		select {
		case <-sub1.Msgs():
			got++
		case <-sub2.Msgs():
			got++
		case <-timeout:
			break loop
		}
	}
	require.Equal(t, 1, got)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := membus.New()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	_, ok := <-sub.Msgs()
	require.False(t, ok)
}

func TestRequestReply(t *testing.T) {
	b := membus.New()
	defer b.Close()
	ctx := context.Background()

	responder, err := b.Subscribe(ctx, "svc")
	require.NoError(t, err)
	go func() {
		msg := <-responder.Msgs()
		_ = b.Publish(ctx, msg.ReplyTo, []byte("pong"), pubsub.PublishOptions{Behavior: pubsub.OneSubscriber})
	}()

	resp, err := pubsub.Request(ctx, b, "svc", []byte("ping"), time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), resp.Payload)
}
