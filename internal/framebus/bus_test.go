package framebus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Frame, 10)
	require.NoError(t, bus.Subscribe("ui", ch))

	bus.Publish(Frame{Seq: 1, Data: []byte{0xFF, 0xD8}})

	select {
	case got := <-ch:
		assert.Equal(t, uint64(1), got.Seq)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Frame, 1)
	require.NoError(t, bus.Subscribe("slow", ch))

	done := make(chan struct{})
	go func() {
		bus.Publish(Frame{Seq: 1})
		bus.Publish(Frame{Seq: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Equal(t, uint64(1), (<-ch).Seq)
	stats := bus.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, SubscriberStats{Sent: 1, Dropped: 1}, stats.Subscribers["slow"])
}

func TestSubscribeErrors(t *testing.T) {
	bus := New()

	require.ErrorIs(t, bus.Subscribe("x", nil), ErrNilChannel)
	require.NoError(t, bus.Subscribe("x", make(chan Frame, 1)))
	require.ErrorIs(t, bus.Subscribe("x", make(chan Frame, 1)), ErrSubscriberExists)
	_, err := bus.SubscribeLatest("x")
	require.ErrorIs(t, err, ErrSubscriberExists)
	require.ErrorIs(t, bus.Unsubscribe("missing"), ErrSubscriberNotFound)

	bus.Close()
	bus.Close()
	require.ErrorIs(t, bus.Subscribe("y", make(chan Frame, 1)), ErrBusClosed)
	_, err = bus.SubscribeLatest("y")
	require.ErrorIs(t, err, ErrBusClosed)
}

func TestSubscribeLatest_KeepsNewest(t *testing.T) {
	bus := New()
	defer bus.Close()

	r, err := bus.SubscribeLatest("display")
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		bus.Publish(Frame{Seq: i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := r.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.Seq)

	stats := bus.Stats().Subscribers["display"]
	assert.Equal(t, uint64(5), stats.Sent)
	assert.Equal(t, uint64(4), stats.Dropped, "four frames were overwritten unread")

	// Already consumed: Receive blocks until the context expires.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = r.Receive(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// TryReceive still returns the held frame.
	f, ok := r.TryReceive()
	require.True(t, ok)
	assert.Equal(t, uint64(5), f.Seq)
}

func TestReceiver_CloseWakesReceive(t *testing.T) {
	bus := New()
	r, err := bus.SubscribeLatest("display")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var recvErr error
	go func() {
		defer wg.Done()
		_, recvErr = r.Receive(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, bus.Unsubscribe("display"))
	wg.Wait()
	assert.ErrorIs(t, recvErr, ErrReceiverClosed)

	// Publishing after close is harmless.
	bus.Publish(Frame{Seq: 1})
	_, ok := r.TryReceive()
	assert.False(t, ok)
}

func TestLatest(t *testing.T) {
	bus := New()
	defer bus.Close()

	_, ok := bus.Latest()
	require.False(t, ok)

	bus.Publish(Frame{Seq: 7, Data: []byte{1}})
	f, ok := bus.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(7), f.Seq)

	bus.ClearLatest()
	_, ok = bus.Latest()
	assert.False(t, ok)
}
