package ws

import (
	"testing"
	"time"
)

type chanSubscriber struct {
	received chan []byte
	closed   chan struct{}
	fail     bool
}

func newChanSubscriber() *chanSubscriber {
	return &chanSubscriber{
		received: make(chan []byte, 8),
		closed:   make(chan struct{}),
	}
}

func (s *chanSubscriber) Enqueue(payload []byte) error {
	if s.fail {
		return ErrSlowConsumer
	}
	s.received <- payload
	return nil
}

func (s *chanSubscriber) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

// blockingSubscriber stalls inside Enqueue until its gate opens, violating
// the Subscriber contract the way a misbehaving consumer would.
type blockingSubscriber struct {
	gate chan struct{}
}

func (s *blockingSubscriber) Enqueue([]byte) error {
	<-s.gate
	return nil
}

func (s *blockingSubscriber) Close() {}

func TestPublishReachesTopicSubscribers(t *testing.T) {
	h := NewHub()
	sub := newChanSubscriber()
	h.Register("runtimes", sub)

	h.Publish("runtimes", []byte("hello"))

	select {
	case msg := <-sub.received:
		if string(msg) != "hello" {
			t.Fatalf("unexpected payload %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received payload")
	}
}

func TestPublishSkipsOtherTopics(t *testing.T) {
	h := NewHub()
	sub := newChanSubscriber()
	h.Register("runtimes", sub)

	h.Publish("other", []byte("nope"))

	select {
	case msg := <-sub.received:
		t.Fatalf("unexpected delivery %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFailingSubscriberIsEvicted(t *testing.T) {
	h := NewHub()
	bad := newChanSubscriber()
	bad.fail = true
	h.Register("runtimes", bad)

	h.Publish("runtimes", []byte("first"))

	select {
	case <-bad.closed:
	case <-time.After(time.Second):
		t.Fatal("failing subscriber never closed")
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	h := NewHub()
	sub := newChanSubscriber()
	h.Register("runtimes", sub)
	h.Unregister("runtimes", sub)

	h.Publish("runtimes", []byte("late"))

	select {
	case msg := <-sub.received:
		t.Fatalf("unexpected delivery %q", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishNeverWaitsOnStalledConsumer(t *testing.T) {
	h := NewHub()
	stalled := &blockingSubscriber{gate: make(chan struct{})}
	defer close(stalled.gate)
	h.Register("runtimes", stalled)

	// Far more frames than the backlog holds; every call must return even
	// though the fan-out loop is wedged inside the subscriber.
	done := make(chan struct{})
	go func() {
		for i := 0; i < publishBacklog+64; i++ {
			h.Publish("runtimes", []byte("event"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked behind a stalled subscriber")
	}
}
