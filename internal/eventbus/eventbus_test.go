package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypePollFinished, Data: PollEvent{MetaID: 7, Kind: "feed"}})

	select {
	case e := <-ch:
		if e.Type != TypePollFinished {
			t.Fatalf("type = %q", e.Type)
		}
		if e.Time.IsZero() {
			t.Fatalf("publish did not stamp time")
		}
		pe, ok := e.Data.(PollEvent)
		if !ok || pe.MetaID != 7 || pe.Kind != "feed" {
			t.Fatalf("data = %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: "tick"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
	// The buffer holds at most its capacity; the rest were dropped.
	if n := len(ch); n > 1 {
		t.Fatalf("buffered = %d", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: "tick"})
}
