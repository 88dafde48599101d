package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(Event{Kind: KindReady, WorkerID: "w1", Handle: "h1"})

	select {
	case ev := <-sub.C:
		if ev.Kind != KindReady || ev.WorkerID != "w1" {
			t.Errorf("got %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Error("publish did not stamp time")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribeFiltersKinds(t *testing.T) {
	b := New()
	sub := b.Subscribe(KindError, KindExit)
	defer sub.Close()

	b.Publish(Event{Kind: KindReady})
	b.Publish(Event{Kind: KindExit, WorkerID: "w1"})

	select {
	case ev := <-sub.C:
		if ev.Kind != KindExit {
			t.Errorf("kind = %s, want exit", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscription received nothing")
	}

	select {
	case ev := <-sub.C:
		t.Errorf("unexpected second event %+v", ev)
	default:
	}
}

// A full subscriber buffer must never block the publisher; overflow is
// dropped and counted.
func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered(1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Kind: KindOutput})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	if got := b.Dropped(); got != 99 {
		t.Errorf("dropped = %d, want 99", got)
	}
}

// Closing a subscription while another goroutine publishes must never panic
// with a send on a closed channel.
func TestCloseDuringPublishDoesNotPanic(t *testing.T) {
	b := New()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(Event{Kind: KindOutput})
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		sub := b.SubscribeBuffered(1)
		sub.Close()
	}

	close(stop)
	<-done
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	sub.Close()
	sub.Close()

	// Publishing after close must not panic or deliver.
	b.Publish(Event{Kind: KindReady})
	if _, ok := <-sub.C; ok {
		t.Error("received on closed subscription")
	}
}
