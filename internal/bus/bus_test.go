package bus

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("connection.", 10)
	defer sub.Close()

	b.Publish(Event{Kind: KindConnectionChanged, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-sub.C:
		if evt.Kind != KindConnectionChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindConnectionChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	sub := b.Subscribe("message.", 10)
	defer sub.Close()

	b.Publish(Event{Kind: KindConnectionChanged})
	b.Publish(NewEvent(KindSendAck, nil))

	select {
	case evt := <-sub.C:
		if evt.Kind != KindSendAck {
			t.Errorf("got kind %q, want %s", evt.Kind, KindSendAck)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-sub.C:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("typing.", 10)
	sub.Close()

	b.Publish(Event{Kind: KindTypingChanged})

	select {
	case evt := <-sub.C:
		t.Errorf("received event after close: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d after close, want 0", b.Len())
	}
}

// TestCloseIsIdempotent guards the facade teardown path, which may close a
// subscription both on group switch and again on shutdown.
func TestCloseIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe("typing.", 1)
	other := b.Subscribe("typing.", 1)
	defer other.Close()

	sub.Close()
	sub.Close()

	var nilSub *Subscription
	nilSub.Close()

	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	sub := b.Subscribe("test.", 1)
	defer sub.Close()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-sub.C
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestPublishOnNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: "x"})
}

func TestPublishWaitDeliversEveryEvent(t *testing.T) {
	b := New()
	sub := b.SubscribeLossless("realtime.message.", 4)
	defer sub.Close()
	lossy := b.Subscribe("realtime.", 1)
	defer lossy.Close()

	const n = 100
	done := make(chan error, 1)
	go func() {
		for i := 0; i < n; i++ {
			if err := b.PublishWait(context.Background(), NewEvent("realtime.message.new", i)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < n; i++ {
		select {
		case evt := <-sub.C:
			if evt.Payload.(int) != i {
				t.Fatalf("event %d payload = %v, want in-order delivery", i, evt.Payload)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout after %d events", i)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("PublishWait() error = %v", err)
	}
	if got := len(lossy.C); got != 1 {
		t.Errorf("lossy subscriber buffered %d events, want 1", got)
	}
}

func TestPublishWaitHonorsContext(t *testing.T) {
	b := New()
	sub := b.SubscribeLossless("x.", 1)
	defer sub.Close()

	b.Publish(Event{Kind: "x.fill"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.PublishWait(ctx, Event{Kind: "x.more"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("PublishWait() error = %v, want deadline exceeded", err)
	}
}

func TestCloseReleasesBlockedPublisher(t *testing.T) {
	b := New()
	sub := b.SubscribeLossless("x.", 1)
	b.Publish(Event{Kind: "x.fill"})

	done := make(chan error, 1)
	go func() { done <- b.PublishWait(context.Background(), Event{Kind: "x.more"}) }()

	time.Sleep(20 * time.Millisecond)
	sub.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("PublishWait() error = %v, want nil after close", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after Close")
	}
}
