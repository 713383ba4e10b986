package events

import (
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1)
	if _, open := <-ch1; open {
		t.Fatal("expected unsubscribed channel to be closed")
	}

	b.Publish(Notice{Kind: KindError, Message: "boom"})
	select {
	case n := <-ch2:
		if n.Message != "boom" {
			t.Errorf("message = %q, want boom", n.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber missed the notice")
	}

	b.Unsubscribe(ch2)
	b.Publish(Notice{Kind: KindError})
	if got := b.Published(KindError); got != 2 {
		t.Errorf("Published = %d, want 2", got)
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Notice{Kind: KindSessionExpired, Message: "Session expired, please log in again."})

	select {
	case n := <-ch:
		if n.Kind != KindSessionExpired {
			t.Errorf("expected kind %s, got %s", KindSessionExpired, n.Kind)
		}
		if n.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notice")
	}
	if got := b.Published(KindSessionExpired); got != 1 {
		t.Errorf("Published = %d, want 1", got)
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Notice{Kind: KindNetwork})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
		default:
			if count != 64 {
				t.Errorf("expected 64 buffered notices, got %d", count)
			}
			if b.Published(KindNetwork) != 100 {
				t.Errorf("expected 100 published, got %d", b.Published(KindNetwork))
			}
			return
		}
	}
}
