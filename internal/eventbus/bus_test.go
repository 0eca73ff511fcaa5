package eventbus

import (
	"fmt"
	"testing"

	"github.com/varenne/stagehand/pkg/api"
)

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := New(16)
	ch, cancel := bus.Subscribe("s1")
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(api.Event{SessionID: "s1", Type: api.EventStageStarted, Ordinal: i})
	}

	for i := 0; i < 5; i++ {
		ev := <-ch
		if ev.Ordinal != i {
			t.Fatalf("got ordinal %d at position %d", ev.Ordinal, i)
		}
	}
}

func TestBusFiltersBySession(t *testing.T) {
	bus := New(16)
	only, cancelOnly := bus.Subscribe("s1")
	defer cancelOnly()
	all, cancelAll := bus.Subscribe("")
	defer cancelAll()

	bus.Publish(api.Event{SessionID: "s1", Type: api.EventSessionStarted})
	bus.Publish(api.Event{SessionID: "s2", Type: api.EventSessionStarted})

	if got := len(only); got != 1 {
		t.Errorf("filtered subscriber got %d events, want 1", got)
	}
	if got := len(all); got != 2 {
		t.Errorf("wildcard subscriber got %d events, want 2", got)
	}
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := New(2)
	ch, cancel := bus.Subscribe("s1")
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(api.Event{SessionID: "s1", Detail: fmt.Sprintf("%d", i)})
	}

	// Queue size 2: only the two newest survive.
	first := <-ch
	second := <-ch
	if first.Detail != "3" || second.Detail != "4" {
		t.Errorf("got %q then %q, want 3 then 4", first.Detail, second.Detail)
	}
	if len(ch) != 0 {
		t.Errorf("queue should be empty, has %d", len(ch))
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := New(4)
	ch, cancel := bus.Subscribe("s1")

	bus.Publish(api.Event{SessionID: "s1", Detail: "buffered"})
	cancel()
	// Idempotent.
	cancel()

	if bus.SubscriberCount() != 0 {
		t.Errorf("got %d subscribers after cancel, want 0", bus.SubscriberCount())
	}

	// Buffered events remain readable, then the channel reports closed.
	ev, ok := <-ch
	if !ok || ev.Detail != "buffered" {
		t.Fatalf("got %+v ok=%v, want buffered event", ev, ok)
	}
	if _, ok := <-ch; ok {
		t.Error("channel must be closed after draining")
	}

	// Publishing after cancel must not panic.
	bus.Publish(api.Event{SessionID: "s1"})
}

func TestBusZeroSizeUsesDefault(t *testing.T) {
	bus := New(0)
	ch, cancel := bus.Subscribe("")
	defer cancel()

	if cap(ch) != DefaultQueueSize {
		t.Errorf("got capacity %d, want %d", cap(ch), DefaultQueueSize)
	}
}
