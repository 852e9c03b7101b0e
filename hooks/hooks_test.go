package hooks

import (
	"testing"
	"time"
)

func TestBus_PublishMatchesPattern(t *testing.T) {
	bus := New(nil)
	var got []Event
	bus.Subscribe("/v1/stream/*", func(e Event) {
		got = append(got, e)
	})

	bus.Publish(Event{Type: EventCreated, Path: "/v1/stream/a", Timestamp: time.Now()})
	bus.Publish(Event{Type: EventCreated, Path: "/v1/stream/a/b", Timestamp: time.Now()})

	if len(got) != 1 {
		t.Fatalf("expected 1 matched event, got %d", len(got))
	}
	if got[0].Path != "/v1/stream/a" {
		t.Errorf("unexpected event path: %q", got[0].Path)
	}
}

func TestBus_DoubleWildcardMatchesAnyDepth(t *testing.T) {
	bus := New(nil)
	count := 0
	bus.Subscribe("**", func(e Event) { count++ })

	bus.Publish(Event{Type: EventAppended, Path: "/a"})
	bus.Publish(Event{Type: EventAppended, Path: "/a/b/c"})

	if count != 2 {
		t.Errorf("expected 2 events matched by **, got %d", count)
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := New(nil)
	count := 0
	unsubscribe := bus.Subscribe("**", func(e Event) { count++ })

	bus.Publish(Event{Type: EventDeleted, Path: "/a"})
	unsubscribe()
	bus.Publish(Event{Type: EventDeleted, Path: "/a"})

	if count != 1 {
		t.Errorf("expected exactly 1 delivery before unsubscribe, got %d", count)
	}
}

func TestBus_ObserverPanicDoesNotPropagate(t *testing.T) {
	bus := New(nil)
	delivered := false
	bus.Subscribe("**", func(e Event) { panic("boom") })
	bus.Subscribe("**", func(e Event) { delivered = true })

	bus.Publish(Event{Type: EventCreated, Path: "/a"})

	if !delivered {
		t.Error("expected second observer to still be invoked after first panicked")
	}
}

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"/v1/stream/a", "/v1/stream/a", true},
		{"/v1/stream/*", "/v1/stream/a", true},
		{"/v1/stream/*", "/v1/stream/a/b", false},
		{"/v1/stream/**", "/v1/stream/a/b/c", true},
		{"**", "/anything/at/all", true},
		{"/v1/stream/a", "/v1/stream/b", false},
	}
	for _, tt := range tests {
		if got := PatternMatch(tt.pattern, tt.path); got != tt.want {
			t.Errorf("PatternMatch(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}
