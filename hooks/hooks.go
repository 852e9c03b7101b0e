// Package hooks implements the in-process lifecycle hook bus (C8): a
// best-effort fan-out of stream-created/appended/closed/deleted events to
// pattern-scoped observers, trimmed down from webhook.Manager's external
// delivery machinery to the observer-registration-and-fan-out shape the
// protocol actually calls for.
package hooks

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType identifies a stream lifecycle transition (§4.3 States and transitions).
type EventType string

const (
	EventCreated  EventType = "created"
	EventAppended EventType = "appended"
	EventClosed   EventType = "closed"
	EventDeleted  EventType = "deleted"
)

// Event is one lifecycle notification.
type Event struct {
	Type      EventType
	Path      string
	Offset    string
	Timestamp time.Time
}

// Observer receives lifecycle events matching its pattern. Implementations
// must not block; the bus calls observers synchronously per subscription
// but isolates each from the others and from the originating request.
type Observer func(Event)

type subscription struct {
	id      uint64
	pattern string
	fn      Observer
}

// Bus is the lifecycle hook bus (C8). Zero value is usable.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *zap.Logger
}

// New creates a Bus that logs observer panics/failures via logger.
func New(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers fn for events on paths matching pattern (glob syntax,
// see PatternMatch). Returns an unsubscribe function.
func (b *Bus) Subscribe(pattern string, fn Observer) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish fans out an event to every observer whose pattern matches
// event.Path. Best-effort: a panicking observer is recovered and logged,
// never propagated to the caller or to other observers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	matched := make([]Observer, 0, len(b.subs))
	for _, s := range b.subs {
		if PatternMatch(s.pattern, event.Path) {
			matched = append(matched, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range matched {
		b.dispatch(fn, event)
	}
}

func (b *Bus) dispatch(fn Observer, event Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Warn("hook observer panicked",
				zap.Any("recover", r),
				zap.String("path", event.Path),
				zap.String("event", string(event.Type)))
		}
	}()
	fn(event)
}

// PatternMatch matches a stream path against a glob pattern: "*" matches
// one path segment, "**" matches zero or more segments, adapted from
// webhook.GlobMatch's segment-splitting approach.
func PatternMatch(pattern, path string) bool {
	patternParts := splitPath(pattern)
	pathParts := splitPath(path)
	return matchParts(patternParts, 0, pathParts, 0)
}

func splitPath(p string) []string {
	p = strings.TrimLeft(p, "/")
	p = strings.TrimRight(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchParts(pattern []string, pi int, path []string, si int) bool {
	for pi < len(pattern) && si < len(path) {
		seg := pattern[pi]

		if seg == "**" {
			for i := si; i <= len(path); i++ {
				if matchParts(pattern, pi+1, path, i) {
					return true
				}
			}
			return false
		}

		if seg == "*" {
			pi++
			si++
			continue
		}

		if seg != path[si] {
			return false
		}
		pi++
		si++
	}

	for pi < len(pattern) && pattern[pi] == "**" {
		pi++
	}

	return pi == len(pattern) && si == len(path)
}
