// Package bus delivers committed-write notifications to in-process
// subscribers, decoupled from storage mechanics.
package bus

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/warren-db/warren/internal/record"
)

// TypeAll subscribes a handler to every record type. Used by taps that
// observe the whole write stream (the cross-process replicator).
const TypeAll = "*"

// Origin tells a subscriber whether a write originated in this process
// or arrived through replication. Replicated writes are otherwise
// indistinguishable from local ones.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Event describes one committed write.
type Event struct {
	Operation record.Operation
	Record    record.Record
	Origin    Origin
}

// Handler consumes one event. Failures are isolated per handler: an
// error (or panic) in one handler never prevents delivery to the rest
// and never aborts the write that fired the event.
type Handler func(Event) error

// Bus is an in-process pub/sub fan-out over committed writes.
//
// No ordering guarantee is made between handlers of the same type, and
// there is no replay: a handler registered after an event fires never
// sees it. Construct with New and inject; there is no package-level bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uintptr]Handler
	logger   *slog.Logger
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[string]map[uintptr]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a record type. Handlers are keyed by
// function identity, so registering the same handler reference twice is
// a no-op duplicate.
func (b *Bus) Subscribe(typ string, h Handler) {
	if h == nil {
		return
	}
	key := reflect.ValueOf(h).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.handlers[typ]
	if !ok {
		set = make(map[uintptr]Handler)
		b.handlers[typ] = set
	}
	set[key] = h
}

// Unsubscribe removes a previously registered handler. Unknown handlers
// are ignored.
func (b *Bus) Unsubscribe(typ string, h Handler) {
	if h == nil {
		return
	}
	key := reflect.ValueOf(h).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.handlers[typ]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(b.handlers, typ)
	}
}

// SubscriberCount returns the number of handlers registered for a type.
func (b *Bus) SubscriberCount(typ string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[typ])
}

// Broadcast invokes all handlers for the event's type (plus TypeAll
// taps) concurrently and waits for them to finish. Each handler's
// failure is caught and logged individually. Returns the number of
// failed handlers.
func (b *Bus) Broadcast(e Event) int {
	b.mu.RLock()
	targets := make([]Handler, 0, 4)
	for _, h := range b.handlers[e.Record.Type] {
		targets = append(targets, h)
	}
	for _, h := range b.handlers[TypeAll] {
		targets = append(targets, h)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, h := range targets {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			errs[i] = b.invoke(h, e)
		}(i, h)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			b.logger.Error("event handler failed",
				"type", e.Record.Type,
				"operation", string(e.Operation),
				"record_id", e.Record.ID,
				"error", err,
			)
		}
	}
	return failures
}

// invoke runs one handler, converting a panic into an error so it stays
// inside the handler's own result slot.
func (b *Bus) invoke(h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(e)
}
