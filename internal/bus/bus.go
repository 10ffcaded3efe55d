// Package bus provides a typed publish/subscribe event bus. Event types
// are registered with a JSON Schema that payloads are validated against
// on publish.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Definition pairs an event type with its compiled payload schema.
type Definition struct {
	Type   string
	schema *jsonschema.Schema
}

// Define registers an event type with a JSON Schema for its properties.
// A malformed schema is a programmer error and panics.
func Define(eventType, schema string) Definition {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(eventType+".json", strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("bus: bad schema for %s: %v", eventType, err))
	}
	compiled, err := compiler.Compile(eventType + ".json")
	if err != nil {
		panic(fmt.Sprintf("bus: bad schema for %s: %v", eventType, err))
	}
	return Definition{Type: eventType, schema: compiled}
}

// Event is a published occurrence: a type plus its properties document.
type Event struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// Handler receives events. The bus awaits each handler before moving to
// the next, so Publish returns only after every subscriber ran.
type Handler func(ctx context.Context, event Event)

type subscriber struct {
	id      int
	handler Handler
	once    bool
	// fired marks a once subscriber as claimed; set under the bus lock
	// so two racing publishes cannot both dispatch it.
	fired bool
}

// Bus dispatches events to subscribers in registration order. Handler
// panics are logged and never fail the publisher.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	subs     map[string][]*subscriber
	wildcard []*subscriber
	logger   *slog.Logger
}

// New creates a bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[string][]*subscriber),
		logger: logger.With("component", "bus"),
	}
}

// Publish validates props against the definition's schema and dispatches
// the event to subscribers of the type, then to wildcard subscribers.
// A payload that fails validation is a programmer error.
func (b *Bus) Publish(ctx context.Context, def Definition, props any) error {
	data, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("bus: marshal %s: %w", def.Type, err)
	}
	if def.schema != nil {
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("bus: decode %s: %w", def.Type, err)
		}
		if err := def.schema.Validate(doc); err != nil {
			return fmt.Errorf("bus: invalid payload for %s: %w", def.Type, err)
		}
	}

	event := Event{Type: def.Type, Properties: data}

	b.mu.Lock()
	typed := b.subs[def.Type]
	targets := make([]*subscriber, 0, len(typed)+len(b.wildcard))
	pruned := false
	for _, sub := range typed {
		if sub.once {
			if sub.fired {
				continue
			}
			sub.fired = true
			pruned = true
		}
		targets = append(targets, sub)
	}
	if pruned {
		kept := make([]*subscriber, 0, len(typed))
		for _, sub := range typed {
			if !sub.fired {
				kept = append(kept, sub)
			}
		}
		b.subs[def.Type] = kept
	}
	targets = append(targets, b.wildcard...)
	b.mu.Unlock()

	for _, sub := range targets {
		b.dispatch(ctx, sub, event)
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, sub *subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", "event", event.Type, "panic", r)
		}
	}()
	sub.handler(ctx, event)
}

// Subscribe registers a handler for one event type and returns an
// idempotent unsubscribe function.
func (b *Bus) Subscribe(def Definition, handler Handler) func() {
	return b.add(def.Type, handler, false)
}

// Once registers a handler that fires for at most one event.
func (b *Bus) Once(def Definition, handler Handler) func() {
	return b.add(def.Type, handler, true)
}

// SubscribeAll registers a handler for every event type. It only sees
// events published after the subscription; there is no replay.
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, handler: handler}
	b.wildcard = append(b.wildcard, sub)
	id := sub.id
	return func() { b.remove("", id) }
}

func (b *Bus) add(eventType string, handler Handler, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, handler: handler, once: once}
	b.subs[eventType] = append(b.subs[eventType], sub)
	id := sub.id
	return func() { b.remove(eventType, id) }
}

func (b *Bus) remove(eventType string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if eventType == "" {
		for i, sub := range b.wildcard {
			if sub.id == id {
				b.wildcard = append(b.wildcard[:i], b.wildcard[i+1:]...)
				return
			}
		}
		return
	}
	list := b.subs[eventType]
	for i, sub := range list {
		if sub.id == id {
			b.subs[eventType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Reset drops every subscription. Used on runtime shutdown and between
// tests.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscriber)
	b.wildcard = nil
}

type ctxKey struct{}

// WithBus binds a bus into the context so request-scoped code publishes
// to its own runtime instead of a process-global instance.
func WithBus(ctx context.Context, b *Bus) context.Context {
	return context.WithValue(ctx, ctxKey{}, b)
}

// FromContext returns the bus bound to ctx, or nil.
func FromContext(ctx context.Context) *Bus {
	b, _ := ctx.Value(ctxKey{}).(*Bus)
	return b
}
