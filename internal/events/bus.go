// Package events is the in-process publish/subscribe fabric shared by the
// call components. Each component owns one Bus; subscribers are keyed by the
// Go type of the event so payloads are checked at compile time.
package events

import (
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// Bus delivers typed events to subscribers synchronously, in subscription order
type Bus struct {
	mu     sync.RWMutex
	subs   map[reflect.Type][]*subscriber
	nextID uint64
	logger zerolog.Logger
}

type subscriber struct {
	id uint64
	fn func(any)
}

// Subscription is returned by Subscribe and removes the handler on Off
type Subscription struct {
	bus  *Bus
	typ  reflect.Type
	id   uint64
	once sync.Once
}

// New creates a new Bus. Panicking subscribers are reported on logger.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[reflect.Type][]*subscriber),
		logger: logger,
	}
}

// Subscribe registers fn for every published event of type E
func Subscribe[E any](b *Bus, fn func(E)) *Subscription {
	typ := reflect.TypeFor[E]()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[typ] = append(b.subs[typ], &subscriber{
		id: id,
		fn: func(v any) { fn(v.(E)) },
	})
	b.mu.Unlock()

	return &Subscription{bus: b, typ: typ, id: id}
}

// Off removes the subscription. Safe to call more than once.
func (s *Subscription) Off() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()

		list := b.subs[s.typ]
		for i, sub := range list {
			if sub.id == s.id {
				// copy so an in-flight Publish keeps its snapshot intact
				next := make([]*subscriber, 0, len(list)-1)
				next = append(next, list[:i]...)
				next = append(next, list[i+1:]...)
				if len(next) == 0 {
					delete(b.subs, s.typ)
				} else {
					b.subs[s.typ] = next
				}
				return
			}
		}
	})
}

// Publish delivers e to all current subscribers of type E.
// A panic in one subscriber is logged and does not stop delivery to the rest.
func Publish[E any](b *Bus, e E) {
	typ := reflect.TypeFor[E]()

	b.mu.RLock()
	list := b.subs[typ]
	b.mu.RUnlock()

	for _, sub := range list {
		b.deliver(typ, sub, e)
	}
}

func (b *Bus) deliver(typ reflect.Type, sub *subscriber, e any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("event", typ.String()).
				Uint64("subscriber", sub.id).
				Msg("event subscriber panicked")
		}
	}()
	sub.fn(e)
}

// Len returns the number of subscribers for events of type E
func Len[E any](b *Bus) int {
	typ := reflect.TypeFor[E]()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[typ])
}
