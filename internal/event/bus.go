package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Handler receives every published event. A Handler must not call Publish
// on the bus that invoked it.
type Handler func(ctx context.Context, e Event) error

// Source is anything that accepts an any-event subscription.
type Source interface {
	// OnAny registers h for every event and returns a function that removes it.
	OnAny(h Handler) (unsubscribe func())
}

// Publisher accepts events from a producer.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus is a synchronous, ordered event dispatcher. Publish invokes every
// handler in registration order and waits for each one before returning,
// so slow handlers apply backpressure to the producer. Publish calls are
// serialized: one event is dispatched at a time.
type Bus struct {
	dispatchMu sync.Mutex

	mu       sync.RWMutex
	handlers []subscription
	nextID   uint64
	seq      uint64
}

type subscription struct {
	id uint64
	h  Handler
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// OnAny registers h and returns its unsubscribe function. Unsubscribing is
// idempotent and takes effect for the next published event.
func (b *Bus) OnAny(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers = append(b.handlers, subscription{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.handlers {
		if s.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return
		}
	}
}

// HandlerCount returns the number of registered handlers.
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Publish assigns the next sequence number to e and dispatches it.
//
// Postcondition: Every handler registered at dispatch time has returned.
// Handler errors and recovered panics are joined into the returned error.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	handlers := make([]subscription, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	var errs []error
	for _, s := range handlers {
		if err := invoke(ctx, s.h, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func invoke(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s #%d: %v", e.Type, e.Seq, r)
		}
	}()
	return h(ctx, e)
}
