package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type Handler func(ctx context.Context, ev Event) error

// Router dispatches events to the handlers registered for their type.
type Router struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[Type][]Handler)}
}

// On registers h for each of types.
func (r *Router) On(h Handler, types ...Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.handlers[t] = append(r.handlers[t], h)
	}
}

// Handle runs every handler for ev.Type. A failing handler does not stop
// the others; their errors are joined.
func (r *Router) Handle(ctx context.Context, ev Event) error {
	r.mu.RLock()
	hs := r.handlers[ev.Type]
	r.mu.RUnlock()
	var errs []error
	for _, h := range hs {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s handler: %w", ev.Type, err))
		}
	}
	return errors.Join(errs...)
}
