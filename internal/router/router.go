// Package router dispatches inbound messages to handlers registered by MQTT
// topic filter.
package router

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"mqtt-aio/internal/engine"
	"mqtt-aio/internal/logger"
)

var (
	ErrInvalidFilter = errors.New("router: invalid topic filter")
	ErrNilHandler    = errors.New("router: nil handler")
)

// Handler processes one message. Returned errors and panics are contained
// by the router.
type Handler func(ctx context.Context, msg *engine.Message) error

type route struct {
	filter  string
	handler Handler
	seq     uint64
}

// Router holds one handler per filter. Matching handlers run in the order
// their filters were first registered.
type Router struct {
	mu      sync.RWMutex
	tree    *topicTree
	seq     uint64
	count   int
	logger  *logger.Logger
	onError func(filter string, err error)
}

// New creates an empty router
func New(log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{
		tree:   newTopicTree(),
		logger: log,
	}
}

// OnError sets a hook called for every handler failure, after logging.
func (r *Router) OnError(fn func(filter string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// Register stores handler for filter. Registering a filter again replaces
// its handler and keeps its dispatch position.
func (r *Router) Register(filter string, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if err := ValidateFilter(filter); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if existing := r.tree.insert(&route{filter: filter, handler: handler, seq: r.seq}); existing != nil {
		existing.handler = handler
		return nil
	}
	r.count++
	r.logger.Debug("registered topic handler", "filter", filter)
	return nil
}

// Remove deletes the handler for filter. It is a no-op when absent.
func (r *Router) Remove(filter string) {
	if ValidateFilter(filter) != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tree.remove(filter) != nil {
		r.count--
		r.logger.Debug("removed topic handler", "filter", filter)
	}
}

// Len returns the number of registered filters
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Match returns the filters matching topic in dispatch order
func (r *Router) Match(topic string) []string {
	routes := r.lookup(topic)
	filters := make([]string, len(routes))
	for i, rt := range routes {
		filters[i] = rt.filter
	}
	return filters
}

func (r *Router) lookup(topic string) []route {
	r.mu.RLock()
	matches := r.tree.match(topic)
	routes := make([]route, len(matches))
	for i, m := range matches {
		routes[i] = *m
	}
	r.mu.RUnlock()

	slices.SortFunc(routes, func(a, b route) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	return routes
}

// Dispatch runs every handler matching msg.Topic. A failing handler does
// not stop the others. It returns the number of handlers run and the
// number that failed.
func (r *Router) Dispatch(ctx context.Context, msg *engine.Message) (ran, failed int) {
	if msg == nil {
		return 0, 0
	}

	for _, rt := range r.lookup(msg.Topic) {
		ran++
		if err := r.invoke(ctx, rt, msg); err != nil {
			failed++
			r.logger.Error("topic handler failed",
				"filter", rt.filter,
				"topic", msg.Topic,
				"error", err)

			r.mu.RLock()
			hook := r.onError
			r.mu.RUnlock()
			if hook != nil {
				hook(rt.filter, err)
			}
		}
	}
	return ran, failed
}

func (r *Router) invoke(ctx context.Context, rt route, msg *engine.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return rt.handler(ctx, msg)
}
