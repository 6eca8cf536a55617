package routing

import (
	"log/slog"
	"sort"
	"sync"
)

// Router resolves (exchange, routing key) pairs into target queue names
type Router struct {
	mu        sync.RWMutex
	exchanges map[string]Exchange
	bindings  *BindingTable
	logger    *slog.Logger
}

// RouterOption configures the Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates a router with no exchanges
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		exchanges: make(map[string]Exchange),
		bindings:  NewBindingTable(),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// DeclareExchange registers an exchange. Declaring an identical exchange
// again succeeds; a different kind for an existing name fails.
func (r *Router) DeclareExchange(ex Exchange) error {
	if err := ex.Validate(); err != nil {
		return &ExchangeError{Exchange: ex.Name, Op: "declare", Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.exchanges[ex.Name]; ok {
		if existing.Kind != ex.Kind {
			return &ExchangeError{Exchange: ex.Name, Op: "declare", Err: ErrExchangeKindMismatch}
		}
		return nil
	}

	r.exchanges[ex.Name] = ex
	r.logger.Debug("declared exchange", "exchange", ex.Name, "kind", ex.Kind, "durable", ex.Durable)
	return nil
}

// Exchange returns a declared exchange
func (r *Router) Exchange(name string) (Exchange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.exchanges[name]
	return ex, ok
}

// Exchanges returns all declared exchanges sorted by name
func (r *Router) Exchanges() []Exchange {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Exchange, 0, len(r.exchanges))
	for _, ex := range r.exchanges {
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Bind links queue to a declared exchange
func (r *Router) Bind(exchange, queue, pattern string) error {
	if _, ok := r.Exchange(exchange); !ok {
		return &ExchangeError{Exchange: exchange, Op: "bind", Err: ErrUnknownExchange}
	}
	if r.bindings.Bind(exchange, queue, pattern) {
		r.logger.Debug("bound queue", "exchange", exchange, "queue", queue, "pattern", pattern)
	}
	return nil
}

// Unbind removes a binding. Removing a missing binding is not an error.
func (r *Router) Unbind(exchange, queue, pattern string) error {
	if _, ok := r.Exchange(exchange); !ok {
		return &ExchangeError{Exchange: exchange, Op: "unbind", Err: ErrUnknownExchange}
	}
	if r.bindings.Unbind(exchange, queue, pattern) {
		r.logger.Debug("unbound queue", "exchange", exchange, "queue", queue, "pattern", pattern)
	}
	return nil
}

// Bindings returns the bindings of an exchange in bind order
func (r *Router) Bindings(exchange string) []Binding {
	return r.bindings.Bindings(exchange)
}

// Route returns the queues bound to exchange that accept routingKey.
// An empty result means the message is unroutable.
func (r *Router) Route(exchange, routingKey string) ([]string, error) {
	ex, ok := r.Exchange(exchange)
	if !ok {
		return nil, &ExchangeError{Exchange: exchange, Op: "route", Err: ErrUnknownExchange}
	}
	return r.bindings.Lookup(ex, routingKey), nil
}
