package router

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quantfabric/fixgate/internal/orders"
)

var (
	// ErrNoRoute means no venue serves the symbol and no default is set.
	ErrNoRoute = errors.New("router: no route for symbol")
	// ErrUnknownSession means a session id has not been registered.
	ErrUnknownSession = errors.New("router: unknown session")
)

// StaticRouter maps symbols to venue sessions from configuration. Routes are
// fixed at startup; sessions register and deregister as they connect and drop.
type StaticRouter struct {
	logger *zap.Logger

	mu       sync.RWMutex
	routes   map[string]string // symbol -> session id
	fallback string            // default session id, "" for none
	sessions map[string]orders.Sender
}

// NewStaticRouter builds a router from a symbol->session table and an optional
// default session for unmapped symbols.
func NewStaticRouter(routes map[string]string, fallback string, logger *zap.Logger) *StaticRouter {
	r := &StaticRouter{
		logger:   logger,
		routes:   make(map[string]string, len(routes)),
		fallback: fallback,
		sessions: make(map[string]orders.Sender),
	}
	for sym, id := range routes {
		r.routes[sym] = id
	}
	return r
}

// Register makes a connected session available for routing.
func (r *StaticRouter) Register(s orders.Sender) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
	r.logger.Info("session registered for routing", zap.String("session", s.ID()))
}

// Deregister removes a session, typically on disconnect. Routing to it fails
// until it registers again.
func (r *StaticRouter) Deregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	r.logger.Info("session removed from routing", zap.String("session", id))
}

// Route resolves the session for a symbol. Implements orders.Router.
func (r *StaticRouter) Route(symbol string) (orders.Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.routes[symbol]
	if !ok {
		id = r.fallback
	}
	if id == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, symbol)
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s (symbol %s)", ErrUnknownSession, id, symbol)
	}
	return s, nil
}

// Session resolves a session by id, for cancel/replace traffic that must
// follow the order's original venue.
func (r *StaticRouter) Session(id string) (orders.Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}
