// Package middleware provides the per-query handler chain: each incoming
// query walks the registered handlers in order until one of them answers.
package middleware

import (
	"context"
	"errors"
	"sync"

	"github.com/semihalev/zlog/v2"

	"github.com/gravitydns/gravity/config"
)

// Handler is one chain element.
type Handler interface {
	Name() string
	ServeDNS(context.Context, *Chain)
}

type middleware struct {
	mu sync.RWMutex

	cfg      *config.Config
	handlers []handler
}

type handler struct {
	name string
	new  func(*config.Config) Handler
}

var m middleware
var chainHandlers []Handler
var alreadySetup bool

// Register adds a middleware constructor under name. Registration order is
// chain order.
func Register(name string, new func(*config.Config) Handler) {
	zlog.Debug("Register middleware", "name", name)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler{name: name, new: new})
}

// Setup constructs every registered handler with cfg.
func Setup(cfg *config.Config) error {
	if alreadySetup {
		return errors.New("setup already done")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg = cfg
	for _, handler := range m.handlers {
		chainHandlers = append(chainHandlers, handler.new(cfg))
	}

	alreadySetup = true

	return nil
}

// Handlers returns the constructed handlers in chain order.
func Handlers() []Handler {
	return chainHandlers
}

// List returns the names of registered handlers.
func List() (list []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, handler := range m.handlers {
		list = append(list, handler.name)
	}

	return list
}

// Get returns a constructed handler by name.
func Get(name string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, handler := range m.handlers {
		if handler.name == name {
			if len(chainHandlers) <= i {
				return nil
			}
			return chainHandlers[i]
		}
	}

	return nil
}

// Clear drops all registrations. Testing only.
func Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers = nil
	chainHandlers = nil
	alreadySetup = false
}
