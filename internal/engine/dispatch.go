package engine

import (
	"fmt"
	"sync"

	"world-server/internal/protocol"
)

// HandlerFunc processes one inbound event on the engine goroutine.
type HandlerFunc func(e *Engine, ev protocol.Event) error

// Dispatcher maps event kinds to handlers: exactly one handler per kind,
// registered once at wiring time.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[protocol.Kind]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[protocol.Kind]HandlerFunc)}
}

func (d *Dispatcher) Register(kind protocol.Kind, h HandlerFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[kind]; exists {
		return fmt.Errorf("handler for kind %d already registered", kind)
	}
	d.handlers[kind] = h
	return nil
}

func (d *Dispatcher) Get(kind protocol.Kind) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[kind]
	return h, ok
}
