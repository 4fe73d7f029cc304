// Package signalbus delivers argument-free, named signals between the
// extension and host processes. Signals are fire-and-forget: nothing is
// queued or replayed for buses that are not listening yet.
package signalbus

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Signal is the name of a cross-process notification
type Signal string

const prefix = "screenrelay."

const (
	SenderReady        Signal = prefix + "sender.ready"
	SenderPaused       Signal = prefix + "sender.paused"
	SenderResumed      Signal = prefix + "sender.resumed"
	SenderFinished     Signal = prefix + "sender.finished"
	ReceiverReady      Signal = prefix + "receiver.ready"
	ReceiverFinished   Signal = prefix + "receiver.finished"
	CallEnded          Signal = prefix + "call.ended"
	PresentationStolen Signal = prefix + "presentation.stolen"
)

// Valid reports whether s carries the application prefix
func (s Signal) Valid() bool {
	return strings.HasPrefix(string(s), prefix) && len(s) > len(prefix)
}

// Handler is invoked when a registered signal arrives
type Handler func()

// Transport moves signal names between buses
type Transport interface {
	// Publish delivers name to every listening bus, including this one
	Publish(name Signal) error
	// Listen starts delivering received names to deliver
	Listen(deliver func(Signal)) error
	// Close stops listening and releases the endpoint
	Close() error
}

type registration struct {
	owner   any
	name    Signal
	handler Handler
}

// Bus maps (owner, signal) pairs to handlers.
//
// Owners are compared with ==, so they must be comparable (normally a
// pointer). Register rejects nil and non-comparable owners. The bus keeps
// its handlers alive until the owner unregisters.
type Bus struct {
	transport Transport

	mu        sync.Mutex
	regs      []registration
	listening bool
	closed    bool
}

// New creates a bus on top of transport
func New(transport Transport) *Bus {
	return &Bus{transport: transport}
}

// Register installs h for (owner, name), replacing an earlier handler for
// the same pair. The first registration starts listening on the transport.
func (b *Bus) Register(owner any, name Signal, h Handler) error {
	if !name.Valid() {
		return fmt.Errorf("signalbus: invalid signal name %q", name)
	}
	if h == nil {
		return fmt.Errorf("signalbus: nil handler for %s", name)
	}
	if !comparableOwner(owner) {
		return fmt.Errorf("signalbus: owner %T is not comparable", owner)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("signalbus: bus closed")
	}

	if !b.listening {
		if err := b.transport.Listen(b.dispatch); err != nil {
			return fmt.Errorf("failed to listen for signals: %w", err)
		}
		b.listening = true
	}

	for i, r := range b.regs {
		if r.owner == owner && r.name == name {
			b.regs[i].handler = h
			return nil
		}
	}
	b.regs = append(b.regs, registration{owner: owner, name: name, handler: h})

	log.WithField("signal", name).Debug("Registered signal handler")
	return nil
}

// Unregister removes owner's handlers for names, or all of owner's handlers
// when no names are given
func (b *Bus) Unregister(owner any, names ...Signal) {
	if !comparableOwner(owner) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.regs[:0]
	for _, r := range b.regs {
		if r.owner == owner && (len(names) == 0 || containsSignal(names, r.name)) {
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(b.regs); i++ {
		b.regs[i] = registration{}
	}
	b.regs = kept
}

// Post publishes name to every listening bus
func (b *Bus) Post(name Signal) error {
	if !name.Valid() {
		return fmt.Errorf("signalbus: invalid signal name %q", name)
	}

	log.WithField("signal", name).Debug("Posting signal")

	if err := b.transport.Publish(name); err != nil {
		return fmt.Errorf("failed to post %s: %w", name, err)
	}
	return nil
}

// Registered reports whether owner has a handler for name
func (b *Bus) Registered(owner any, name Signal) bool {
	if !comparableOwner(owner) {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range b.regs {
		if r.owner == owner && r.name == name {
			return true
		}
	}
	return false
}

// Close drops all registrations and closes the transport
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.regs = nil
	b.mu.Unlock()

	return b.transport.Close()
}

// dispatch runs the handlers for name without holding the lock so handlers
// may register, unregister and post.
func (b *Bus) dispatch(name Signal) {
	b.mu.Lock()
	var handlers []Handler
	for _, r := range b.regs {
		if r.name == name {
			handlers = append(handlers, r.handler)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

// comparableOwner reports whether owner can be used as a registration key
// without == panicking
func comparableOwner(owner any) bool {
	if owner == nil {
		return false
	}
	t := reflect.TypeOf(owner)
	if !t.Comparable() {
		return false
	}
	// Structs and arrays can be comparable as types yet hold interface
	// fields with non-comparable dynamic values.
	switch t.Kind() {
	case reflect.Struct, reflect.Array:
		return reflect.ValueOf(owner).Comparable()
	}
	return true
}

func containsSignal(names []Signal, name Signal) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
