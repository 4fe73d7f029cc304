package signalbus

import "sync"

// Loopback connects buses inside one process. Each Transport it hands out
// behaves like a separate process attached to the same notification
// center; delivery is synchronous on the posting goroutine.
type Loopback struct {
	mu    sync.Mutex
	ports []*loopbackPort
}

// NewLoopback creates an empty hub
func NewLoopback() *Loopback {
	return &Loopback{}
}

// Transport returns a new endpoint attached to the hub
func (l *Loopback) Transport() Transport {
	return &loopbackPort{hub: l}
}

func (l *Loopback) publish(name Signal) {
	l.mu.Lock()
	targets := make([]func(Signal), 0, len(l.ports))
	for _, p := range l.ports {
		targets = append(targets, p.deliver)
	}
	l.mu.Unlock()

	for _, deliver := range targets {
		deliver(name)
	}
}

func (l *Loopback) attach(p *loopbackPort) {
	l.mu.Lock()
	l.ports = append(l.ports, p)
	l.mu.Unlock()
}

func (l *Loopback) detach(p *loopbackPort) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, port := range l.ports {
		if port == p {
			l.ports = append(l.ports[:i], l.ports[i+1:]...)
			return
		}
	}
}

type loopbackPort struct {
	hub     *Loopback
	deliver func(Signal)
}

func (p *loopbackPort) Publish(name Signal) error {
	p.hub.publish(name)
	return nil
}

func (p *loopbackPort) Listen(deliver func(Signal)) error {
	p.deliver = deliver
	p.hub.attach(p)
	return nil
}

func (p *loopbackPort) Close() error {
	p.hub.detach(p)
	return nil
}
