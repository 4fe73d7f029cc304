// Package liveness lets the extension detect that the host process has
// gone away. The host refreshes a keep-alive timestamp in the shared
// defaults; the extension treats a missing or old timestamp as a dead host.
package liveness

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"screenrelay/internal/metrics"
)

// Store persists the keep-alive record. storage.SharedDefaults implements it.
type Store interface {
	SetKeepAlive(at time.Time) error
	KeepAlive() (time.Time, bool, error)
	ClearKeepAlive() error
}

// Policy sets the heartbeat period and how many periods may be missed
type Policy struct {
	Interval   time.Duration
	Multiplier int
}

// DefaultPolicy: a heartbeat per second, stale after five seconds
var DefaultPolicy = Policy{Interval: time.Second, Multiplier: 5}

// Timeout is how old a heartbeat may be before the host counts as dead
func (p Policy) Timeout() time.Duration {
	return p.Interval * time.Duration(p.Multiplier)
}

// IsStale reports whether a heartbeat at last (ok == false if absent)
// counts as dead at now
func IsStale(last time.Time, ok bool, now time.Time, policy Policy) bool {
	if !ok {
		return true
	}
	return now.Sub(last) > policy.Timeout()
}

// Heartbeat periodically writes the current time (host side)
type Heartbeat struct {
	store    Store
	interval time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewHeartbeat creates a stopped heartbeat writing every interval
func NewHeartbeat(store Store, interval time.Duration, m *metrics.Metrics) *Heartbeat {
	if interval <= 0 {
		interval = DefaultPolicy.Interval
	}
	return &Heartbeat{
		store:    store,
		interval: interval,
		now:      time.Now,
		metrics:  m,
	}
}

// Start writes a heartbeat immediately and then every interval. Calling
// Start while running does nothing.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stop != nil {
		return
	}
	h.beat()

	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.run(h.stop, h.done)
}

// Running reports whether the heartbeat is active
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

func (h *Heartbeat) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	if err := h.store.SetKeepAlive(h.now()); err != nil {
		log.Printf("Failed to write heartbeat: %v", err)
		return
	}
	h.metrics.RecordHeartbeat()
}

// Stop stops writing and clears the record
func (h *Heartbeat) Stop() error {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return h.store.ClearKeepAlive()
}

// Monitor watches the heartbeat from the extension side
type Monitor struct {
	store   Store
	policy  Policy
	onDead  func()
	now     func() time.Time
	metrics *metrics.Metrics

	mu   sync.Mutex
	stop chan struct{}
	once sync.Once
}

// NewMonitor creates a stopped monitor calling onDead at most once
func NewMonitor(store Store, policy Policy, onDead func(), m *metrics.Metrics) *Monitor {
	if policy.Interval <= 0 {
		policy.Interval = DefaultPolicy.Interval
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = DefaultPolicy.Multiplier
	}
	return &Monitor{
		store:   store,
		policy:  policy,
		onDead:  onDead,
		now:     time.Now,
		metrics: m,
	}
}

// Alive checks the heartbeat once. A store error counts as dead.
func (m *Monitor) Alive() bool {
	last, ok, err := m.store.KeepAlive()
	if err != nil {
		log.Printf("Failed to read heartbeat: %v", err)
		return false
	}
	return !IsStale(last, ok, m.now(), m.policy)
}

// Start polls every interval until the host is found dead or Stop is called
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	go m.run(m.stop)
}

func (m *Monitor) run(stop <-chan struct{}) {
	ticker := time.NewTicker(m.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.Alive() {
				continue
			}
			m.metrics.RecordLivenessFailure()
			log.WithField("timeout", m.policy.Timeout()).Warn("Host heartbeat is stale")
			m.Stop()
			if m.onDead != nil {
				m.once.Do(m.onDead)
			}
			return
		}
	}
}

// Stop is idempotent
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}
