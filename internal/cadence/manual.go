package cadence

import (
	"sync"
	"time"
)

// Manual is a Pacer that ticks only when Tick is called. Tests use it to
// step the sender and receiver deterministically.
type Manual struct {
	mu      sync.Mutex
	onTick  func()
	fps     FPS
	now     time.Duration
	started int
}

// NewManual returns a stopped manual pacer whose clock starts at start
func NewManual(start time.Duration) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Start(fps FPS, onTick func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.onTick != nil || fps == 0 || onTick == nil {
		return false
	}
	m.onTick = onTick
	m.fps = fps
	m.started++
	return true
}

func (m *Manual) Stop() {
	m.mu.Lock()
	m.onTick = nil
	m.mu.Unlock()
}

func (m *Manual) Timestamp() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Tick advances the clock by one interval and runs the callback on the
// calling goroutine. It reports whether the pacer was running.
func (m *Manual) Tick() bool {
	m.mu.Lock()
	onTick := m.onTick
	if onTick != nil {
		m.now += m.fps.Interval()
	}
	m.mu.Unlock()

	if onTick == nil {
		return false
	}
	onTick()
	return true
}

// FPS returns the rate passed to the last Start
func (m *Manual) FPS() FPS {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fps
}

// Starts counts successful Start calls
func (m *Manual) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}
