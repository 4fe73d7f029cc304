// Package cadence drives the fixed-rate ticks that pace both ends of the
// frame transport.
package cadence

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// FPS is a frame rate in frames per second
type FPS uint

// Interval returns the tick period for fps, or 0 for fps == 0
func (f FPS) Interval() time.Duration {
	if f == 0 {
		return 0
	}
	return time.Second / time.Duration(f)
}

// Policy bounds the frame rates a session may run at
type Policy struct {
	Min     FPS
	Max     FPS
	Default FPS
}

// DefaultPolicy is 15..30 fps, 15 when unspecified
var DefaultPolicy = Policy{Min: 15, Max: 30, Default: 15}

// Clamp maps a requested rate into the policy range. Zero selects Default.
func (p Policy) Clamp(fps FPS) FPS {
	switch {
	case fps == 0:
		return p.Default
	case fps < p.Min:
		return p.Min
	case p.Max > 0 && fps > p.Max:
		return p.Max
	default:
		return fps
	}
}

// Clock returns a monotonic timestamp
type Clock func() time.Duration

// MonotonicClock reads CLOCK_MONOTONIC, which is shared by every process on
// the host, so timestamps taken on both sides of the transport compare.
func MonotonicClock() time.Duration {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return time.Duration(ts.Nano())
}

// Pacer is what the sender and receiver need from a ticker
type Pacer interface {
	// Start begins ticking at fps. Returns false if already running.
	Start(fps FPS, onTick func()) bool
	// Stop stops ticking. It does not wait for a tick in progress.
	Stop()
	// Timestamp is the clock value at the most recent tick
	Timestamp() time.Duration
}

// Ticker is a Pacer backed by a goroutine and time.Ticker
type Ticker struct {
	clock Clock
	last  atomic.Int64

	mu   sync.Mutex
	stop chan struct{}
}

// NewTicker creates a ticker reading timestamps from clock (MonotonicClock if nil)
func NewTicker(clock Clock) *Ticker {
	if clock == nil {
		clock = MonotonicClock
	}
	return &Ticker{clock: clock}
}

// Start fires onTick immediately and then once per interval
func (t *Ticker) Start(fps FPS, onTick func()) bool {
	interval := fps.Interval()
	if interval <= 0 || onTick == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		return false
	}
	t.stop = make(chan struct{})

	go t.run(t.stop, interval, onTick)
	return true
}

func (t *Ticker) run(stop <-chan struct{}, interval time.Duration, onTick func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.fire(onTick)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			t.fire(onTick)
		}
	}
}

func (t *Ticker) fire(onTick func()) {
	t.last.Store(int64(t.clock()))
	onTick()
}

// Stop is idempotent
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop == nil {
		return
	}
	close(t.stop)
	t.stop = nil
}

// Running reports whether the ticker has been started and not stopped
func (t *Ticker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

// Timestamp returns the clock value at the last tick, 0 before the first
func (t *Ticker) Timestamp() time.Duration {
	return time.Duration(t.last.Load())
}
