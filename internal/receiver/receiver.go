// Package receiver reads frames from the shared frame buffer on the host
// side and hands them to the media pipeline.
package receiver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"screenrelay/internal/cadence"
	"screenrelay/internal/codec"
	"screenrelay/internal/metrics"
	"screenrelay/internal/shm"
	"screenrelay/pkg/models"
)

// DefaultCapacity is the shared buffer size: room for a 1080p BGRA frame
const DefaultCapacity = 10 * 1024 * 1024

// Sink consumes decoded frames. It owns one reference to each frame and
// must Release it. OnFrame runs on the receiver goroutine and must not call
// Receiver.Stop synchronously.
type Sink interface {
	OnFrame(frame *models.VideoFrame)
}

// SinkFunc adapts a function to Sink
type SinkFunc func(frame *models.VideoFrame)

func (f SinkFunc) OnFrame(frame *models.VideoFrame) { f(frame) }

// State is the receiver lifecycle state
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config configures a Receiver
type Config struct {
	Path     string
	Capacity int           // defaults to DefaultCapacity
	Pacer    cadence.Pacer // defaults to a monotonic cadence.Ticker
	Sink     Sink
	Limits   codec.Limits
	PoolSize int
	Metrics  *metrics.Metrics
}

// Receiver owns the host side of the shared frame buffer. It creates the
// buffer on Start and destroys it on Stop.
type Receiver struct {
	path     string
	capacity int
	pacer    cadence.Pacer
	sink     Sink
	limits   codec.Limits
	pool     *Pool
	metrics  *metrics.Metrics
	warn     *rate.Limiter

	mu    sync.Mutex
	state atomic.Int32
	buf   *shm.Buffer
	ticks chan struct{}
	quit  chan struct{}
	done  chan struct{}

	tickCount  atomic.Uint64
	delivered  atomic.Uint64
	invalid    atomic.Uint64
	duplicates atomic.Uint64

	lastMu sync.Mutex
	last   models.FrameHeader
}

// New creates an idle receiver
func New(cfg Config) *Receiver {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = cadence.NewTicker(nil)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = SinkFunc(func(f *models.VideoFrame) { f.Release() })
	}
	return &Receiver{
		path:     cfg.Path,
		capacity: capacity,
		pacer:    pacer,
		sink:     sink,
		limits:   cfg.Limits,
		pool:     NewPool(cfg.PoolSize),
		metrics:  cfg.Metrics,
		warn:     rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// State returns the current lifecycle state
func (r *Receiver) State() State {
	return State(r.state.Load())
}

// Path returns the shared buffer path
func (r *Receiver) Path() string {
	return r.path
}

// Start creates the shared buffer and begins reading at fps. It returns
// (false, nil) if already running.
func (r *Receiver) Start(fps cadence.FPS) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() == StateRunning {
		return false, nil
	}

	buf, err := shm.Create(r.path, r.capacity)
	if err != nil {
		return false, fmt.Errorf("failed to start receiver: %w", err)
	}

	r.buf = buf
	r.ticks = make(chan struct{}, 1)
	r.quit = make(chan struct{})
	r.done = make(chan struct{})

	go r.run(buf, r.ticks, r.quit, r.done)

	ticks := r.ticks
	onTick := func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}
	if !r.pacer.Start(fps, onTick) {
		close(r.quit)
		<-r.done
		r.buf = nil
		if err := buf.Destroy(); err != nil {
			log.Printf("Failed to destroy frame buffer: %v", err)
		}
		return false, fmt.Errorf("failed to start receiver cadence at %d fps", fps)
	}

	r.state.Store(int32(StateRunning))
	log.WithFields(log.Fields{"path": r.path, "fps": fps, "capacity": r.capacity}).Info("Frame receiver started")
	return true, nil
}

// Stop stops reading, waits for an in-flight tick and destroys the buffer.
// Safe to call more than once.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	if r.State() != StateRunning {
		r.mu.Unlock()
		return nil
	}
	r.state.Store(int32(StateStopped))
	r.pacer.Stop()
	close(r.quit)
	done, buf := r.done, r.buf
	r.buf = nil
	r.mu.Unlock()

	<-done
	if err := buf.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy frame buffer: %w", err)
	}

	log.WithField("path", r.path).Info("Frame receiver stopped")
	return nil
}

// Stats returns a snapshot of the receiver counters
func (r *Receiver) Stats() models.ReceiverStats {
	stats := models.ReceiverStats{
		Ticks:      r.tickCount.Load(),
		Delivered:  r.delivered.Load(),
		Invalid:    r.invalid.Load(),
		Duplicates: r.duplicates.Load(),
	}

	r.lastMu.Lock()
	if r.last.Width > 0 {
		stats.Width = r.last.Width
		stats.Height = r.last.Height
		stats.Format = r.last.PixelFormat.String()
	}
	r.lastMu.Unlock()
	return stats
}

type session struct {
	started      bool
	firstDisplay uint64
	lastDisplay  uint64
}

// run owns buf for one start/stop cycle
func (r *Receiver) run(buf *shm.Buffer, ticks <-chan struct{}, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var s session
	for {
		select {
		case <-quit:
			return
		case <-ticks:
			r.read(buf, &s)
		}
	}
}

func (r *Receiver) read(buf *shm.Buffer, s *session) {
	r.tickCount.Add(1)
	r.metrics.RecordReceiverTick()

	hdr, body, err := codec.ReadFrame(buf.Read(), r.limits)
	if err != nil {
		r.invalid.Add(1)
		r.metrics.RecordInvalidHeader()
		// A zeroed buffer is expected until the sender writes its first frame.
		if s.started && r.warn.Allow() {
			log.WithField("path", r.path).Warnf("Skipping frame: %v", err)
		}
		return
	}

	if s.started && hdr.DisplayTimeNs == s.lastDisplay {
		r.duplicates.Add(1)
		r.metrics.RecordDuplicateTick()
		return
	}

	if !s.started {
		s.started = true
		s.firstDisplay = hdr.DisplayTimeNs
	}
	s.lastDisplay = hdr.DisplayTimeNs

	frame := r.pool.Get(hdr)
	copy(frame.Data, body)
	frame.Header = hdr
	frame.ElapsedNs = 0
	if hdr.DisplayTimeNs > s.firstDisplay {
		frame.ElapsedNs = hdr.DisplayTimeNs - s.firstDisplay
	}

	r.lastMu.Lock()
	r.last = hdr
	r.lastMu.Unlock()

	r.delivered.Add(1)
	r.metrics.RecordFrameDelivered()
	r.sink.OnFrame(frame)
}
