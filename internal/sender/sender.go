// Package sender writes captured frames from the extension process into the
// shared frame buffer, at most one frame per cadence tick.
package sender

import (
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"screenrelay/internal/cadence"
	"screenrelay/internal/codec"
	"screenrelay/internal/metrics"
	"screenrelay/internal/shm"
	"screenrelay/pkg/models"
)

// State is the sender lifecycle state
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Normalizer converts a captured frame into one the codec can pack
// (rotation, pixel format conversion). It runs on the sender goroutine.
type Normalizer func(models.RawFrame) (models.RawFrame, error)

// Config configures a Sender
type Config struct {
	Path       string        // shared frame buffer created by the host
	Pacer      cadence.Pacer // defaults to a monotonic cadence.Ticker
	Normalizer Normalizer    // optional
	Metrics    *metrics.Metrics
}

// Sender owns the extension side of the shared frame buffer.
//
// Submit never blocks: a frame is accepted only if a tick has happened since
// the previous accepted frame and the sender goroutine is free. Ownership of
// the plane data passes to the sender when Submit returns true.
type Sender struct {
	path      string
	pacer     cadence.Pacer
	normalize Normalizer
	metrics   *metrics.Metrics

	mu     sync.Mutex
	state  atomic.Int32
	frames chan models.RawFrame
	quit   chan struct{}
	done   chan struct{}

	canWrite atomic.Bool

	submitted     atomic.Uint64
	accepted      atomic.Uint64
	dropped       atomic.Uint64
	written       atomic.Uint64
	writeFailures atomic.Uint64
}

// New creates an idle sender
func New(cfg Config) *Sender {
	pacer := cfg.Pacer
	if pacer == nil {
		pacer = cadence.NewTicker(nil)
	}
	return &Sender{
		path:      cfg.Path,
		pacer:     pacer,
		normalize: cfg.Normalizer,
		metrics:   cfg.Metrics,
	}
}

// State returns the current lifecycle state
func (s *Sender) State() State {
	return State(s.state.Load())
}

// Start opens the shared buffer and begins ticking at fps. It returns
// (false, nil) if the sender is already starting or running, and wraps
// models.ErrNoConnection if the buffer does not exist.
func (s *Sender) Start(fps cadence.FPS) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case StateStarting, StateRunning:
		return false, nil
	}
	s.state.Store(int32(StateStarting))

	buf, err := shm.Open(s.path)
	if err != nil {
		s.state.Store(int32(StateStopped))
		return false, fmt.Errorf("failed to start sender: %w", err)
	}

	s.frames = make(chan models.RawFrame, 1)
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	s.canWrite.Store(false)

	go s.run(buf, s.frames, s.quit, s.done)

	if !s.pacer.Start(fps, s.onTick) {
		close(s.quit)
		<-s.done
		s.state.Store(int32(StateStopped))
		return false, fmt.Errorf("failed to start sender cadence at %d fps", fps)
	}

	s.state.Store(int32(StateRunning))
	log.WithFields(log.Fields{"path": s.path, "fps": fps}).Info("Frame sender started")
	return true, nil
}

func (s *Sender) onTick() {
	s.canWrite.Store(true)
}

// Submit offers a frame for writing. It returns false when the frame was
// dropped: not running, no tick since the last accepted frame, or the
// previous frame is still being written.
func (s *Sender) Submit(raw models.RawFrame) bool {
	s.submitted.Add(1)
	s.metrics.RecordFrameSubmitted()

	// Held across the send so Stop cannot close quit between the state
	// check and the hand-off.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRunning {
		s.drop(metrics.DropNotConnected)
		return false
	}
	if !s.canWrite.CompareAndSwap(true, false) {
		s.drop(metrics.DropBackpressure)
		return false
	}

	select {
	case s.frames <- raw:
		s.accepted.Add(1)
		return true
	default:
		s.drop(metrics.DropBackpressure)
		return false
	}
}

func (s *Sender) drop(reason string) {
	s.dropped.Add(1)
	s.metrics.RecordFrameDropped(reason)
}

// Stop stops ticking and closes the buffer once any accepted frame is
// written. Safe to call more than once.
func (s *Sender) Stop() {
	s.mu.Lock()
	switch s.State() {
	case StateStarting, StateRunning:
	default:
		s.mu.Unlock()
		return
	}
	s.state.Store(int32(StateStopped))
	s.canWrite.Store(false)
	s.pacer.Stop()
	close(s.quit)
	done := s.done
	s.mu.Unlock()

	<-done
	log.WithField("path", s.path).Info("Frame sender stopped")
}

// Stats returns a snapshot of the sender counters
func (s *Sender) Stats() models.SenderStats {
	return models.SenderStats{
		Submitted:     s.submitted.Load(),
		Accepted:      s.accepted.Load(),
		Dropped:       s.dropped.Load(),
		Written:       s.written.Load(),
		WriteFailures: s.writeFailures.Load(),
	}
}

// run owns buf and the encode scratch buffer for one start/stop cycle
func (s *Sender) run(buf *shm.Buffer, frames <-chan models.RawFrame, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if err := buf.Close(); err != nil {
			log.Printf("Failed to close frame buffer: %v", err)
		}
	}()

	var scratch []byte
	for {
		select {
		case <-quit:
			// A frame accepted before Stop is still written.
			select {
			case raw := <-frames:
				s.write(buf, scratch, raw)
			default:
			}
			return
		case raw := <-frames:
			scratch = s.write(buf, scratch, raw)
		}
	}
}

func (s *Sender) write(buf *shm.Buffer, scratch []byte, raw models.RawFrame) []byte {
	if s.normalize != nil {
		normalized, err := s.normalize(raw)
		if err != nil {
			s.failWrite(metrics.DropInvalid)
			log.Debugf("Failed to normalize frame: %v", err)
			return scratch
		}
		raw = normalized
	}

	displayTime := s.pacer.Timestamp()
	record, err := codec.AppendFrame(scratch[:0], uint64(displayTime), raw)
	if err != nil {
		s.failWrite(metrics.DropInvalid)
		log.Debugf("Failed to pack frame: %v", err)
		return record
	}

	if !buf.Write(record) {
		s.failWrite(metrics.DropOversized)
		log.Debugf("Frame of %d bytes does not fit buffer of %d bytes", len(record), buf.Capacity())
		return record
	}

	s.written.Add(1)
	s.metrics.RecordFrameWritten(len(record))
	return record
}

func (s *Sender) failWrite(reason string) {
	s.writeFailures.Add(1)
	s.metrics.RecordFrameDropped(reason)
}
