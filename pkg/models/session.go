package models

import (
	"sync"
	"time"
)

// SessionState represents the current state of a capture session on the host
type SessionState string

const (
	SessionStateIdle      SessionState = "idle"
	SessionStateWaiting   SessionState = "waiting"   // host ready, extension not started yet
	SessionStateCapturing SessionState = "capturing" // receiver running
	SessionStatePaused    SessionState = "paused"    // extension reported a pause
	SessionStateStopped   SessionState = "stopped"
)

// StopReason is an externally-triggered reason for ending a broadcast
type StopReason string

const (
	StopReasonCallEnded          StopReason = "call_ended"
	StopReasonPresentationStolen StopReason = "presentation_stolen"
)

// Err maps the reason onto the error surfaced to the media pipeline
func (r StopReason) Err() error {
	switch r {
	case StopReasonCallEnded:
		return ErrCallEnded
	case StopReasonPresentationStolen:
		return ErrPresentationStolen
	default:
		return nil
	}
}

// Session represents one host-side capture session
type Session struct {
	ID        string       // Unique session id
	State     SessionState // Current state
	FPS       uint         // Negotiated frame rate
	StartedAt time.Time    // When the receiver started
	StoppedAt *time.Time   // When the session stopped (if stopped)
	StopError string       // Reason surfaced in the capture-stopped event

	mu sync.RWMutex
}

// NewSession creates a session in the waiting state
func NewSession(id string, fps uint) *Session {
	return &Session{
		ID:    id,
		State: SessionStateWaiting,
		FPS:   fps,
	}
}

// SetState safely updates the session state
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state

	if state == SessionStateCapturing && s.StartedAt.IsZero() {
		s.StartedAt = time.Now()
	} else if state == SessionStateStopped {
		now := time.Now()
		s.StoppedAt = &now
	}
}

// GetState safely returns the current session state
func (s *Session) GetState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// Stop marks the session stopped with the reason surfaced to the pipeline
func (s *Session) Stop(err error) {
	s.mu.Lock()
	if err != nil {
		s.StopError = err.Error()
	}
	s.mu.Unlock()
	s.SetState(SessionStateStopped)
}

// Elapsed returns how long frames flowed, zero if they never did
func (s *Session) Elapsed() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.StartedAt.IsZero() {
		return 0
	}
	if s.StoppedAt != nil {
		return s.StoppedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// Info builds the API representation of the session
func (s *Session) Info(stats ReceiverStats) SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		ID:        s.ID,
		Active:    s.State == SessionStateCapturing || s.State == SessionStatePaused,
		State:     string(s.State),
		FPS:       s.FPS,
		StopError: s.StopError,
		Stats:     stats,
	}
	if !s.StartedAt.IsZero() {
		info.StartedAt = s.StartedAt.Format(time.RFC3339)
		end := time.Now()
		if s.StoppedAt != nil {
			end = *s.StoppedAt
		}
		info.Duration = int(end.Sub(s.StartedAt).Seconds())
	}
	return info
}

// ReceiverStats tracks frame receiver statistics
type ReceiverStats struct {
	Ticks      uint64 `json:"ticks"`
	Delivered  uint64 `json:"delivered"`
	Invalid    uint64 `json:"invalid"`   // Ticks skipped because of a bad header
	Duplicates uint64 `json:"duplicates"` // Ticks where the slot had not been rewritten
	Width      uint32 `json:"width,omitempty"`
	Height     uint32 `json:"height,omitempty"`
	Format     string `json:"format,omitempty"`
}

// SenderStats tracks frame sender statistics
type SenderStats struct {
	Submitted     uint64 `json:"submitted"`
	Accepted      uint64 `json:"accepted"`
	Dropped       uint64 `json:"dropped"` // Backpressure drops (no tick since the last write)
	Written       uint64 `json:"written"`
	WriteFailures uint64 `json:"writeFailures"` // Oversized, normalization or encode failures
}

// SessionInfo represents session metadata returned by the API
type SessionInfo struct {
	ID        string        `json:"id"`
	Active    bool          `json:"active"`
	State     string        `json:"state"`
	FPS       uint          `json:"fps"`
	StartedAt string        `json:"startedAt,omitempty"`
	Duration  int           `json:"duration,omitempty"` // seconds
	StopError string        `json:"stopError,omitempty"`
	Stats     ReceiverStats `json:"stats"`
}

// StartRequest asks the host to prepare a capture session
type StartRequest struct {
	FPS uint `json:"fps"`
}

// StopRequest asks the host to end the capture session
type StopRequest struct {
	Reason StopReason `json:"reason"`
}
