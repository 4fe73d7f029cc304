// Package broadcast sequences the extension and host sides of a screen
// broadcast over the signal bus.
//
// Startup handshake:
//
//	host: StartCapture -> persist fps, start heartbeat, wait
//	extension: BroadcastStarted -> liveness check, post sender-ready
//	host: sender-ready -> start receiver (creates the buffer), post receiver-ready
//	extension: receiver-ready -> start sender (opens the buffer)
//
// Either side ends the broadcast with a signal: sender-finished from the
// extension; receiver-finished, call-ended or presentation-stolen from the
// host.
package broadcast

import (
	"errors"

	"screenrelay/internal/cadence"
	"screenrelay/pkg/models"
)

// FrameSender is the extension side of the frame transport
type FrameSender interface {
	Start(fps cadence.FPS) (bool, error)
	Submit(raw models.RawFrame) bool
	Stop()
}

// FrameReceiver is the host side of the frame transport
type FrameReceiver interface {
	Start(fps cadence.FPS) (bool, error)
	Stop() error
	Stats() models.ReceiverStats
}

// Heartbeat keeps the host's liveness record fresh
type Heartbeat interface {
	Start()
	Stop() error
}

// FPSReader reads the negotiated frame rate (extension side)
type FPSReader interface {
	FPS() (uint, bool, error)
}

// FPSStore persists the negotiated frame rate (host side)
type FPSStore interface {
	SetFPS(fps uint) error
	ClearFPS() error
}

// reasonLabel names a stop error for metrics
func reasonLabel(err error) string {
	switch {
	case err == nil, errors.Is(err, models.ErrBroadcastFinished):
		return "finished"
	case errors.Is(err, models.ErrCallEnded):
		return string(models.StopReasonCallEnded)
	case errors.Is(err, models.ErrPresentationStolen):
		return string(models.StopReasonPresentationStolen)
	case errors.Is(err, models.ErrNoConnection):
		return "no_connection"
	default:
		return "error"
	}
}
