package models

import "errors"

var (
	// ErrNoConnection means the peer process is absent, stale or the shared
	// buffer is unreachable. Recoverable only by restarting the session.
	ErrNoConnection = errors.New("broadcast: no connection")

	// ErrInvalidHeader is a decode-time integrity failure of a frame record
	ErrInvalidHeader = errors.New("broadcast: invalid frame header")

	// ErrCallEnded is an informational stop reason: the call was ended
	ErrCallEnded = errors.New("broadcast: call ended")

	// ErrPresentationStolen is an informational stop reason: another
	// participant started presenting
	ErrPresentationStolen = errors.New("broadcast: presentation stolen")

	// ErrBroadcastFinished is a normal, user-initiated stop
	ErrBroadcastFinished = errors.New("broadcast: finished")
)
