package broadcast

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"screenrelay/internal/cadence"
	"screenrelay/internal/metrics"
	"screenrelay/internal/signalbus"
	"screenrelay/pkg/models"
)

// HostConfig wires a Host
type HostConfig struct {
	Bus       *signalbus.Bus
	Receiver  FrameReceiver
	Defaults  FPSStore
	Heartbeat Heartbeat

	Policy  cadence.Policy // zero value selects cadence.DefaultPolicy
	Metrics *metrics.Metrics

	// OnStart is called when frames start flowing for a session
	OnStart func(session *models.Session)
	// OnStop is the capture-stopped event: called exactly once per capture,
	// with nil for a clean stop from the extension
	OnStop func(session *models.Session, err error)
}

// Host drives the receiver from signals posted by the extension
type Host struct {
	cfg HostConfig

	mu      sync.Mutex
	session *models.Session
	active  bool // registered and waiting for or receiving frames
	running bool // receiver started
}

// NewHost creates a host orchestrator
func NewHost(cfg HostConfig) *Host {
	if cfg.Policy == (cadence.Policy{}) {
		cfg.Policy = cadence.DefaultPolicy
	}
	return &Host{cfg: cfg}
}

// StartCapture prepares a session: persists the clamped fps, starts the
// heartbeat and waits for the extension's sender-ready. Calling it while a
// capture is active returns the active session.
func (h *Host) StartCapture(fps uint) (*models.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active {
		return h.session, nil
	}

	clamped := h.cfg.Policy.Clamp(cadence.FPS(fps))
	session := models.NewSession(uuid.NewString(), uint(clamped))

	if err := h.cfg.Defaults.SetFPS(uint(clamped)); err != nil {
		return nil, fmt.Errorf("failed to persist fps: %w", err)
	}

	handlers := map[signalbus.Signal]signalbus.Handler{
		signalbus.SenderReady:    h.onSenderReady,
		signalbus.SenderFinished: h.onSenderFinished,
		signalbus.SenderPaused:   func() { h.setState(models.SessionStatePaused) },
		signalbus.SenderResumed:  func() { h.setState(models.SessionStateCapturing) },
	}
	for name, handler := range handlers {
		if err := h.cfg.Bus.Register(h, name, handler); err != nil {
			h.cfg.Bus.Unregister(h)
			return nil, fmt.Errorf("failed to register for %s: %w", name, err)
		}
	}

	// The extension checks liveness before it posts sender-ready.
	h.cfg.Heartbeat.Start()

	h.session = session
	h.active = true

	log.WithFields(log.Fields{"session": session.ID, "fps": clamped}).Info("Waiting for broadcast extension")
	return session, nil
}

func (h *Host) onSenderReady() {
	h.mu.Lock()
	if !h.active || h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	session := h.session
	h.mu.Unlock()

	if _, err := h.cfg.Receiver.Start(cadence.FPS(session.FPS)); err != nil {
		log.Printf("Failed to start frame receiver: %v", err)
		h.stop(fmt.Errorf("%v: %w", err, models.ErrNoConnection))
		return
	}
	h.cfg.Heartbeat.Start()

	session.SetState(models.SessionStateCapturing)
	h.cfg.Metrics.RecordSessionStart()
	if h.cfg.OnStart != nil {
		h.cfg.OnStart(session)
	}

	if err := h.cfg.Bus.Post(signalbus.ReceiverReady); err != nil {
		log.Printf("Failed to post receiver-ready: %v", err)
	}
	log.WithField("session", session.ID).Info("Receiving frames")
}

func (h *Host) onSenderFinished() {
	h.stop(nil)
}

func (h *Host) setState(state models.SessionState) {
	h.mu.Lock()
	session, running := h.session, h.running
	h.mu.Unlock()

	if running {
		session.SetState(state)
	}
}

// StopCapture ends the capture from the host side. reason selects the
// signal sent to the extension: call-ended, presentation-stolen, or
// receiver-finished for an empty reason.
func (h *Host) StopCapture(reason models.StopReason) error {
	h.mu.Lock()
	active := h.active
	h.mu.Unlock()
	if !active {
		return nil
	}

	signal := signalbus.ReceiverFinished
	switch reason {
	case models.StopReasonCallEnded:
		signal = signalbus.CallEnded
	case models.StopReasonPresentationStolen:
		signal = signalbus.PresentationStolen
	case "":
	default:
		return fmt.Errorf("unknown stop reason %q", reason)
	}

	// Stop listening first so the extension's sender-finished reply does
	// not end the capture with a different reason.
	h.cfg.Bus.Unregister(h)

	var result *multierror.Error
	if err := h.cfg.Bus.Post(signal); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to post %s: %w", signal, err))
	}
	if err := h.stop(reason.Err()); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// stop tears the capture down and emits capture-stopped once
func (h *Host) stop(reason error) error {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return nil
	}
	h.active = false
	wasRunning := h.running
	h.running = false
	session := h.session
	h.mu.Unlock()

	h.cfg.Bus.Unregister(h)

	var result *multierror.Error
	if err := h.cfg.Receiver.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := h.cfg.Heartbeat.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to clear heartbeat: %w", err))
	}
	if err := h.cfg.Defaults.ClearFPS(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to clear fps: %w", err))
	}

	session.Stop(reason)
	if wasRunning {
		h.cfg.Metrics.RecordSessionStop(reasonLabel(reason), session.Elapsed().Seconds())
	}

	if err := result.ErrorOrNil(); err != nil {
		log.WithField("session", session.ID).Warnf("Capture teardown: %v", err)
	}
	log.WithFields(log.Fields{"session": session.ID, "reason": reasonLabel(reason)}).Info("Capture stopped")

	if h.cfg.OnStop != nil {
		h.cfg.OnStop(session, reason)
	}
	return result.ErrorOrNil()
}

// Active reports whether a capture is waiting for or receiving frames
func (h *Host) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Session returns the current (or last) session, or nil
func (h *Host) Session() *models.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// SessionInfo returns the API view of the current (or last) session
func (h *Host) SessionInfo() (models.SessionInfo, bool) {
	h.mu.Lock()
	session, running := h.session, h.running
	h.mu.Unlock()

	if session == nil {
		return models.SessionInfo{}, false
	}
	var stats models.ReceiverStats
	if running {
		stats = h.cfg.Receiver.Stats()
	}
	return session.Info(stats), true
}
