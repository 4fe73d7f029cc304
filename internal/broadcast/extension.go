package broadcast

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"screenrelay/internal/cadence"
	"screenrelay/internal/liveness"
	"screenrelay/internal/metrics"
	"screenrelay/internal/signalbus"
	"screenrelay/pkg/models"
)

// ExtensionConfig wires an Extension
type ExtensionConfig struct {
	Bus      *signalbus.Bus
	Sender   FrameSender
	Defaults FPSReader
	Liveness liveness.Store

	Policy         cadence.Policy  // zero value selects cadence.DefaultPolicy
	LivenessPolicy liveness.Policy // zero value selects liveness.DefaultPolicy
	Metrics        *metrics.Metrics

	// OnFinish is called once when the broadcast ends for a reason other
	// than the OS finishing it. The error is one of the models sentinels.
	OnFinish func(err error)
}

// Extension drives the sender from broadcast lifecycle callbacks
type Extension struct {
	cfg ExtensionConfig

	connected atomic.Bool

	mu       sync.Mutex
	monitor  *liveness.Monitor
	started  bool
	finished bool
}

// NewExtension creates an extension orchestrator
func NewExtension(cfg ExtensionConfig) *Extension {
	if cfg.Policy == (cadence.Policy{}) {
		cfg.Policy = cadence.DefaultPolicy
	}
	if cfg.LivenessPolicy == (liveness.Policy{}) {
		cfg.LivenessPolicy = liveness.DefaultPolicy
	}
	return &Extension{cfg: cfg}
}

// Connected reports whether the host has signalled receiver-ready
func (e *Extension) Connected() bool {
	return e.connected.Load()
}

// BroadcastStarted begins the handshake with the host. If the host's
// heartbeat is stale the broadcast finishes at once with
// models.ErrNoConnection.
func (e *Extension) BroadcastStarted() {
	e.mu.Lock()
	if e.started && !e.finished {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.finished = false
	monitor := liveness.NewMonitor(e.cfg.Liveness, e.cfg.LivenessPolicy, func() {
		e.finish(models.ErrNoConnection, true)
	}, e.cfg.Metrics)
	e.monitor = monitor
	e.mu.Unlock()

	if !monitor.Alive() {
		log.Warn("Host heartbeat is stale, finishing broadcast")
		e.cfg.Metrics.RecordLivenessFailure()
		e.finish(models.ErrNoConnection, true)
		return
	}

	handlers := map[signalbus.Signal]signalbus.Handler{
		signalbus.ReceiverReady:      e.onReceiverReady,
		signalbus.ReceiverFinished:   func() { e.finish(models.ErrBroadcastFinished, true) },
		signalbus.CallEnded:          func() { e.finish(models.ErrCallEnded, true) },
		signalbus.PresentationStolen: func() { e.finish(models.ErrPresentationStolen, true) },
	}
	for name, h := range handlers {
		if err := e.cfg.Bus.Register(e, name, h); err != nil {
			log.Printf("Failed to register for %s: %v", name, err)
			e.finish(models.ErrNoConnection, true)
			return
		}
	}

	if err := e.cfg.Bus.Post(signalbus.SenderReady); err != nil {
		log.Printf("Failed to post sender-ready: %v", err)
		e.finish(models.ErrNoConnection, true)
		return
	}

	monitor.Start()
	log.Info("Broadcast started, waiting for receiver")
}

func (e *Extension) onReceiverReady() {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	fps := e.cfg.Policy.Default
	if e.cfg.Defaults != nil {
		stored, ok, err := e.cfg.Defaults.FPS()
		if err != nil {
			log.Printf("Failed to read negotiated fps: %v", err)
		} else if ok {
			fps = cadence.FPS(stored)
		}
	}
	fps = e.cfg.Policy.Clamp(fps)

	if _, err := e.cfg.Sender.Start(fps); err != nil {
		log.Printf("Failed to start frame sender: %v", err)
		e.finish(models.ErrNoConnection, true)
		return
	}

	// finish may have run on the monitor goroutine while the sender was
	// starting; its Stop found nothing to stop.
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		e.cfg.Sender.Stop()
		return
	}
	e.connected.Store(true)
	e.mu.Unlock()

	log.WithField("fps", fps).Info("Receiver ready, sending frames")
}

// BroadcastPaused tells the host the OS paused the broadcast
func (e *Extension) BroadcastPaused() {
	if err := e.cfg.Bus.Post(signalbus.SenderPaused); err != nil {
		log.Printf("Failed to post sender-paused: %v", err)
	}
}

// BroadcastResumed tells the host the OS resumed the broadcast
func (e *Extension) BroadcastResumed() {
	if err := e.cfg.Bus.Post(signalbus.SenderResumed); err != nil {
		log.Printf("Failed to post sender-resumed: %v", err)
	}
}

// BroadcastFinished handles an OS-driven finish. OnFinish is not called.
func (e *Extension) BroadcastFinished() {
	e.finish(models.ErrBroadcastFinished, false)
}

// ProcessFrame submits a captured frame. It returns false when the frame
// was dropped.
func (e *Extension) ProcessFrame(raw models.RawFrame) bool {
	if !e.connected.Load() {
		e.cfg.Metrics.RecordFrameDropped(metrics.DropNotConnected)
		return false
	}
	return e.cfg.Sender.Submit(raw)
}

// finish tears the extension side down once and always tells the host
func (e *Extension) finish(err error, notify bool) {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	monitor := e.monitor
	e.mu.Unlock()

	e.connected.Store(false)
	if monitor != nil {
		monitor.Stop()
	}
	e.cfg.Sender.Stop()
	e.cfg.Bus.Unregister(e)

	if postErr := e.cfg.Bus.Post(signalbus.SenderFinished); postErr != nil {
		log.Printf("Failed to post sender-finished: %v", postErr)
	}

	log.WithField("reason", reasonLabel(err)).Info("Broadcast finished")
	if notify && e.cfg.OnFinish != nil {
		e.cfg.OnFinish(err)
	}
}
