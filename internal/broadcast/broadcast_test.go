package broadcast

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenrelay/internal/cadence"
	"screenrelay/internal/liveness"
	"screenrelay/internal/receiver"
	"screenrelay/internal/sender"
	"screenrelay/internal/shm"
	"screenrelay/internal/signalbus"
	"screenrelay/internal/source"
	"screenrelay/internal/storage"
	"screenrelay/pkg/models"
)

const testBeat = 50 * time.Millisecond

type events struct {
	mu    sync.Mutex
	stops []error
	ends  []error
}

func (e *events) onStop(_ *models.Session, err error) {
	e.mu.Lock()
	e.stops = append(e.stops, err)
	e.mu.Unlock()
}

func (e *events) onFinish(err error) {
	e.mu.Lock()
	e.ends = append(e.ends, err)
	e.mu.Unlock()
}

func (e *events) hostStops() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.stops...)
}

func (e *events) extensionEnds() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.ends...)
}

type rig struct {
	path     string
	defaults *storage.SharedDefaults
	loop     *signalbus.Loopback
	host     *Host
	ext      *Extension
	sender   *sender.Sender
	frames   chan *models.VideoFrame
	events   *events
}

func newDefaults(t *testing.T, dir string) *storage.SharedDefaults {
	t.Helper()
	store, err := storage.NewLocalStorage(filepath.Join(dir, "defaults"))
	require.NoError(t, err)
	return storage.NewSharedDefaults(store)
}

func newBus(t *testing.T, loop *signalbus.Loopback) *signalbus.Bus {
	t.Helper()
	bus := signalbus.New(loop.Transport())
	t.Cleanup(func() { bus.Close() })
	return bus
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dir := t.TempDir()
	r := &rig{
		path:     filepath.Join(dir, "broadcast.video"),
		defaults: newDefaults(t, dir),
		loop:     signalbus.NewLoopback(),
		frames:   make(chan *models.VideoFrame, 64),
		events:   &events{},
	}

	recv := receiver.New(receiver.Config{
		Path: r.path,
		Sink: receiver.SinkFunc(func(f *models.VideoFrame) {
			select {
			case r.frames <- f:
			default:
				f.Release()
			}
		}),
	})
	r.host = NewHost(HostConfig{
		Bus:       newBus(t, r.loop),
		Receiver:  recv,
		Defaults:  r.defaults,
		Heartbeat: liveness.NewHeartbeat(r.defaults, testBeat, nil),
		OnStop:    r.events.onStop,
	})

	r.sender = sender.New(sender.Config{Path: r.path})
	r.ext = NewExtension(ExtensionConfig{
		Bus:            newBus(t, r.loop),
		Sender:         r.sender,
		Defaults:       r.defaults,
		Liveness:       r.defaults,
		LivenessPolicy: liveness.Policy{Interval: testBeat, Multiplier: 5},
		OnFinish:       r.events.onFinish,
	})

	t.Cleanup(func() {
		r.ext.BroadcastFinished()
		r.host.StopCapture("")
	})
	return r
}

// connect runs the handshake and waits for the sender to be running
func (r *rig) connect(t *testing.T, fps uint) *models.Session {
	t.Helper()
	session, err := r.host.StartCapture(fps)
	require.NoError(t, err)
	r.ext.BroadcastStarted()
	require.Eventually(t, r.ext.Connected, time.Second, 5*time.Millisecond)
	require.Equal(t, sender.StateRunning, r.sender.State())
	return session
}

// pump submits pattern frames until n frames were received
func (r *rig) pump(t *testing.T, p source.Pattern, n int) []*models.VideoFrame {
	t.Helper()
	var got []*models.VideoFrame
	deadline := time.After(5 * time.Second)
	raw := p.Frame(0)
	for i := 1; len(got) < n; {
		if r.ext.ProcessFrame(raw) {
			raw = p.Frame(i)
			i++
		}
		select {
		case f := <-r.frames:
			got = append(got, f)
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatalf("received %d of %d frames", len(got), n)
		}
	}
	return got
}

func TestEndToEndFrameDelivery(t *testing.T) {
	r := newRig(t)
	session := r.connect(t, 15)
	assert.Equal(t, models.SessionStateCapturing, session.GetState())

	p := source.Pattern{Width: 1920, Height: 1080, FPS: 15}
	frames := r.pump(t, p, 3)

	var last uint64
	for _, f := range frames {
		assert.Equal(t, uint32(1920), f.Header.Width)
		assert.Equal(t, uint32(1080), f.Header.Height)
		assert.Equal(t, models.PixelFormatBGRA, f.Header.PixelFormat)
		assert.Len(t, f.Data, 1920*1080*4)
		assert.GreaterOrEqual(t, f.Header.DisplayTimeNs, last)
		last = f.Header.DisplayTimeNs
		f.Release()
	}

	info, ok := r.host.SessionInfo()
	require.True(t, ok)
	assert.True(t, info.Active)
	assert.GreaterOrEqual(t, info.Stats.Delivered, uint64(3))
}

func TestNegotiatedFPSReachesSender(t *testing.T) {
	r := newRig(t)
	session := r.connect(t, 100)
	assert.Equal(t, uint(30), session.FPS, "clamped to the policy maximum")

	fps, ok, err := r.defaults.FPS()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint(30), fps)
}

func TestSenderBeforeReceiverIsNoConnection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast.video")
	s := sender.New(sender.Config{Path: path})

	ok, err := s.Start(15)
	assert.False(t, ok)
	assert.ErrorIs(t, err, models.ErrNoConnection)
}

func TestFramesDroppedBeforeReceiverReady(t *testing.T) {
	r := newRig(t)
	p := source.Pattern{Width: 16, Height: 16, FPS: 15}
	assert.False(t, r.ext.ProcessFrame(p.Frame(0)))
}

func TestExtensionFinishesWhenHostAbsent(t *testing.T) {
	r := newRig(t)

	var senderFinished atomic.Int32
	listener := newBus(t, r.loop)
	require.NoError(t, listener.Register(t, signalbus.SenderFinished, func() { senderFinished.Add(1) }))

	r.ext.BroadcastStarted()

	assert.Equal(t, []error{models.ErrNoConnection}, r.events.extensionEnds())
	assert.Equal(t, int32(1), senderFinished.Load())
	assert.False(t, r.ext.Connected())
}

type fpsFunc func() (uint, bool, error)

func (f fpsFunc) FPS() (uint, bool, error) { return f() }

func TestFinishDuringReceiverReadyLeavesSenderStopped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broadcast.video")
	buf, err := shm.Create(path, 1<<16)
	require.NoError(t, err)
	t.Cleanup(func() { buf.Destroy() })

	defaults := newDefaults(t, dir)
	require.NoError(t, defaults.SetKeepAlive(time.Now()))

	loop := signalbus.NewLoopback()
	s := sender.New(sender.Config{Path: path, Pacer: cadence.NewManual(0)})
	t.Cleanup(s.Stop)

	ev := &events{}
	var ext *Extension
	ext = NewExtension(ExtensionConfig{
		Bus:    newBus(t, loop),
		Sender: s,
		Defaults: fpsFunc(func() (uint, bool, error) {
			// The liveness monitor giving up while the handler is running.
			ext.finish(models.ErrNoConnection, true)
			return 15, true, nil
		}),
		Liveness:       defaults,
		LivenessPolicy: liveness.Policy{Interval: time.Minute, Multiplier: 5},
		OnFinish:       ev.onFinish,
	})
	ext.BroadcastStarted()
	require.Empty(t, ev.extensionEnds())

	require.NoError(t, newBus(t, loop).Post(signalbus.ReceiverReady))

	assert.NotEqual(t, sender.StateRunning, s.State(), "sender must not outlive the broadcast")
	assert.False(t, ext.Connected())
	assert.Equal(t, []error{models.ErrNoConnection}, ev.extensionEnds())
}

func TestStaleHeartbeatIsNoConnection(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.defaults.SetKeepAlive(time.Now().Add(-time.Minute)))

	r.ext.BroadcastStarted()
	assert.Equal(t, []error{models.ErrNoConnection}, r.events.extensionEnds())
}

func TestHostStopReasons(t *testing.T) {
	tests := []struct {
		name   string
		reason models.StopReason
		ext    error
		host   error
	}{
		{"call ended", models.StopReasonCallEnded, models.ErrCallEnded, models.ErrCallEnded},
		{"presentation stolen", models.StopReasonPresentationStolen, models.ErrPresentationStolen, models.ErrPresentationStolen},
		{"receiver finished", "", models.ErrBroadcastFinished, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			session := r.connect(t, 15)

			require.NoError(t, r.host.StopCapture(tt.reason))

			assert.Equal(t, []error{tt.ext}, r.events.extensionEnds())
			assert.Equal(t, []error{tt.host}, r.events.hostStops())
			assert.Equal(t, models.SessionStateStopped, session.GetState())
			assert.False(t, r.ext.Connected())
			assert.False(t, r.host.Active())

			_, err := os.Stat(r.path)
			assert.True(t, os.IsNotExist(err), "buffer removed")

			_, ok, err := r.defaults.FPS()
			require.NoError(t, err)
			assert.False(t, ok, "fps cleared")
		})
	}
}

func TestSenderFinishedStopsHost(t *testing.T) {
	r := newRig(t)
	r.connect(t, 15)

	r.ext.BroadcastFinished()

	assert.Equal(t, []error{nil}, r.events.hostStops())
	assert.Empty(t, r.events.extensionEnds(), "OS-driven finish is not reported back")
	assert.Equal(t, sender.StateStopped, r.sender.State())
}

func TestCaptureStoppedOnce(t *testing.T) {
	r := newRig(t)
	r.connect(t, 15)

	require.NoError(t, r.host.StopCapture(models.StopReasonCallEnded))
	require.NoError(t, r.host.StopCapture(models.StopReasonCallEnded))
	r.ext.BroadcastFinished()

	assert.Len(t, r.events.hostStops(), 1)
	assert.Len(t, r.events.extensionEnds(), 1)
}

func TestMonitorDetectsDeadHost(t *testing.T) {
	r := newRig(t)
	r.connect(t, 15)

	// The host process dies without signalling: the record goes away.
	require.NoError(t, r.host.cfg.Heartbeat.Stop())

	require.Eventually(t, func() bool { return len(r.events.extensionEnds()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.ErrNoConnection, r.events.extensionEnds()[0])
	assert.False(t, r.ext.Connected())
}

func TestPauseAndResumeUpdateSession(t *testing.T) {
	r := newRig(t)
	session := r.connect(t, 15)

	r.ext.BroadcastPaused()
	assert.Equal(t, models.SessionStatePaused, session.GetState())

	r.ext.BroadcastResumed()
	assert.Equal(t, models.SessionStateCapturing, session.GetState())
}

func TestUnknownStopReason(t *testing.T) {
	r := newRig(t)
	r.connect(t, 15)

	assert.Error(t, r.host.StopCapture("bogus"))
	assert.True(t, r.host.Active())
}

type fakeReceiver struct {
	starts atomic.Int32
	stops  atomic.Int32
	err    error
}

func (f *fakeReceiver) Start(cadence.FPS) (bool, error) {
	f.starts.Add(1)
	if f.err != nil {
		return false, f.err
	}
	return true, nil
}

func (f *fakeReceiver) Stop() error {
	f.stops.Add(1)
	return nil
}

func (f *fakeReceiver) Stats() models.ReceiverStats { return models.ReceiverStats{} }

type fakeHeartbeat struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (f *fakeHeartbeat) Start() { f.starts.Add(1) }

func (f *fakeHeartbeat) Stop() error {
	f.stops.Add(1)
	return nil
}

func newFakeHost(t *testing.T, recv *fakeReceiver, ev *events) (*Host, *signalbus.Bus, *fakeHeartbeat) {
	t.Helper()
	loop := signalbus.NewLoopback()
	hb := &fakeHeartbeat{}
	host := NewHost(HostConfig{
		Bus:       newBus(t, loop),
		Receiver:  recv,
		Defaults:  newDefaults(t, t.TempDir()),
		Heartbeat: hb,
		OnStop:    ev.onStop,
	})
	return host, newBus(t, loop), hb
}

func TestDuplicateSenderReadyIgnored(t *testing.T) {
	recv := &fakeReceiver{}
	ev := &events{}
	host, peer, hb := newFakeHost(t, recv, ev)

	var ready atomic.Int32
	require.NoError(t, peer.Register(t, signalbus.ReceiverReady, func() { ready.Add(1) }))

	_, err := host.StartCapture(15)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hb.starts.Load(), "heartbeat starts with the capture")

	require.NoError(t, peer.Post(signalbus.SenderReady))
	require.NoError(t, peer.Post(signalbus.SenderReady))

	assert.Equal(t, int32(1), recv.starts.Load())
	assert.Equal(t, int32(1), ready.Load())
}

func TestReceiverStartFailureStopsCapture(t *testing.T) {
	recv := &fakeReceiver{err: errors.New("disk full")}
	ev := &events{}
	host, peer, hb := newFakeHost(t, recv, ev)

	var ready atomic.Int32
	require.NoError(t, peer.Register(t, signalbus.ReceiverReady, func() { ready.Add(1) }))

	_, err := host.StartCapture(15)
	require.NoError(t, err)
	require.NoError(t, peer.Post(signalbus.SenderReady))

	stops := ev.hostStops()
	require.Len(t, stops, 1)
	assert.ErrorIs(t, stops[0], models.ErrNoConnection)
	assert.Zero(t, ready.Load())
	assert.Equal(t, int32(1), hb.stops.Load())
	assert.False(t, host.Active())
}

func TestStartCaptureWhileActiveReturnsSession(t *testing.T) {
	host, _, _ := newFakeHost(t, &fakeReceiver{}, &events{})

	first, err := host.StartCapture(15)
	require.NoError(t, err)
	second, err := host.StartCapture(30)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestSignalsIgnoredWithoutCapture(t *testing.T) {
	recv := &fakeReceiver{}
	host, peer, _ := newFakeHost(t, recv, &events{})

	require.NoError(t, peer.Post(signalbus.SenderReady))
	assert.Zero(t, recv.starts.Load())

	_, ok := host.SessionInfo()
	assert.False(t, ok)
}
