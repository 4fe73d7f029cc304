package sender

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenrelay/internal/cadence"
	"screenrelay/internal/codec"
	"screenrelay/internal/shm"
	"screenrelay/pkg/models"
)

func bgra(w, h int, fill byte) models.RawFrame {
	data := make([]byte, w*h*4)
	for i := range data {
		data[i] = fill
	}
	return models.RawFrame{
		PixelFormat: models.PixelFormatBGRA,
		Width:       w,
		Height:      h,
		Orientation: models.OrientationUp,
		Planes:      []models.Plane{{Data: data, BytesPerRow: w * 4, Rows: h}},
	}
}

type fixture struct {
	buf    *shm.Buffer
	pacer  *cadence.Manual
	sender *Sender
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broadcast.video")

	buf, err := shm.Create(path, capacity)
	require.NoError(t, err)
	t.Cleanup(func() { buf.Destroy() })

	pacer := cadence.NewManual(time.Second)
	s := New(Config{Path: path, Pacer: pacer})
	t.Cleanup(s.Stop)

	return &fixture{buf: buf, pacer: pacer, sender: s}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ok, err := f.sender.Start(15)
	require.NoError(t, err)
	require.True(t, ok)
}

func (f *fixture) waitWritten(t *testing.T, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return f.sender.Stats().Written >= n }, 2*time.Second, time.Millisecond)
}

func TestStartWithoutBufferIsNoConnection(t *testing.T) {
	s := New(Config{Path: filepath.Join(t.TempDir(), "broadcast.video"), Pacer: cadence.NewManual(0)})

	ok, err := s.Start(15)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, models.ErrNoConnection))
	assert.Equal(t, StateStopped, s.State())
}

func TestSubmitBeforeFirstTickIsDropped(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.start(t)

	assert.False(t, f.sender.Submit(bgra(4, 4, 1)))
	assert.Equal(t, uint64(1), f.sender.Stats().Dropped)

	_, _, err := codec.ReadFrame(f.buf.Read(), codec.DefaultLimits)
	assert.ErrorIs(t, err, models.ErrInvalidHeader, "nothing was written")
}

func TestAtMostOneFramePerTick(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.start(t)

	require.True(t, f.pacer.Tick())
	assert.True(t, f.sender.Submit(bgra(4, 4, 1)))
	assert.False(t, f.sender.Submit(bgra(4, 4, 2)))
	f.waitWritten(t, 1)

	hdr, body, err := codec.ReadFrame(f.buf.Read(), codec.DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), hdr.Width)
	assert.Equal(t, uint64(f.pacer.Timestamp()), hdr.DisplayTimeNs)
	assert.Equal(t, byte(1), body[0])

	require.True(t, f.pacer.Tick())
	assert.True(t, f.sender.Submit(bgra(4, 4, 3)))
	f.waitWritten(t, 2)

	_, body, err = codec.ReadFrame(f.buf.Read(), codec.DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, byte(3), body[0])

	stats := f.sender.Stats()
	assert.Equal(t, uint64(3), stats.Submitted)
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Dropped)
}

func TestOversizedFrameIsDroppedAndBufferUnchanged(t *testing.T) {
	f := newFixture(t, codec.HeaderSize+4*4*4)
	f.start(t)

	require.True(t, f.pacer.Tick())
	require.True(t, f.sender.Submit(bgra(4, 4, 9)))
	f.waitWritten(t, 1)

	require.True(t, f.pacer.Tick())
	require.True(t, f.sender.Submit(bgra(8, 8, 7)))
	require.Eventually(t, func() bool { return f.sender.Stats().WriteFailures == 1 }, 2*time.Second, time.Millisecond)

	hdr, body, err := codec.ReadFrame(f.buf.Read(), codec.DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), hdr.Width)
	assert.Equal(t, byte(9), body[0])
}

func TestNormalizerRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast.video")
	buf, err := shm.Create(path, 1<<20)
	require.NoError(t, err)
	defer buf.Destroy()

	pacer := cadence.NewManual(0)
	s := New(Config{
		Path:  path,
		Pacer: pacer,
		Normalizer: func(raw models.RawFrame) (models.RawFrame, error) {
			return bgra(2, 2, 5), nil
		},
	})
	defer s.Stop()

	ok, err := s.Start(30)
	require.NoError(t, err)
	require.True(t, ok)

	require.True(t, pacer.Tick())
	require.True(t, s.Submit(bgra(16, 16, 1)))
	require.Eventually(t, func() bool { return s.Stats().Written == 1 }, 2*time.Second, time.Millisecond)

	hdr, _, err := codec.ReadFrame(buf.Read(), codec.DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), hdr.Width)
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	f := newFixture(t, 1<<20)

	f.sender.Stop()
	assert.Equal(t, StateIdle, f.sender.State())

	f.start(t)
	ok, err := f.sender.Start(15)
	assert.NoError(t, err)
	assert.False(t, ok, "already running")

	f.sender.Stop()
	f.sender.Stop()
	assert.Equal(t, StateStopped, f.sender.State())
	assert.False(t, f.pacer.Tick(), "cadence stopped")
	assert.False(t, f.sender.Submit(bgra(4, 4, 1)))

	f.start(t)
	assert.Equal(t, StateRunning, f.sender.State())
	assert.Equal(t, 2, f.pacer.Starts())
}

func TestAcceptedFrameIsWrittenWhenStopped(t *testing.T) {
	f := newFixture(t, 1<<20)

	for i := 0; i < 50; i++ {
		f.start(t)
		require.True(t, f.pacer.Tick())

		done := make(chan bool)
		go func() { done <- f.sender.Submit(bgra(4, 4, byte(i))) }()
		f.sender.Stop()
		<-done

		assert.False(t, f.sender.Submit(bgra(4, 4, 0)), "stopped sender accepts nothing")

		stats := f.sender.Stats()
		require.Equal(t, stats.Accepted, stats.Written+stats.WriteFailures, "round %d", i)
	}
}
