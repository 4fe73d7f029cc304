package source

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenrelay/internal/codec"
	"screenrelay/pkg/models"
)

func TestFramePacksToBGRALayout(t *testing.T) {
	p := Pattern{Width: 33, Height: 7, FPS: 30}
	raw := p.Frame(3)

	require.Len(t, raw.Planes, 1)
	assert.Equal(t, 192, raw.Planes[0].BytesPerRow, "rows padded to 64 bytes")

	rec, err := codec.AppendFrame(nil, 1, raw)
	require.NoError(t, err)
	hdr, body, err := codec.ReadFrame(rec, codec.DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, models.PixelFormatBGRA, hdr.PixelFormat)
	assert.Len(t, body, 33*7*4)
}

func TestBarMoves(t *testing.T) {
	p := Pattern{Width: 64, Height: 2, FPS: 30}
	a := p.Frame(0).Planes[0].Data
	b := p.Frame(1).Planes[0].Data
	assert.NotEqual(t, a, b)
}

func TestRunStopsWithContext(t *testing.T) {
	p := Pattern{Width: 8, Height: 8, FPS: 200}
	ctx, cancel := context.WithCancel(context.Background())

	var frames atomic.Int32
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, func(models.RawFrame) { frames.Add(1) }) }()

	require.Eventually(t, func() bool { return frames.Load() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestRunRejectsInvalidPattern(t *testing.T) {
	assert.Error(t, Pattern{}.Run(context.Background(), func(models.RawFrame) {}))
}
