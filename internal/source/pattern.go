// Package source produces synthetic screen frames for the extension binary
// when no OS recording pipeline is attached.
package source

import (
	"context"
	"errors"
	"time"

	"screenrelay/pkg/models"
)

// rowAlign mimics the padded rows capture pipelines hand out
const rowAlign = 64

// Pattern renders a moving vertical bar over a gradient in BGRA
type Pattern struct {
	Width  int
	Height int
	FPS    int
}

// Frame renders frame number n. Every call allocates a new plane because
// the sender takes ownership of submitted frames.
func (p Pattern) Frame(n int) models.RawFrame {
	stride := (p.Width*4 + rowAlign - 1) / rowAlign * rowAlign
	data := make([]byte, stride*p.Height)

	barWidth := p.Width / 16
	if barWidth < 1 {
		barWidth = 1
	}
	barX := (n * 8) % p.Width

	for y := 0; y < p.Height; y++ {
		row := data[y*stride:]
		shade := byte(y * 255 / p.Height)
		for x := 0; x < p.Width; x++ {
			px := row[x*4 : x*4+4]
			if x >= barX && x < barX+barWidth {
				px[0], px[1], px[2] = 0xFF, 0xFF, 0xFF
			} else {
				px[0], px[1], px[2] = shade, byte(x*255/p.Width), 0x40
			}
			px[3] = 0xFF
		}
	}

	return models.RawFrame{
		PixelFormat: models.PixelFormatBGRA,
		Width:       p.Width,
		Height:      p.Height,
		Orientation: models.OrientationUp,
		Planes:      []models.Plane{{Data: data, BytesPerRow: stride, Rows: p.Height}},
	}
}

// Run delivers frames at p.FPS until ctx is done
func (p Pattern) Run(ctx context.Context, deliver func(models.RawFrame)) error {
	if p.Width <= 0 || p.Height <= 0 || p.FPS <= 0 {
		return errors.New("source: invalid pattern dimensions or fps")
	}

	ticker := time.NewTicker(time.Second / time.Duration(p.FPS))
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deliver(p.Frame(n))
		}
	}
}
