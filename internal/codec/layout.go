package codec

import (
	"errors"
	"fmt"
	"math"

	"screenrelay/pkg/models"
)

// ErrInvalidFrame is returned when a raw frame cannot be packed
var ErrInvalidFrame = errors.New("codec: invalid raw frame")

// PlaneLayout is the packed size of one plane
type PlaneLayout struct {
	RowBytes int
	Rows     int
}

// Size returns the packed plane size in bytes
func (p PlaneLayout) Size() int {
	return p.RowBytes * p.Rows
}

// Layout describes how the planes of a frame are packed into the body
type Layout struct {
	Planes []PlaneLayout
}

// Size returns the packed body size in bytes
func (l Layout) Size() int {
	total := 0
	for _, p := range l.Planes {
		total += p.Size()
	}
	return total
}

// LayoutOf returns the packed layout for known pixel formats.
// ok is false for formats whose layout is opaque to the codec.
func LayoutOf(format models.PixelFormat, width, height int) (Layout, bool) {
	switch format {
	case models.PixelFormatBGRA:
		return Layout{Planes: []PlaneLayout{{RowBytes: width * 4, Rows: height}}}, true
	case models.PixelFormatNV12Video, models.PixelFormatNV12Full:
		chromaWidth := (width + 1) / 2 * 2
		return Layout{Planes: []PlaneLayout{
			{RowBytes: width, Rows: height},
			{RowBytes: chromaWidth, Rows: (height + 1) / 2},
		}}, true
	default:
		return Layout{}, false
	}
}

var zeroHeader [HeaderSize]byte

// AppendFrame appends a complete record for raw to dst. Plane rows are
// copied without their stride padding; for formats with an opaque layout
// the plane data is copied as is.
func AppendFrame(dst []byte, displayTimeNs uint64, raw models.RawFrame) ([]byte, error) {
	if raw.Width <= 0 || raw.Height <= 0 || len(raw.Planes) == 0 {
		return dst, fmt.Errorf("%w: %dx%d with %d planes", ErrInvalidFrame, raw.Width, raw.Height, len(raw.Planes))
	}

	start := len(dst)
	dst = append(dst, zeroHeader[:]...)

	layout, known := LayoutOf(raw.PixelFormat, raw.Width, raw.Height)
	if known && len(layout.Planes) != len(raw.Planes) {
		return dst[:start], fmt.Errorf("%w: %s needs %d planes, got %d", ErrInvalidFrame, raw.PixelFormat, len(layout.Planes), len(raw.Planes))
	}

	for i, plane := range raw.Planes {
		if !known {
			dst = append(dst, plane.Data...)
			continue
		}
		var err error
		dst, err = appendPlane(dst, plane, layout.Planes[i])
		if err != nil {
			return dst[:start], fmt.Errorf("%w: plane %d: %v", ErrInvalidFrame, i, err)
		}
	}

	bodyLength := len(dst) - start - HeaderSize
	if bodyLength > math.MaxUint32 {
		return dst[:start], fmt.Errorf("%w: body of %d bytes", ErrInvalidFrame, bodyLength)
	}

	PutHeader(dst[start:], models.FrameHeader{
		DisplayTimeNs: displayTimeNs,
		PixelFormat:   raw.PixelFormat,
		Width:         uint32(raw.Width),
		Height:        uint32(raw.Height),
		Orientation:   raw.Orientation,
		BodyLength:    uint32(bodyLength),
	})
	return dst, nil
}

func appendPlane(dst []byte, plane models.Plane, layout PlaneLayout) ([]byte, error) {
	stride := plane.BytesPerRow
	if stride == 0 {
		stride = layout.RowBytes
	}
	if stride < layout.RowBytes {
		return dst, fmt.Errorf("stride %d shorter than row of %d bytes", stride, layout.RowBytes)
	}
	if layout.Rows == 0 {
		return dst, nil
	}
	need := (layout.Rows-1)*stride + layout.RowBytes
	if len(plane.Data) < need {
		return dst, fmt.Errorf("%d bytes, need %d", len(plane.Data), need)
	}

	if stride == layout.RowBytes {
		return append(dst, plane.Data[:layout.Size()]...), nil
	}
	for row := 0; row < layout.Rows; row++ {
		offset := row * stride
		dst = append(dst, plane.Data[offset:offset+layout.RowBytes]...)
	}
	return dst, nil
}
