// Package codec encodes and decodes the frame records exchanged through the
// shared frame buffer.
//
// A record is a fixed 28-byte little-endian header followed by the packed
// plane bytes:
//
//	displayTimeNs u64 | pixelFormat u32 | width u32 | height u32 | orientation u32 | bodyLength u32 | body
//
// Readers are not synchronized with writers. Every record read from shared memory
// must go through Validate (or ReadFrame) before the body is trusted.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"screenrelay/pkg/models"
)

// HeaderSize is the encoded size of models.FrameHeader
const HeaderSize = 8 + 4*5

// DefaultMaxDimension bounds width and height of a plausible frame
const DefaultMaxDimension = 16384

// ErrShortBuffer is returned by Decode when fewer than HeaderSize bytes are available
var ErrShortBuffer = errors.New("codec: buffer shorter than frame header")

var order = binary.LittleEndian

// PutHeader writes h into dst[:HeaderSize]. dst must be at least HeaderSize long.
func PutHeader(dst []byte, h models.FrameHeader) {
	_ = dst[HeaderSize-1]
	order.PutUint64(dst[0:], h.DisplayTimeNs)
	order.PutUint32(dst[8:], uint32(h.PixelFormat))
	order.PutUint32(dst[12:], h.Width)
	order.PutUint32(dst[16:], h.Height)
	order.PutUint32(dst[20:], uint32(h.Orientation))
	order.PutUint32(dst[24:], h.BodyLength)
}

// AppendHeader appends the encoded header to dst
func AppendHeader(dst []byte, h models.FrameHeader) []byte {
	dst = order.AppendUint64(dst, h.DisplayTimeNs)
	dst = order.AppendUint32(dst, uint32(h.PixelFormat))
	dst = order.AppendUint32(dst, h.Width)
	dst = order.AppendUint32(dst, h.Height)
	dst = order.AppendUint32(dst, uint32(h.Orientation))
	return order.AppendUint32(dst, h.BodyLength)
}

// Encode concatenates the header and body. BodyLength is taken from len(body).
func Encode(h models.FrameHeader, body []byte) []byte {
	h.BodyLength = uint32(len(body))
	out := make([]byte, 0, HeaderSize+len(body))
	out = AppendHeader(out, h)
	return append(out, body...)
}

// Decode parses the header from the start of buf and returns the number of
// bytes consumed. It does not validate the header.
func Decode(buf []byte) (models.FrameHeader, int, error) {
	if len(buf) < HeaderSize {
		return models.FrameHeader{}, 0, ErrShortBuffer
	}
	h := models.FrameHeader{
		DisplayTimeNs: order.Uint64(buf[0:]),
		PixelFormat:   models.PixelFormat(order.Uint32(buf[8:])),
		Width:         order.Uint32(buf[12:]),
		Height:        order.Uint32(buf[16:]),
		Orientation:   models.Orientation(order.Uint32(buf[20:])),
		BodyLength:    order.Uint32(buf[24:]),
	}
	return h, HeaderSize, nil
}

// Limits bounds what Validate accepts
type Limits struct {
	MaxDimension uint32
}

// DefaultLimits is used by ReadFrame
var DefaultLimits = Limits{MaxDimension: DefaultMaxDimension}

// Validate checks that h describes a plausible frame whose body fits in
// available bytes. Failures wrap models.ErrInvalidHeader.
func Validate(h models.FrameHeader, available int, limits Limits) error {
	maxDim := limits.MaxDimension
	if maxDim == 0 {
		maxDim = DefaultMaxDimension
	}
	if h.Width == 0 || h.Height == 0 || h.Width > maxDim || h.Height > maxDim {
		return fmt.Errorf("%w: dimensions %dx%d", models.ErrInvalidHeader, h.Width, h.Height)
	}
	if available < 0 || uint64(h.BodyLength) > uint64(available) {
		return fmt.Errorf("%w: body length %d exceeds %d available bytes", models.ErrInvalidHeader, h.BodyLength, available)
	}
	if layout, ok := LayoutOf(h.PixelFormat, int(h.Width), int(h.Height)); ok {
		if want := layout.Size(); int(h.BodyLength) != want {
			return fmt.Errorf("%w: body length %d, %s %dx%d needs %d", models.ErrInvalidHeader, h.BodyLength, h.PixelFormat, h.Width, h.Height, want)
		}
	}
	return nil
}

// ReadFrame decodes and validates the record at the start of buf and
// returns the header and a view of the body (not a copy).
func ReadFrame(buf []byte, limits Limits) (models.FrameHeader, []byte, error) {
	h, n, err := Decode(buf)
	if err != nil {
		return h, nil, err
	}
	if err := Validate(h, len(buf)-n, limits); err != nil {
		return h, nil, err
	}
	return h, buf[n : n+int(h.BodyLength)], nil
}
