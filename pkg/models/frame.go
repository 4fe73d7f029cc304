package models

import (
	"fmt"
	"sync/atomic"
)

// PixelFormat is a FourCC pixel format identifier carried in the frame header
type PixelFormat uint32

const (
	PixelFormatBGRA        PixelFormat = 0x42475241 // 'BGRA'
	PixelFormatNV12Video   PixelFormat = 0x34323076 // '420v' bi-planar 4:2:0, video range
	PixelFormatNV12Full    PixelFormat = 0x34323066 // '420f' bi-planar 4:2:0, full range
	PixelFormatUnspecified PixelFormat = 0
)

// String returns the FourCC code
func (f PixelFormat) String() string {
	b := []byte{byte(f >> 24), byte(f >> 16), byte(f >> 8), byte(f)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(f))
		}
	}
	return string(b)
}

// Orientation follows the EXIF/CGImagePropertyOrientation numbering
type Orientation uint32

const (
	OrientationUp            Orientation = 1
	OrientationUpMirrored    Orientation = 2
	OrientationDown          Orientation = 3
	OrientationDownMirrored  Orientation = 4
	OrientationLeftMirrored  Orientation = 5
	OrientationRight         Orientation = 6
	OrientationRightMirrored Orientation = 7
	OrientationLeft          Orientation = 8
)

// FrameHeader is the fixed-width record written in front of every frame body
type FrameHeader struct {
	DisplayTimeNs uint64      // Monotonic capture/display time in nanoseconds
	PixelFormat   PixelFormat // FourCC
	Width         uint32
	Height        uint32
	Orientation   Orientation
	BodyLength    uint32 // Length of the packed plane bytes that follow
}

// Plane is one image plane as produced by the capture pipeline.
// BytesPerRow may be larger than the packed row size (stride padding).
type Plane struct {
	Data        []byte
	BytesPerRow int
	Rows        int
}

// RawFrame is a frame as it arrives from the recording pipeline
type RawFrame struct {
	PixelFormat PixelFormat
	Width       int
	Height      int
	Orientation Orientation
	Planes      []Plane
}

// VideoFrame is a decoded frame handed to the media pipeline.
// Frames come from a pool: consumers call Release when done and
// Retain before handing the frame to another goroutine.
type VideoFrame struct {
	Header    FrameHeader
	ElapsedNs uint64 // Time since the first frame of the session
	Data      []byte // Packed plane bytes, len == Header.BodyLength

	refs    atomic.Int32
	recycle func(*VideoFrame)
}

// NewVideoFrame allocates a frame with a body buffer of the given size.
// recycle is invoked when the last reference is released (may be nil).
func NewVideoFrame(size int, recycle func(*VideoFrame)) *VideoFrame {
	return &VideoFrame{
		Data:    make([]byte, size),
		recycle: recycle,
	}
}

// Acquire resets the reference count to one; used by pools when handing out a frame
func (f *VideoFrame) Acquire() {
	f.refs.Store(1)
}

// Retain adds a reference
func (f *VideoFrame) Retain() {
	f.refs.Add(1)
}

// Release drops a reference and recycles the frame when none remain
func (f *VideoFrame) Release() {
	if f.refs.Add(-1) == 0 && f.recycle != nil {
		f.recycle(f)
	}
}

// Refs returns the current reference count
func (f *VideoFrame) Refs() int32 {
	return f.refs.Load()
}

// Resolution returns e.g. "1920x1080"
func (f *VideoFrame) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Header.Width, f.Header.Height)
}
