package receiver

import (
	"sync"

	"screenrelay/pkg/models"
)

// DefaultPoolSize is the number of idle frames kept for reuse
const DefaultPoolSize = 3

type poolKey struct {
	width  uint32
	height uint32
	format models.PixelFormat
	size   uint32
}

// Pool recycles decoded frames of one (width, height, format) shape. When
// the shape changes the free list is dropped and frames released later
// from the old shape are discarded.
type Pool struct {
	size int

	mu         sync.Mutex
	key        poolKey
	free       chan *models.VideoFrame
	generation uint64
	allocated  uint64
}

// NewPool creates a pool keeping up to size idle frames
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{size: size}
}

// Get returns a frame with a body of h.BodyLength bytes and one reference
func (p *Pool) Get(h models.FrameHeader) *models.VideoFrame {
	key := poolKey{width: h.Width, height: h.Height, format: h.PixelFormat, size: h.BodyLength}

	p.mu.Lock()
	if p.free == nil || key != p.key {
		p.key = key
		p.free = make(chan *models.VideoFrame, p.size)
		p.generation++
	}
	free, generation := p.free, p.generation
	p.mu.Unlock()

	select {
	case frame := <-free:
		frame.Acquire()
		return frame
	default:
	}

	p.mu.Lock()
	p.allocated++
	p.mu.Unlock()

	frame := models.NewVideoFrame(int(h.BodyLength), func(f *models.VideoFrame) {
		p.put(f, generation)
	})
	frame.Acquire()
	return frame
}

func (p *Pool) put(frame *models.VideoFrame, generation uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if generation != p.generation {
		return
	}
	select {
	case p.free <- frame:
	default:
	}
}

// Allocated counts frames created because the free list was empty
func (p *Pool) Allocated() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}
