// Package shm implements the shared frame buffer: a fixed-capacity file in
// the shared container mapped MAP_SHARED by both processes.
package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"screenrelay/pkg/models"
)

// Buffer is a memory-mapped region backed by a file.
//
// There is no synchronization between processes: a reader may observe a
// partially written record and must validate what it reads. Within a
// process a Buffer is owned by one goroutine; the slice returned by Read is
// only valid until Close.
type Buffer struct {
	path     string
	capacity int

	mu     sync.Mutex
	file   *os.File
	data   []byte
	closed bool
}

// Create creates (or truncates) the file at path, sizes it to capacity and
// maps it. The region starts zero-filled. Failing to create or map the file
// yields models.ErrNoConnection.
func Create(path string, capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("shm: invalid capacity %d", capacity)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %v: %w", err, models.ErrNoConnection)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer file: %v: %w", err, models.ErrNoConnection)
	}

	if err := file.Truncate(int64(capacity)); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size buffer file: %v: %w", err, models.ErrNoConnection)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to map buffer file: %v: %w", err, models.ErrNoConnection)
	}

	log.WithFields(log.Fields{"path": path, "capacity": capacity}).Debug("Created shared frame buffer")

	return &Buffer{
		path:     path,
		capacity: capacity,
		file:     file,
		data:     data,
	}, nil
}

// Open maps an existing buffer at its current size. A missing or empty file
// means the creating side is not there and yields models.ErrNoConnection.
func Open(path string) (*Buffer, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer %s: %v: %w", path, err, models.ErrNoConnection)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat buffer %s: %v: %w", path, err, models.ErrNoConnection)
	}
	size := int(info.Size())
	if size <= 0 {
		file.Close()
		return nil, fmt.Errorf("buffer %s is empty: %w", path, models.ErrNoConnection)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to map buffer %s: %v: %w", path, err, models.ErrNoConnection)
	}

	return &Buffer{
		path:     path,
		capacity: size,
		file:     file,
		data:     data,
	}, nil
}

// Path returns the backing file path
func (b *Buffer) Path() string {
	return b.path
}

// Capacity returns the mapped size in bytes
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Write copies p to the start of the region. It returns false, leaving the
// region untouched, if p does not fit or the buffer is closed.
func (b *Buffer) Write(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(p) > b.capacity {
		return false
	}
	copy(b.data, p)
	return true
}

// Read returns the whole mapped region without copying, or nil once closed
func (b *Buffer) Read() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	return b.data
}

// Close unmaps the region and closes the file. Safe to call more than once.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var result *multierror.Error
	if err := unix.Munmap(b.data); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to unmap buffer: %w", err))
	}
	b.data = nil
	if err := b.file.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to close buffer file: %w", err))
	}
	return result.ErrorOrNil()
}

// Destroy closes the buffer and removes the backing file
func (b *Buffer) Destroy() error {
	var result *multierror.Error
	if err := b.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, fmt.Errorf("failed to remove buffer file: %w", err))
	}

	log.WithField("path", b.path).Debug("Destroyed shared frame buffer")
	return result.ErrorOrNil()
}
