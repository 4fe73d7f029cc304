package storage

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	fpsKey       = "fps.msgpack"
	keepAliveKey = "keepalive.msgpack"
)

type fpsValue struct {
	FPS uint `msgpack:"fps"`
}

type keepAliveValue struct {
	At  time.Time `msgpack:"at"`
	PID int       `msgpack:"pid"`
}

// SharedDefaults is the small typed key/value store both processes read
// from the shared container: the negotiated frame rate and the host's
// keep-alive timestamp.
type SharedDefaults struct {
	store Storage
}

// NewSharedDefaults stores values in store. Use a LocalStorage rooted in
// the shared container.
func NewSharedDefaults(store Storage) *SharedDefaults {
	return &SharedDefaults{store: store}
}

// SetFPS persists the frame rate for the next capture
func (d *SharedDefaults) SetFPS(fps uint) error {
	return d.put(fpsKey, fpsValue{FPS: fps})
}

// FPS returns the persisted frame rate; ok is false if none is set
func (d *SharedDefaults) FPS() (fps uint, ok bool, err error) {
	var v fpsValue
	ok, err = d.get(fpsKey, &v)
	return v.FPS, ok, err
}

// ClearFPS removes the persisted frame rate
func (d *SharedDefaults) ClearFPS() error {
	return d.store.Delete(fpsKey)
}

// SetKeepAlive records the host heartbeat time
func (d *SharedDefaults) SetKeepAlive(at time.Time) error {
	return d.put(keepAliveKey, keepAliveValue{At: at, PID: os.Getpid()})
}

// KeepAlive returns the last heartbeat time; ok is false if none is recorded
func (d *SharedDefaults) KeepAlive() (at time.Time, ok bool, err error) {
	var v keepAliveValue
	ok, err = d.get(keepAliveKey, &v)
	return v.At, ok, err
}

// ClearKeepAlive removes the heartbeat record
func (d *SharedDefaults) ClearKeepAlive() error {
	return d.store.Delete(keepAliveKey)
}

func (d *SharedDefaults) put(key string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := d.store.Write(key, data); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

func (d *SharedDefaults) get(key string, v any) (bool, error) {
	data, err := d.store.Read(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}
