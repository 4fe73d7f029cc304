package liveness

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu     sync.Mutex
	at     time.Time
	ok     bool
	writes int
	err    error
}

func (s *memoryStore) SetKeepAlive(at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at, s.ok = at, true
	s.writes++
	return nil
}

func (s *memoryStore) KeepAlive() (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at, s.ok, s.err
}

func (s *memoryStore) ClearKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at, s.ok = time.Time{}, false
	return nil
}

func (s *memoryStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func TestIsStale(t *testing.T) {
	now := time.Now()
	p := DefaultPolicy

	assert.True(t, IsStale(time.Time{}, false, now, p), "absent")
	assert.False(t, IsStale(now.Add(-time.Second), true, now, p))
	assert.False(t, IsStale(now.Add(-5*time.Second), true, now, p), "exactly at the limit")
	assert.True(t, IsStale(now.Add(-6*time.Second), true, now, p), "stale record")
}

func TestHeartbeatWritesImmediatelyAndRepeatedly(t *testing.T) {
	store := &memoryStore{}
	h := NewHeartbeat(store, 10*time.Millisecond, nil)

	h.Start()
	h.Start()
	assert.True(t, h.Running())
	assert.GreaterOrEqual(t, store.writeCount(), 1, "first write happens in Start")

	require.Eventually(t, func() bool { return store.writeCount() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop())
	assert.False(t, h.Running())
	_, ok, _ := store.KeepAlive()
	assert.False(t, ok, "record cleared on stop")

	require.NoError(t, h.Stop())
}

func TestMonitorAlive(t *testing.T) {
	store := &memoryStore{}
	m := NewMonitor(store, DefaultPolicy, nil, nil)
	assert.False(t, m.Alive(), "no record")

	require.NoError(t, store.SetKeepAlive(time.Now()))
	assert.True(t, m.Alive())

	require.NoError(t, store.SetKeepAlive(time.Now().Add(-time.Minute)))
	assert.False(t, m.Alive())

	store.err = errors.New("disk gone")
	assert.False(t, m.Alive())
}

func TestMonitorDetectsStaleRecord(t *testing.T) {
	store := &memoryStore{}
	require.NoError(t, store.SetKeepAlive(time.Now()))

	var dead atomic.Int32
	m := NewMonitor(store, Policy{Interval: 5 * time.Millisecond, Multiplier: 2}, func() { dead.Add(1) }, nil)
	m.Start()
	defer m.Stop()

	// The host stops refreshing; after 2 intervals the record is stale.
	require.Eventually(t, func() bool { return dead.Load() == 1 }, 2*time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), dead.Load(), "onDead fires once")
}

func TestMonitorStaysQuietWhileHeartbeatRuns(t *testing.T) {
	store := &memoryStore{}
	h := NewHeartbeat(store, 5*time.Millisecond, nil)
	h.Start()
	defer h.Stop()

	var dead atomic.Int32
	m := NewMonitor(store, Policy{Interval: 5 * time.Millisecond, Multiplier: 10}, func() { dead.Add(1) }, nil)
	m.Start()
	time.Sleep(100 * time.Millisecond)
	m.Stop()
	m.Stop()

	assert.Zero(t, dead.Load())
}
