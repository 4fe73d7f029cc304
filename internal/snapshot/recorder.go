package snapshot

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"screenrelay/internal/codec"
	"screenrelay/internal/framehub"
	"screenrelay/internal/metrics"
	"screenrelay/internal/storage"
	"screenrelay/pkg/models"
)

// Config configures a Recorder
type Config struct {
	Interval     time.Duration // how often the latest frame is stored
	MaxSnapshots int           // sliding window per session
}

// Recorder periodically archives the most recent decoded frame of a
// capture session. Snapshots are stored as encoded frame records
// (header + packed planes) at <session>/snapshot_<seq>.frame.
type Recorder struct {
	storage storage.Storage
	hub     *framehub.Hub
	metrics *metrics.Metrics

	interval     time.Duration
	maxSnapshots int

	mu      sync.RWMutex
	active  map[string]*sessionRecorder
	indexes map[string]*models.SnapshotIndex
}

// New creates a recorder reading frames from hub
func New(store storage.Storage, hub *framehub.Hub, cfg Config, m *metrics.Metrics) *Recorder {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 10
	}
	return &Recorder{
		storage:      store,
		hub:          hub,
		metrics:      m,
		interval:     cfg.Interval,
		maxSnapshots: cfg.MaxSnapshots,
		active:       make(map[string]*sessionRecorder),
		indexes:      make(map[string]*models.SnapshotIndex),
	}
}

// Start begins recording for a session
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[sessionID]; exists {
		return fmt.Errorf("already recording session %s", sessionID)
	}

	index := &models.SnapshotIndex{
		SessionID:    sessionID,
		MaxSnapshots: r.maxSnapshots,
	}
	sr := &sessionRecorder{
		recorder: r,
		index:    index,
		done:     make(chan struct{}),
	}
	frames, cleanup := r.hub.Subscribe(2)
	sr.cleanup = cleanup

	r.active[sessionID] = sr
	r.indexes[sessionID] = index

	go sr.processFrames(frames)

	log.WithField("session", sessionID).Info("Started snapshot recording")
	return nil
}

// Stop stores the pending frame, if any, and stops recording
func (r *Recorder) Stop(sessionID string) {
	r.mu.Lock()
	sr, exists := r.active[sessionID]
	delete(r.active, sessionID)
	r.mu.Unlock()

	if !exists {
		return
	}

	sr.cleanup()
	<-sr.done
	log.WithField("session", sessionID).Info("Stopped snapshot recording")
}

// Snapshots returns the snapshots currently kept for a session, oldest first
func (r *Recorder) Snapshots(sessionID string) []*models.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index, exists := r.indexes[sessionID]
	if !exists {
		return nil
	}
	out := make([]*models.Snapshot, len(index.Snapshots))
	copy(out, index.Snapshots)
	return out
}

// Latest returns the most recent snapshot of a session
func (r *Recorder) Latest(sessionID string) (*models.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index, exists := r.indexes[sessionID]
	if !exists || index.Latest() == nil {
		return nil, fmt.Errorf("no snapshots for session %s: %w", sessionID, storage.ErrNotFound)
	}
	return index.Latest(), nil
}

// Read returns the stored record of a snapshot
func (r *Recorder) Read(snap *models.Snapshot) ([]byte, error) {
	return r.storage.Read(snap.FilePath)
}

type sessionRecorder struct {
	recorder *Recorder
	index    *models.SnapshotIndex
	cleanup  func()
	done     chan struct{}

	latest  *models.VideoFrame
	pending bool
}

// processFrames keeps a reference to the newest frame and stores it on
// every interval tick
func (sr *sessionRecorder) processFrames(frames <-chan *models.VideoFrame) {
	defer close(sr.done)

	ticker := time.NewTicker(sr.recorder.interval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				// Channel closed, store what we have
				sr.store()
				sr.setLatest(nil)
				return
			}
			sr.setLatest(frame)

		case <-ticker.C:
			sr.store()
		}
	}
}

func (sr *sessionRecorder) setLatest(frame *models.VideoFrame) {
	if sr.latest != nil {
		sr.latest.Release()
	}
	sr.latest = frame
	sr.pending = frame != nil
}

func (sr *sessionRecorder) store() {
	if !sr.pending {
		return
	}
	sr.pending = false

	r := sr.recorder
	frame := sr.latest
	record := codec.Encode(frame.Header, frame.Data)

	r.mu.Lock()
	defer r.mu.Unlock()

	seq := sr.index.Sequence
	sr.index.Sequence++

	path := fmt.Sprintf("%s/snapshot_%d.frame", sr.index.SessionID, seq)
	if err := r.storage.Write(path, record); err != nil {
		log.Printf("Failed to write snapshot %d for session %s: %v", seq, sr.index.SessionID, err)
		return
	}

	evicted := sr.index.AddSnapshot(&models.Snapshot{
		SessionID:   sr.index.SessionID,
		SequenceNum: seq,
		FilePath:    path,
		FileSize:    int64(len(record)),
		Width:       frame.Header.Width,
		Height:      frame.Header.Height,
		CreatedAt:   time.Now(),
	})
	r.metrics.RecordSnapshot(int64(len(record)))

	for _, old := range evicted {
		if err := r.storage.Delete(old.FilePath); err != nil {
			log.Printf("Failed to delete snapshot %s: %v", old.FilePath, err)
			continue
		}
		r.metrics.RecordSnapshotDeleted()
	}

	log.WithFields(log.Fields{"session": sr.index.SessionID, "sequence": seq}).
		Debugf("Stored snapshot (%s, %.2f KB)", frame.Resolution(), float64(len(record))/1024)
}
