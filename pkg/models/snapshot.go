package models

import "time"

// Snapshot represents one archived frame of a capture session
type Snapshot struct {
	SessionID   string    // Session this snapshot belongs to
	SequenceNum uint64    // Snapshot sequence number
	FilePath    string    // Path in storage (local dir or GCS prefix)
	FileSize    int64     // Size in bytes
	Width       uint32    // Frame width
	Height      uint32    // Frame height
	CreatedAt   time.Time // When the snapshot was stored
}

// SnapshotIndex keeps the sliding window of snapshots for a session
type SnapshotIndex struct {
	SessionID    string      // Session this index belongs to
	Sequence     uint64      // Next sequence number
	Snapshots    []*Snapshot // Snapshots currently kept
	MaxSnapshots int         // Max snapshots to keep (sliding window)
	LastUpdated  time.Time   // Last time a snapshot was added
}

// AddSnapshot adds a new snapshot and maintains the sliding window.
// It returns the snapshots that fell out of the window so the caller can
// delete them from storage.
func (p *SnapshotIndex) AddSnapshot(snap *Snapshot) []*Snapshot {
	p.Snapshots = append(p.Snapshots, snap)
	p.LastUpdated = time.Now()

	var evicted []*Snapshot
	for p.MaxSnapshots > 0 && len(p.Snapshots) > p.MaxSnapshots {
		evicted = append(evicted, p.Snapshots[0])
		p.Snapshots = p.Snapshots[1:]
	}
	return evicted
}

// Latest returns the most recent snapshot, or nil
func (p *SnapshotIndex) Latest() *Snapshot {
	if len(p.Snapshots) == 0 {
		return nil
	}
	return p.Snapshots[len(p.Snapshots)-1]
}

// SnapshotInfo represents snapshot metadata returned by the API
type SnapshotInfo struct {
	SessionID   string `json:"sessionId"`
	SequenceNum uint64 `json:"sequence"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Resolution  string `json:"resolution"`
	CreatedAt   string `json:"createdAt"`
}

// SnapshotListResponse represents a list of snapshots
type SnapshotListResponse struct {
	Snapshots []SnapshotInfo `json:"snapshots"`
	Total     int            `json:"total"`
}
