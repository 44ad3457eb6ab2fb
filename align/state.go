package align

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// HistoryCapacity bounds how many alignment runs the tracker retains for
// the history endpoint.
const HistoryCapacity = 128

// StateTracker tracks the latest landmark sets and alignment records per
// frame for the HTTP endpoints, plus a bounded history of recent runs.
type StateTracker struct {
	mu           sync.RWMutex
	landmarks    map[string]*LandmarkSet
	records      map[string]*FrameRecord
	history      *lru.Cache[string, *FrameRecord]
	seq          uint64 // history key counter, guarded by mu
	snapshotPath string // path to the state snapshot file; empty disables persistence
}

// NewStateTracker creates a new state tracker
func NewStateTracker() *StateTracker {
	history, _ := lru.New[string, *FrameRecord](HistoryCapacity)
	return &StateTracker{
		landmarks: make(map[string]*LandmarkSet),
		records:   make(map[string]*FrameRecord),
		history:   history,
	}
}

// NewStateTrackerWithSnapshot creates a state tracker that persists its
// alignment records to the given snapshot file. If the file exists, the
// saved records are loaded on creation.
func NewStateTrackerWithSnapshot(path string) *StateTracker {
	st := NewStateTracker()
	st.snapshotPath = path
	if path != "" {
		if snap, err := LoadStateSnapshot(path); err == nil && snap != nil {
			for id, rec := range snap.Records {
				st.records[id] = rec
			}
		}
	}
	return st
}

// UpdateLandmarks stores the latest landmark set for its frame
func (st *StateTracker) UpdateLandmarks(set *LandmarkSet) {
	if set == nil || set.Frame == "" {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.landmarks[set.Frame] = set
}

// GetLandmarks returns the latest landmark set for a frame, nil if none
func (st *StateTracker) GetLandmarks(frameID string) *LandmarkSet {
	st.mu.RLock()
	defer st.mu.RUnlock()

	set, ok := st.landmarks[frameID]
	if !ok {
		return nil
	}
	out := *set
	out.Landmarks = append([]Landmark(nil), set.Landmarks...)
	return &out
}

// GetAllLandmarks returns the latest landmark set of every tracked frame
func (st *StateTracker) GetAllLandmarks() map[string]*LandmarkSet {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]*LandmarkSet, len(st.landmarks))
	for id, set := range st.landmarks {
		out := *set
		out.Landmarks = append([]Landmark(nil), set.Landmarks...)
		result[id] = &out
	}
	return result
}

// HasLandmarks returns true if at least one frame has reported landmarks
func (st *StateTracker) HasLandmarks() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.landmarks) > 0
}

// TrackedFrames returns the IDs of all frames with landmark data, sorted
func (st *StateTracker) TrackedFrames() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	frames := make([]string, 0, len(st.landmarks))
	for id := range st.landmarks {
		frames = append(frames, id)
	}
	sort.Strings(frames)
	return frames
}

// RecordAlignment stores a completed alignment run as the frame's latest
// record and appends it to the bounded history. When a snapshot path is
// configured the full record state is persisted, with failures logged
// rather than returned.
func (st *StateTracker) RecordAlignment(rec *FrameRecord) {
	if rec == nil || rec.Frame == "" {
		return
	}

	st.mu.Lock()
	st.records[rec.Frame] = rec
	key := fmt.Sprintf("%s#%d", rec.Frame, st.seq)
	st.seq++
	st.history.Add(key, rec)
	snapshotPath := st.snapshotPath
	records := make(map[string]*FrameRecord, len(st.records))
	for id, r := range st.records {
		records[id] = r
	}
	st.mu.Unlock()

	if snapshotPath != "" {
		snap := &StateSnapshot{Records: records, SavedAt: time.Now().Unix()}
		if err := SaveStateSnapshot(snapshotPath, snap); err != nil {
			log.Printf("warning: failed to save state snapshot: %v", err)
		}
	}
}

// GetRecord returns the latest alignment record for a frame, nil if none
func (st *StateTracker) GetRecord(frameID string) *FrameRecord {
	st.mu.RLock()
	defer st.mu.RUnlock()

	rec, ok := st.records[frameID]
	if !ok {
		return nil
	}
	out := *rec
	return &out
}

// GetRecords returns the latest alignment record of every frame
func (st *StateTracker) GetRecords() map[string]*FrameRecord {
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := make(map[string]*FrameRecord, len(st.records))
	for id, rec := range st.records {
		out := *rec
		result[id] = &out
	}
	return result
}

// GetHistory returns the retained alignment runs, oldest first
func (st *StateTracker) GetHistory() []*FrameRecord {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.history.Values()
}

// HistoryLen returns how many alignment runs the history holds
func (st *StateTracker) HistoryLen() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.history.Len()
}

// StateSnapshot is the persisted form of the tracker's alignment records.
type StateSnapshot struct {
	Records map[string]*FrameRecord `json:"records"`
	SavedAt int64                   `json:"savedAt"`
}

// SaveStateSnapshot writes a state snapshot to disk as JSON.
func SaveStateSnapshot(path string, snap *StateSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write state snapshot: %w", err)
	}
	return nil
}

// LoadStateSnapshot reads a state snapshot from a JSON file on disk.
func LoadStateSnapshot(path string) (*StateSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read state snapshot: %w", err)
	}
	var snap StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal state snapshot: %w", err)
	}
	return &snap, nil
}
