package align

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultRegistryPath is the default path for the persisted transform registry
const DefaultRegistryPath = ".transform-registry.json"

// NewRegistry creates an empty registry rooted at the given reference frame
func NewRegistry(referenceFrame string) *Registry {
	return &Registry{
		ReferenceFrame: referenceFrame,
		Frames:         make(map[string]FrameAlignment),
		LastUpdated:    time.Now().Unix(),
	}
}

// LoadRegistry loads the persisted transform registry from a JSON file
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No registry file yet
		}
		return nil, fmt.Errorf("reading registry file: %w", err)
	}

	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing registry file: %w", err)
	}

	return &reg, nil
}

// SaveRegistry saves the transform registry to a JSON file
func SaveRegistry(path string, reg *Registry) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}

	// Update timestamp
	reg.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing registry file: %w", err)
	}

	return nil
}

// GetTransform retrieves the accepted transform for a frame.
// Returns the 2D identity if the frame has no entry yet.
func (r *Registry) GetTransform(frameID string) Transform {
	if r == nil || r.Frames == nil {
		return Identity(2)
	}
	if fa, ok := r.Frames[frameID]; ok {
		return fa.Transform
	}
	return Identity(2)
}

// GetFrameAlignment returns the full registry entry for a frame, nil when absent
func (r *Registry) GetFrameAlignment(frameID string) *FrameAlignment {
	if r == nil || r.Frames == nil {
		return nil
	}
	if fa, ok := r.Frames[frameID]; ok {
		return &fa
	}
	return nil
}

// UpdateFrame records a freshly accepted alignment for a frame.
// The registry's own LastUpdated advances but never regresses.
func (r *Registry) UpdateFrame(frameID string, fa FrameAlignment) {
	if r.Frames == nil {
		r.Frames = make(map[string]FrameAlignment)
	}
	if fa.LastUpdated == 0 {
		fa.LastUpdated = time.Now().Unix()
	}
	r.Frames[frameID] = fa
	if fa.LastUpdated > r.LastUpdated {
		r.LastUpdated = fa.LastUpdated
	}
}

// ShouldRealign reports whether a frame's registration is due for a
// refresh. A frame with no entry or a changed landmark count realigns
// immediately; otherwise the entry must be older than minInterval.
func (r *Registry) ShouldRealign(frameID string, landmarkCount int, minInterval time.Duration) bool {
	if r == nil || r.Frames == nil {
		return true
	}
	fa, ok := r.Frames[frameID]
	if !ok {
		return true
	}
	if fa.LandmarkCount != landmarkCount {
		return true
	}
	return time.Since(time.Unix(fa.LastUpdated, 0)) > minInterval
}

// PruneInvalid drops registry entries whose transforms fail validation and
// returns the IDs it removed, sorted. Bad entries come from hand-edited
// registry files or interrupted writes.
func (r *Registry) PruneInvalid(scaleMin, scaleMax float64) []string {
	if r == nil || len(r.Frames) == 0 {
		return nil
	}
	var removed []string
	for id, fa := range r.Frames {
		if err := ValidateTransform(fa.Transform, scaleMin, scaleMax); err != nil {
			removed = append(removed, id)
			delete(r.Frames, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// RegistryStatus provides status information about the registry
type RegistryStatus struct {
	ReferenceFrame string    `json:"referenceFrame"`
	AlignedFrames  []string  `json:"alignedFrames"`
	MissingFrames  []string  `json:"missingFrames"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

// GetStatus reports which of the expected frames have accepted transforms
func (r *Registry) GetStatus(expectedFrames []string) RegistryStatus {
	status := RegistryStatus{}

	if r == nil {
		status.MissingFrames = expectedFrames
		return status
	}

	status.ReferenceFrame = r.ReferenceFrame
	status.LastUpdated = time.Unix(r.LastUpdated, 0)

	aligned := make(map[string]bool)
	for id := range r.Frames {
		status.AlignedFrames = append(status.AlignedFrames, id)
		aligned[id] = true
	}
	sort.Strings(status.AlignedFrames)

	for _, id := range expectedFrames {
		if !aligned[id] {
			status.MissingFrames = append(status.MissingFrames, id)
		}
	}

	return status
}
