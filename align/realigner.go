package align

import (
	"fmt"
	"log"
	"sync"
	"time"
)

const (
	// DefaultMinRealignInterval is the minimum time between automatic
	// realignments of the same frame (debounce).
	DefaultMinRealignInterval = 1 * time.Minute
)

// Realigner orchestrates automatic re-registration when a frame's landmarks
// update. It debounces frequent updates, optionally fetches fresh landmarks
// from the frame's HTTP API, aligns against the reference frame, and persists
// and publishes the accepted transform.
type Realigner struct {
	config       *Config
	registry     *Registry
	registryPath string
	stateTracker *StateTracker
	publisher    *Publisher

	mu          sync.Mutex
	lastAligned map[string]time.Time
	minInterval time.Duration
}

// NewRealigner creates a Realigner ready to handle landmark updates.
// publisher may be nil when MQTT is disabled; registryPath may be empty to
// keep the registry in memory only.
func NewRealigner(config *Config, registry *Registry, registryPath string, st *StateTracker, pub *Publisher) *Realigner {
	if registry == nil {
		registry = NewRegistry("")
	}
	return &Realigner{
		config:       config,
		registry:     registry,
		registryPath: registryPath,
		stateTracker: st,
		publisher:    pub,
		lastAligned:  make(map[string]time.Time),
		minInterval:  DefaultMinRealignInterval,
	}
}

// OnLandmarkUpdate is called by the app layer after a frame's landmark set is
// stored in the state tracker. It is safe to call from any goroutine.
func (ra *Realigner) OnLandmarkUpdate(frameID string) {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	log.Printf("[REALIGN] Landmark update received for %s", frameID)

	// --- Step 1: Debounce ---
	if last, ok := ra.lastAligned[frameID]; ok {
		if time.Since(last) < ra.minInterval {
			log.Printf("[REALIGN] %s: skipping, last aligned %s ago (min interval %s)",
				frameID, time.Since(last).Round(time.Second), ra.minInterval)
			return
		}
	}

	// --- Step 2: Optionally refresh landmarks from the frame's API ---
	if ra.config != nil {
		if fc := ra.config.GetFrameByID(frameID); fc != nil && fc.ApiURL != nil && *fc.ApiURL != "" {
			log.Printf("[REALIGN] %s: fetching landmarks from %s", frameID, *fc.ApiURL)
			fresh, err := FetchLandmarksFromAPI(*fc.ApiURL, WithFrame(frameID))
			if err != nil {
				log.Printf("[REALIGN] %s: failed to fetch landmarks: %v (using tracked set)", frameID, err)
			} else {
				fresh.Frame = frameID
				ra.stateTracker.UpdateLandmarks(fresh)
			}
		}
	}

	// --- Step 3: Get the frame's landmark set ---
	set := ra.stateTracker.GetLandmarks(frameID)
	if set == nil || set.Len() < 2 {
		log.Printf("[REALIGN] %s: not enough landmarks tracked (%d), skipping", frameID, set.Len())
		return
	}

	// Registry-level debounce covers restarts. A changed landmark count
	// forces a run regardless of the interval.
	if !ra.registry.ShouldRealign(frameID, set.Len(), ra.minInterval) {
		log.Printf("[REALIGN] %s: skipping, registry entry is fresh", frameID)
		return
	}

	// --- Step 4: Determine reference frame ---
	referenceID := ra.resolveReference()
	if referenceID == "" {
		log.Printf("[REALIGN] %s: no reference frame available, skipping", frameID)
		return
	}

	// If the updated frame IS the reference, it maps to itself.
	if frameID == referenceID {
		log.Printf("[REALIGN] %s: is the reference frame, updating identity entry", frameID)
		now := time.Now().Unix()
		ra.registry.ReferenceFrame = referenceID
		ra.registry.UpdateFrame(frameID, FrameAlignment{
			Transform:     Identity(set.Dim()),
			LastUpdated:   now,
			LandmarkCount: set.Len(),
		})

		rec := &FrameRecord{
			Frame:         frameID,
			Reference:     referenceID,
			Transform:     Identity(set.Dim()),
			LandmarkCount: set.Len(),
			AlignedAt:     now,
		}
		if angle, ok := rec.Transform.AngleDegrees(); ok {
			rec.AngleDegrees = &angle
		}
		ra.persistAndRecord(rec)
		return
	}

	// --- Step 5: Get reference landmarks ---
	refSet := ra.stateTracker.GetLandmarks(referenceID)
	if refSet == nil {
		log.Printf("[REALIGN] %s: reference frame %s has no landmarks, skipping", frameID, referenceID)
		return
	}

	// --- Step 6: Align against the reference ---
	log.Printf("[REALIGN] %s: aligning %d landmarks against reference %s", frameID, set.Len(), referenceID)
	la, err := AlignLandmarks(set, refSet, ra.minCommon())
	if err != nil {
		log.Printf("[REALIGN] %s: alignment failed: %v (preserving existing entry)", frameID, err)
		return
	}
	result := la.Result
	log.Printf("[REALIGN] %s: fit over %d shared landmarks: scale=%.4f rmse=%.4f",
		frameID, len(la.Names), result.Transform.Scale, result.RMSE())

	// --- Step 7: Sanity-check the fit ---
	scaleMin, scaleMax := ra.scaleBounds()
	if err := ValidateTransform(result.Transform, scaleMin, scaleMax); err != nil {
		log.Printf("[REALIGN] %s: rejecting fit: %v (preserving existing entry)", frameID, err)
		return
	}

	// --- Step 8: Update registry and publish ---
	now := time.Now().Unix()
	ra.registry.ReferenceFrame = referenceID
	ra.registry.UpdateFrame(frameID, FrameAlignment{
		Transform:     result.Transform,
		LastUpdated:   now,
		LandmarkCount: set.Len(),
		RMSE:          result.RMSE(),
	})

	rec := &FrameRecord{
		Frame:         frameID,
		Reference:     referenceID,
		Transform:     result.Transform,
		RMSE:          result.RMSE(),
		LandmarkCount: len(la.Names),
		AlignedAt:     now,
	}
	if angle, ok := result.Transform.AngleDegrees(); ok {
		rec.AngleDegrees = &angle
	}

	ra.persistAndRecord(rec)
}

// GetRegistry returns the current registry (for use by the app layer).
func (ra *Realigner) GetRegistry() *Registry {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.registry
}

// resolveReference determines the reference frame ID from config, registry,
// or auto-selection over the tracked landmark sets.
func (ra *Realigner) resolveReference() string {
	return GetEffectiveReference(ra.config, ra.registry, ra.stateTracker.GetAllLandmarks())
}

// minCommon returns the configured shared-landmark threshold.
func (ra *Realigner) minCommon() int {
	if ra.config != nil && ra.config.MinCommonLandmarks > 0 {
		return ra.config.MinCommonLandmarks
	}
	return DefaultMinCommonLandmarks
}

// scaleBounds returns the configured scale sanity bounds.
func (ra *Realigner) scaleBounds() (float64, float64) {
	if ra.config != nil && ra.config.ScaleMin > 0 && ra.config.ScaleMax > 0 {
		return ra.config.ScaleMin, ra.config.ScaleMax
	}
	return DefaultScaleMin, DefaultScaleMax
}

// persistAndRecord saves the registry, stamps the in-memory debounce
// timestamp, records the run in the state tracker, and publishes the record.
func (ra *Realigner) persistAndRecord(rec *FrameRecord) {
	if ra.registryPath != "" {
		if err := SaveRegistry(ra.registryPath, ra.registry); err != nil {
			log.Printf("[REALIGN] %s: failed to save registry: %v", rec.Frame, err)
		} else {
			log.Printf("[REALIGN] %s: registry saved to %s", rec.Frame, ra.registryPath)
		}
	}
	ra.lastAligned[rec.Frame] = time.Now()
	ra.stateTracker.RecordAlignment(rec)
	if ra.publisher != nil {
		if err := ra.publisher.PublishRecord(rec); err != nil {
			log.Printf("[REALIGN] %s: failed to publish record: %v", rec.Frame, err)
		}
	}
	log.Printf("[REALIGN] %s: realignment complete", rec.Frame)
}

// String implements fmt.Stringer for debug logging.
func (ra *Realigner) String() string {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return fmt.Sprintf("Realigner{registryPath=%s, frames=%d, lastAligned=%d}",
		ra.registryPath, len(ra.registry.Frames), len(ra.lastAligned))
}
