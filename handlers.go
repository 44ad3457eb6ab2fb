package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kwv/framefit/align"
)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *align.StateTracker, registry *align.Registry, config *align.Config, refID string) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := struct {
			Status        string    `json:"status"`
			Timestamp     time.Time `json:"timestamp"`
			TrackedFrames int       `json:"trackedFrames"`
			AlignedFrames int       `json:"alignedFrames"`
		}{
			Status:        "ok",
			Timestamp:     time.Now(),
			TrackedFrames: len(stateTracker.TrackedFrames()),
			AlignedFrames: len(registryFrames(registry)),
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Printf("Error encoding health status: %v", err)
		}
	})

	// Transform registry endpoint: accepted transforms plus the latest
	// published record per frame
	mux.HandleFunc("/transforms", func(w http.ResponseWriter, r *http.Request) {
		resp := struct {
			Status  align.RegistryStatus            `json:"status"`
			Frames  map[string]align.FrameAlignment `json:"frames"`
			Records map[string]*align.FrameRecord   `json:"records"`
		}{
			Status:  registry.GetStatus(stateTracker.TrackedFrames()),
			Frames:  registryFrames(registry),
			Records: stateTracker.GetRecords(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("Error encoding transforms: %v", err)
		}
	})

	// Tracked frames endpoint with per-frame landmark diagnostics
	mux.HandleFunc("/frames", func(w http.ResponseWriter, r *http.Request) {
		frames := stateTracker.TrackedFrames()
		if len(frames) == 0 {
			http.Error(w, "No landmarks available", http.StatusServiceUnavailable)
			return
		}

		diags := make([]align.LandmarkDiagnostics, 0, len(frames))
		for _, id := range frames {
			if set := stateTracker.GetLandmarks(id); set != nil {
				diags = append(diags, align.Diagnose(set))
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(diags); err != nil {
			log.Printf("Error encoding frame diagnostics: %v", err)
		}
	})

	// Alignment history endpoint (most recent runs, oldest first)
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		history := stateTracker.GetHistory()
		resp := struct {
			Count   int                  `json:"count"`
			Records []*align.FrameRecord `json:"records"`
		}{
			Count:   len(history),
			Records: history,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("Error encoding history: %v", err)
		}
	})

	// Merged GeoJSON endpoint: every tracked landmark mapped into the
	// reference frame using the registry transform for its frame
	mux.HandleFunc("/landmarks.geojson", func(w http.ResponseWriter, r *http.Request) {
		sets := stateTracker.GetAllLandmarks()
		if len(sets) == 0 {
			http.Error(w, "No landmarks available", http.StatusServiceUnavailable)
			return
		}

		merged := align.NewFeatureCollection()
		for _, id := range stateTracker.TrackedFrames() {
			set := sets[id]
			if set == nil {
				continue
			}
			fc := align.LandmarkSetToFeatureCollection(set, registry.GetTransform(id))
			for _, f := range fc.Features {
				merged.AddFeature(f)
			}
		}

		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		if err := json.NewEncoder(w).Encode(merged); err != nil {
			log.Printf("Error encoding landmarks GeoJSON: %v", err)
		}
	})

	// One-shot alignment endpoint: accepts paired source and target point
	// sets and returns the fitted transform
	mux.HandleFunc("/align", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req struct {
			Source align.PointSet `json:"source"`
			Target align.PointSet `json:"target"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
			return
		}

		result, err := align.Align(req.Source, req.Target)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := struct {
			*align.AlignmentResult
			RMSE         float64  `json:"rmse"`
			AngleDegrees *float64 `json:"angleDegrees,omitempty"`
		}{
			AlignmentResult: result,
			RMSE:            result.RMSE(),
		}
		if angle, ok := result.Transform.AngleDegrees(); ok {
			resp.AngleDegrees = &angle
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("Error encoding alignment result: %v", err)
		}
	})

	// Default route returns a service descriptor
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		info := struct {
			Service   string   `json:"service"`
			Reference string   `json:"reference,omitempty"`
			Frames    []string `json:"frames,omitempty"`
			Endpoints []string `json:"endpoints"`
		}{
			Service:   "framefit",
			Reference: effectiveReference(registry, refID),
			Frames:    configuredFrames(config),
			Endpoints: []string{
				"/health",
				"/transforms",
				"/frames",
				"/history",
				"/landmarks.geojson",
				"/align",
			},
		}
		if err := json.NewEncoder(w).Encode(info); err != nil {
			log.Printf("Error encoding service info: %v", err)
		}
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// configuredFrames lists frame IDs from the config file
func configuredFrames(config *align.Config) []string {
	if config == nil {
		return nil
	}
	ids := make([]string, 0, len(config.Frames))
	for _, fc := range config.Frames {
		ids = append(ids, fc.ID)
	}
	return ids
}

// registryFrames returns the registry's frame map, never nil
func registryFrames(registry *align.Registry) map[string]align.FrameAlignment {
	if registry == nil || registry.Frames == nil {
		return map[string]align.FrameAlignment{}
	}
	return registry.Frames
}

// effectiveReference prefers the registry's reference frame over the
// one picked at startup
func effectiveReference(registry *align.Registry, refID string) string {
	if registry != nil && registry.ReferenceFrame != "" {
		return registry.ReferenceFrame
	}
	return refID
}
