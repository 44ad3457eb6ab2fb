package main

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kwv/framefit/align"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// populatedTracker returns a StateTracker holding landmark sets for two
// frames that share all four landmark names.
func populatedTracker() *align.StateTracker {
	st := align.NewStateTracker()
	st.UpdateLandmarks(createTestSet("cam-a"))

	shifted := createTestSet("cam-b")
	for i := range shifted.Landmarks {
		p := shifted.Landmarks[i].Position
		shifted.Landmarks[i].Position = align.Vector{p[0] + 100, p[1] - 20}
	}
	st.UpdateLandmarks(shifted)
	return st
}

// emptyTracker returns a StateTracker with no landmark data.
func emptyTracker() *align.StateTracker {
	return align.NewStateTracker()
}

// calibratedRegistry returns a registry with cam-a as reference and an
// accepted transform for cam-b.
func calibratedRegistry() *align.Registry {
	reg := align.NewRegistry("cam-a")
	reg.UpdateFrame("cam-a", align.FrameAlignment{
		Transform:     align.Identity(2),
		LandmarkCount: 4,
	})
	tr := align.Identity(2)
	tr.Scale = 2
	tr.Translation = align.Vector{100, -20}
	reg.UpdateFrame("cam-b", align.FrameAlignment{
		Transform:     tr,
		LandmarkCount: 4,
		RMSE:          0.01,
	})
	return reg
}

// ---------------------------------------------------------------------------
// newHTTPServer -- /health
// ---------------------------------------------------------------------------

func TestHealth_NoLandmarks(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), nil, nil, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status        string `json:"status"`
		TrackedFrames int    `json:"trackedFrames"`
		AlignedFrames int    `json:"alignedFrames"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.TrackedFrames != 0 {
		t.Errorf("trackedFrames = %d, want 0 when nothing is tracked", body.TrackedFrames)
	}
	if body.AlignedFrames != 0 {
		t.Errorf("alignedFrames = %d, want 0 with no registry", body.AlignedFrames)
	}
}

func TestHealth_WithLandmarks(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), calibratedRegistry(), nil, "cam-a")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		TrackedFrames int `json:"trackedFrames"`
		AlignedFrames int `json:"alignedFrames"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.TrackedFrames != 2 {
		t.Errorf("trackedFrames = %d, want 2", body.TrackedFrames)
	}
	if body.AlignedFrames != 2 {
		t.Errorf("alignedFrames = %d, want 2", body.AlignedFrames)
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- endpoints that gate on landmark data (503 paths)
// ---------------------------------------------------------------------------

func TestEndpoints_NoLandmarks_503(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), nil, nil, "")

	endpoints := []string{
		"/frames",
		"/landmarks.geojson",
	}

	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, ep, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusServiceUnavailable {
				t.Errorf("%s status = %d, want %d", ep, w.Code, http.StatusServiceUnavailable)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- endpoints that answer even with no landmark data
// ---------------------------------------------------------------------------

func TestEndpoints_AlwaysAvailable(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), nil, nil, "")

	endpoints := []string{
		"/health",
		"/transforms",
		"/history",
		"/",
	}

	for _, ep := range endpoints {
		t.Run(ep, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, ep, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("%s status = %d, want %d, body=%q", ep, w.Code, http.StatusOK, w.Body.String())
			}
		})
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- /transforms
// ---------------------------------------------------------------------------

func TestTransforms_WithRegistry(t *testing.T) {
	st := populatedTracker()
	rmse := 0.01
	st.RecordAlignment(&align.FrameRecord{
		Frame:     "cam-b",
		Reference: "cam-a",
		Transform: align.Identity(2),
		RMSE:      rmse,
	})

	handler := newHTTPServer(st, calibratedRegistry(), nil, "cam-a")
	req := httptest.NewRequest(http.MethodGet, "/transforms", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/transforms status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status  align.RegistryStatus            `json:"status"`
		Frames  map[string]align.FrameAlignment `json:"frames"`
		Records map[string]*align.FrameRecord   `json:"records"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /transforms response: %v", err)
	}
	if body.Status.ReferenceFrame != "cam-a" {
		t.Errorf("status.referenceFrame = %q, want cam-a", body.Status.ReferenceFrame)
	}
	if len(body.Status.MissingFrames) != 0 {
		t.Errorf("status.missingFrames = %v, want none", body.Status.MissingFrames)
	}
	if len(body.Frames) != 2 {
		t.Errorf("frames count = %d, want 2", len(body.Frames))
	}
	if math.Abs(body.Frames["cam-b"].Transform.Scale-2) > 1e-9 {
		t.Errorf("cam-b scale = %g, want 2", body.Frames["cam-b"].Transform.Scale)
	}
	rec, ok := body.Records["cam-b"]
	if !ok {
		t.Fatal("expected a record for cam-b")
	}
	if rec.RMSE != rmse {
		t.Errorf("record rmse = %g, want %g", rec.RMSE, rmse)
	}
}

func TestTransforms_NilRegistry(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), nil, nil, "")
	req := httptest.NewRequest(http.MethodGet, "/transforms", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/transforms status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Status align.RegistryStatus `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /transforms response: %v", err)
	}
	// Both tracked frames lack accepted transforms
	if len(body.Status.MissingFrames) != 2 {
		t.Errorf("status.missingFrames = %v, want both tracked frames", body.Status.MissingFrames)
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- /frames
// ---------------------------------------------------------------------------

func TestFrames_WithLandmarks(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), nil, nil, "")
	req := httptest.NewRequest(http.MethodGet, "/frames", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/frames status = %d, want %d", w.Code, http.StatusOK)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}

	var diags []align.LandmarkDiagnostics
	if err := json.NewDecoder(w.Body).Decode(&diags); err != nil {
		t.Fatalf("failed to decode /frames response: %v", err)
	}
	if len(diags) != 2 {
		t.Fatalf("expected 2 frame diagnostics, got %d", len(diags))
	}
	// TrackedFrames sorts, so cam-a comes first
	if diags[0].Frame != "cam-a" || diags[1].Frame != "cam-b" {
		t.Errorf("frames = %s, %s, want cam-a, cam-b", diags[0].Frame, diags[1].Frame)
	}
	if diags[0].Count != 4 {
		t.Errorf("cam-a count = %d, want 4", diags[0].Count)
	}
	if diags[0].Dim != 2 {
		t.Errorf("cam-a dim = %d, want 2", diags[0].Dim)
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- /history
// ---------------------------------------------------------------------------

func TestHistory_Empty(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), nil, nil, "")
	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/history status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /history response: %v", err)
	}
	if body.Count != 0 {
		t.Errorf("count = %d, want 0", body.Count)
	}
}

func TestHistory_AfterAlignments(t *testing.T) {
	st := populatedTracker()
	for i := 0; i < 3; i++ {
		st.RecordAlignment(&align.FrameRecord{
			Frame:     "cam-b",
			Reference: "cam-a",
			Transform: align.Identity(2),
		})
	}

	handler := newHTTPServer(st, nil, nil, "")
	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	var body struct {
		Count   int                  `json:"count"`
		Records []*align.FrameRecord `json:"records"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /history response: %v", err)
	}
	// Every run lands in the history, not just the latest per frame
	if body.Count != 3 {
		t.Errorf("count = %d, want 3", body.Count)
	}
	if len(body.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(body.Records))
	}
	if body.Records[0].Frame != "cam-b" {
		t.Errorf("records[0].frame = %q, want cam-b", body.Records[0].Frame)
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- /landmarks.geojson
// ---------------------------------------------------------------------------

func TestLandmarksGeoJSON_MergesFrames(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), calibratedRegistry(), nil, "cam-a")
	req := httptest.NewRequest(http.MethodGet, "/landmarks.geojson", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/landmarks.geojson status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/geo+json")
	}

	var fc align.FeatureCollection
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("failed to decode GeoJSON: %v", err)
	}
	if fc.Type != "FeatureCollection" {
		t.Errorf("type = %q, want FeatureCollection", fc.Type)
	}
	if len(fc.Features) != 8 {
		t.Fatalf("expected 8 features (4 per frame), got %d", len(fc.Features))
	}

	frames := make(map[string]int)
	for _, f := range fc.Features {
		if frame, ok := f.Properties["frame"].(string); ok {
			frames[frame]++
		}
	}
	if frames["cam-a"] != 4 || frames["cam-b"] != 4 {
		t.Errorf("features per frame = %v, want 4 of each", frames)
	}
}

func TestLandmarksGeoJSON_AppliesRegistryTransform(t *testing.T) {
	handler := newHTTPServer(populatedTracker(), calibratedRegistry(), nil, "cam-a")
	req := httptest.NewRequest(http.MethodGet, "/landmarks.geojson", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	var fc align.FeatureCollection
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("failed to decode GeoJSON: %v", err)
	}

	// cam-b's "door" is tracked at (100, -20); the registry transform is
	// scale 2 plus translation (100, -20), so it maps to (300, -60)
	for _, f := range fc.Features {
		if f.Properties["frame"] != "cam-b" || f.Properties["name"] != "door" {
			continue
		}
		var coords []float64
		if err := json.Unmarshal(f.Geometry.Coordinates, &coords); err != nil {
			t.Fatalf("failed to decode coordinates: %v", err)
		}
		if math.Abs(coords[0]-300) > 1e-9 || math.Abs(coords[1]+60) > 1e-9 {
			t.Errorf("cam-b door mapped to (%g, %g), want (300, -60)", coords[0], coords[1])
		}
		return
	}
	t.Fatal("cam-b door feature not found")
}

// ---------------------------------------------------------------------------
// newHTTPServer -- POST /align
// ---------------------------------------------------------------------------

func TestAlignEndpoint_Fit(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), nil, nil, "")
	body := `{"source": [[0, 0], [4, 0], [4, 3]], "target": [[0, 0], [8, 0], [8, 6]]}`
	req := httptest.NewRequest(http.MethodPost, "/align", strings.NewReader(body))
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/align status = %d, want %d, body=%q", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Transform    align.Transform `json:"transform"`
		Transformed  align.PointSet  `json:"transformedSource"`
		Residuals    align.PointSet  `json:"residuals"`
		RMSE         float64         `json:"rmse"`
		AngleDegrees *float64        `json:"angleDegrees"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode /align response: %v", err)
	}
	if math.Abs(resp.Transform.Scale-2) > 1e-9 {
		t.Errorf("scale = %g, want 2", resp.Transform.Scale)
	}
	if resp.RMSE > 1e-9 {
		t.Errorf("rmse = %g, want 0 for an exact fit", resp.RMSE)
	}
	if len(resp.Transformed) != 3 {
		t.Errorf("transformedSource has %d points, want 3", len(resp.Transformed))
	}
	if resp.AngleDegrees == nil {
		t.Error("expected angleDegrees for a 2D fit")
	} else if math.Abs(*resp.AngleDegrees) > 1e-9 {
		t.Errorf("angleDegrees = %g, want 0", *resp.AngleDegrees)
	}
}

func TestAlignEndpoint_Errors(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), nil, nil, "")

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{
			name:     "invalid json",
			body:     "{not json",
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "too few points",
			body:     `{"source": [[1, 1]], "target": [[2, 2]]}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "mismatched lengths",
			body:     `{"source": [[0, 0], [1, 0]], "target": [[0, 0], [1, 0], [2, 0]]}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "coincident points",
			body:     `{"source": [[5, 5], [5, 5]], "target": [[0, 0], [1, 1]]}`,
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/align", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d, body=%q", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

func TestAlignEndpoint_MethodNotAllowed(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), nil, nil, "")
	req := httptest.NewRequest(http.MethodGet, "/align", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /align status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

// ---------------------------------------------------------------------------
// newHTTPServer -- default route
// ---------------------------------------------------------------------------

func TestRoot_ServiceDescriptor(t *testing.T) {
	cfg := &align.Config{
		Frames: []align.FrameConfig{
			{ID: "cam-a", Topic: "frames/cam-a/landmarks"},
			{ID: "cam-b", Topic: "frames/cam-b/landmarks"},
		},
	}
	handler := newHTTPServer(emptyTracker(), calibratedRegistry(), cfg, "")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("/ status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Service   string   `json:"service"`
		Reference string   `json:"reference"`
		Frames    []string `json:"frames"`
		Endpoints []string `json:"endpoints"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode / response: %v", err)
	}
	if body.Service != "framefit" {
		t.Errorf("service = %q, want framefit", body.Service)
	}
	if body.Reference != "cam-a" {
		t.Errorf("reference = %q, want cam-a from the registry", body.Reference)
	}
	if len(body.Frames) != 2 {
		t.Errorf("frames = %v, want the 2 configured IDs", body.Frames)
	}
	found := false
	for _, ep := range body.Endpoints {
		if ep == "/align" {
			found = true
		}
	}
	if !found {
		t.Errorf("endpoints = %v, missing /align", body.Endpoints)
	}
}

func TestRoot_UnknownPath404(t *testing.T) {
	handler := newHTTPServer(emptyTracker(), nil, nil, "")
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ---------------------------------------------------------------------------
// effectiveReference
// ---------------------------------------------------------------------------

func TestEffectiveReference(t *testing.T) {
	tests := []struct {
		name     string
		registry *align.Registry
		refID    string
		want     string
	}{
		{
			name:     "registry wins",
			registry: align.NewRegistry("cam-reg"),
			refID:    "cam-flag",
			want:     "cam-reg",
		},
		{
			name:     "falls back to refID",
			registry: align.NewRegistry(""),
			refID:    "cam-flag",
			want:     "cam-flag",
		},
		{
			name:     "nil registry",
			registry: nil,
			refID:    "cam-flag",
			want:     "cam-flag",
		},
		{
			name:     "nothing set",
			registry: nil,
			refID:    "",
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := effectiveReference(tt.registry, tt.refID); got != tt.want {
				t.Errorf("effectiveReference() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// registryFrames / configuredFrames
// ---------------------------------------------------------------------------

func TestRegistryFrames_NilSafe(t *testing.T) {
	if frames := registryFrames(nil); frames == nil {
		t.Error("registryFrames(nil) should return an empty map, not nil")
	}
	if frames := registryFrames(&align.Registry{}); frames == nil {
		t.Error("registryFrames with nil Frames should return an empty map")
	}

	reg := calibratedRegistry()
	if frames := registryFrames(reg); len(frames) != 2 {
		t.Errorf("expected 2 frames, got %d", len(frames))
	}
}

func TestConfiguredFrames(t *testing.T) {
	if ids := configuredFrames(nil); ids != nil {
		t.Errorf("configuredFrames(nil) = %v, want nil", ids)
	}

	cfg := &align.Config{
		Frames: []align.FrameConfig{
			{ID: "cam-a"},
			{ID: "cam-b"},
		},
	}
	ids := configuredFrames(cfg)
	if len(ids) != 2 || ids[0] != "cam-a" || ids[1] != "cam-b" {
		t.Errorf("configuredFrames = %v, want [cam-a cam-b]", ids)
	}
}
