package align

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// LoadRegistry
// ---------------------------------------------------------------------------

func TestLoadRegistry_NotExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "no-such-file.json")

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("expected nil error for missing file, got: %v", err)
	}
	if reg != nil {
		t.Fatal("expected nil Registry for missing file")
	}
}

func TestLoadRegistry_ValidFile(t *testing.T) {
	want := &Registry{
		ReferenceFrame: "cam-a",
		Frames: map[string]FrameAlignment{
			"cam-a": {Transform: Identity(2), LastUpdated: 1700000000, LandmarkCount: 6},
			"cam-b": {
				Transform: Transform{
					Scale:       0.8,
					Rotation:    Matrix{{0, -1}, {1, 0}},
					Translation: Vector{100, 200},
				},
				LastUpdated:   1700000000,
				LandmarkCount: 4,
				RMSE:          0.25,
			},
		},
		LastUpdated: 1700000000,
	}

	data, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	got, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if got == nil {
		t.Fatal("expected non-nil Registry")
	}
	if got.ReferenceFrame != want.ReferenceFrame {
		t.Errorf("ReferenceFrame = %q, want %q", got.ReferenceFrame, want.ReferenceFrame)
	}
	if len(got.Frames) != 2 {
		t.Errorf("len(Frames) = %d, want 2", len(got.Frames))
	}
	camB := got.Frames["cam-b"]
	if camB.Transform.Scale != 0.8 {
		t.Errorf("cam-b.Transform.Scale = %g, want 0.8", camB.Transform.Scale)
	}
	if camB.RMSE != 0.25 {
		t.Errorf("cam-b.RMSE = %g, want 0.25", camB.RMSE)
	}
	if camB.LandmarkCount != 4 {
		t.Errorf("cam-b.LandmarkCount = %d, want 4", camB.LandmarkCount)
	}
}

func TestLoadRegistry_LegacyFormat(t *testing.T) {
	// Simulate old registry files where Frames was map[string]Transform
	legacy := `{
		"referenceFrame": "cam-a",
		"frames": {
			"cam-a": {"scale":1,"rotation":[[1,0],[0,1]],"translation":[0,0]},
			"cam-b": {"scale":0.5,"rotation":[[0,-1],[1,0]],"translation":[100,200]}
		},
		"lastUpdated": 1700000000
	}`

	path := filepath.Join(t.TempDir(), "legacy.json")
	if err := os.WriteFile(path, []byte(legacy), 0644); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	got, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry (legacy): %v", err)
	}
	if got == nil {
		t.Fatal("expected non-nil Registry from legacy format")
	}
	if got.ReferenceFrame != "cam-a" {
		t.Errorf("ReferenceFrame = %q, want %q", got.ReferenceFrame, "cam-a")
	}
	if len(got.Frames) != 2 {
		t.Errorf("len(Frames) = %d, want 2", len(got.Frames))
	}
	// Verify the transform was migrated correctly
	camB := got.Frames["cam-b"]
	if camB.Transform.Scale != 0.5 {
		t.Errorf("cam-b.Transform.Scale = %g, want 0.5", camB.Transform.Scale)
	}
	if !vectorsEqual(camB.Transform.Translation, Vector{100, 200}) {
		t.Errorf("cam-b.Transform.Translation = %v, want [100 200]", camB.Transform.Translation)
	}
	// Legacy entries inherit the global LastUpdated
	if camB.LastUpdated != 1700000000 {
		t.Errorf("cam-b.LastUpdated = %d, want 1700000000", camB.LastUpdated)
	}
}

func TestLoadRegistry_CorruptJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.json")
	if err := os.WriteFile(path, []byte("{not valid json!!!"), 0644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	_, err := LoadRegistry(path)
	if err == nil {
		t.Fatal("expected error for corrupt JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// SaveRegistry
// ---------------------------------------------------------------------------

func TestSaveRegistry(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir") // nested -- MkdirAll must fire
	path := filepath.Join(dir, "registry.json")

	before := time.Now().Unix()
	reg := NewRegistry("cam-a")
	reg.UpdateFrame("cam-a", FrameAlignment{Transform: Identity(2), LandmarkCount: 5})
	reg.LastUpdated = 0 // should be overwritten

	if err := SaveRegistry(path, reg); err != nil {
		t.Fatalf("SaveRegistry: %v", err)
	}
	after := time.Now().Unix()

	// Timestamp must have been updated by SaveRegistry
	if reg.LastUpdated < before || reg.LastUpdated > after {
		t.Errorf("LastUpdated = %d, want between %d and %d", reg.LastUpdated, before, after)
	}

	// Round-trip: load back and verify
	loaded, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry after save: %v", err)
	}
	if loaded.ReferenceFrame != "cam-a" {
		t.Errorf("ReferenceFrame = %q, want %q", loaded.ReferenceFrame, "cam-a")
	}
	if _, ok := loaded.Frames["cam-a"]; !ok {
		t.Error("cam-a missing from loaded Frames")
	}
}

// ---------------------------------------------------------------------------
// Registry.GetTransform
// ---------------------------------------------------------------------------

func TestRegistry_GetTransform(t *testing.T) {
	scaled := Transform{Scale: 2, Rotation: IdentityMatrix(2), Translation: Vector{50, 75}}
	reg := &Registry{
		Frames: map[string]FrameAlignment{
			"cam-a": {Transform: Identity(2)},
			"cam-b": {Transform: scaled},
		},
	}

	t.Run("nil receiver", func(t *testing.T) {
		var nilReg *Registry
		got := nilReg.GetTransform("anything")
		if got.Scale != 1 || !matricesEqual(got.Rotation, IdentityMatrix(2)) {
			t.Errorf("nil receiver: got %+v, want identity", got)
		}
	})

	t.Run("missing frame ID", func(t *testing.T) {
		got := reg.GetTransform("does-not-exist")
		if got.Scale != 1 || !vectorsEqual(got.Translation, Vector{0, 0}) {
			t.Errorf("missing ID: got %+v, want identity", got)
		}
	})

	t.Run("present frame ID", func(t *testing.T) {
		got := reg.GetTransform("cam-b")
		if got.Scale != 2 || !vectorsEqual(got.Translation, Vector{50, 75}) {
			t.Errorf("cam-b: got %+v, want %+v", got, scaled)
		}
	})

	t.Run("nil Frames map", func(t *testing.T) {
		nilMap := &Registry{Frames: nil}
		got := nilMap.GetTransform("cam-a")
		if got.Scale != 1 {
			t.Errorf("nil Frames map: got %+v, want identity", got)
		}
	})
}

// ---------------------------------------------------------------------------
// Registry.GetFrameAlignment
// ---------------------------------------------------------------------------

func TestRegistry_GetFrameAlignment(t *testing.T) {
	t.Run("nil receiver", func(t *testing.T) {
		var nilReg *Registry
		if nilReg.GetFrameAlignment("cam-a") != nil {
			t.Error("nil receiver should return nil")
		}
	})

	t.Run("missing frame", func(t *testing.T) {
		reg := &Registry{Frames: map[string]FrameAlignment{}}
		if reg.GetFrameAlignment("cam-a") != nil {
			t.Error("missing frame should return nil")
		}
	})

	t.Run("present frame", func(t *testing.T) {
		reg := &Registry{
			Frames: map[string]FrameAlignment{
				"cam-a": {Transform: Identity(2), LandmarkCount: 7, RMSE: 0.5},
			},
		}
		fa := reg.GetFrameAlignment("cam-a")
		if fa == nil {
			t.Fatal("expected non-nil FrameAlignment")
		}
		if fa.LandmarkCount != 7 {
			t.Errorf("LandmarkCount = %d, want 7", fa.LandmarkCount)
		}
	})
}

// ---------------------------------------------------------------------------
// Registry.UpdateFrame
// ---------------------------------------------------------------------------

func TestRegistry_UpdateFrame(t *testing.T) {
	t.Run("nil map initializes", func(t *testing.T) {
		reg := &Registry{}
		reg.UpdateFrame("cam-a", FrameAlignment{
			Transform:     Identity(2),
			LastUpdated:   100,
			LandmarkCount: 5,
		})
		if len(reg.Frames) != 1 {
			t.Fatalf("expected 1 frame, got %d", len(reg.Frames))
		}
		if reg.Frames["cam-a"].LandmarkCount != 5 {
			t.Errorf("LandmarkCount = %d, want 5", reg.Frames["cam-a"].LandmarkCount)
		}
	})

	t.Run("zero LastUpdated gets stamped", func(t *testing.T) {
		reg := &Registry{}
		before := time.Now().Unix()
		reg.UpdateFrame("cam-a", FrameAlignment{Transform: Identity(2)})
		after := time.Now().Unix()
		got := reg.Frames["cam-a"].LastUpdated
		if got < before || got > after {
			t.Errorf("LastUpdated = %d, want between %d and %d", got, before, after)
		}
	})

	t.Run("updates global LastUpdated", func(t *testing.T) {
		reg := &Registry{LastUpdated: 100, Frames: map[string]FrameAlignment{}}
		reg.UpdateFrame("cam-a", FrameAlignment{Transform: Identity(2), LastUpdated: 200})
		if reg.LastUpdated != 200 {
			t.Errorf("global LastUpdated = %d, want 200", reg.LastUpdated)
		}
	})

	t.Run("does not regress global LastUpdated", func(t *testing.T) {
		reg := &Registry{LastUpdated: 300, Frames: map[string]FrameAlignment{}}
		reg.UpdateFrame("cam-a", FrameAlignment{Transform: Identity(2), LastUpdated: 200})
		if reg.LastUpdated != 300 {
			t.Errorf("global LastUpdated = %d, want 300 (should not regress)", reg.LastUpdated)
		}
	})

	t.Run("replaces existing", func(t *testing.T) {
		reg := &Registry{
			Frames: map[string]FrameAlignment{
				"cam-a": {Transform: Identity(2), LastUpdated: 100, LandmarkCount: 3},
			},
		}
		next := Transform{Scale: 2, Rotation: IdentityMatrix(2), Translation: Vector{1, 1}}
		reg.UpdateFrame("cam-a", FrameAlignment{Transform: next, LastUpdated: 200, LandmarkCount: 9})
		fa := reg.Frames["cam-a"]
		if fa.Transform.Scale != 2 {
			t.Errorf("Scale = %g, want 2", fa.Transform.Scale)
		}
		if fa.LandmarkCount != 9 {
			t.Errorf("LandmarkCount = %d, want 9", fa.LandmarkCount)
		}
	})
}

// ---------------------------------------------------------------------------
// Registry.ShouldRealign
// ---------------------------------------------------------------------------

func TestRegistry_ShouldRealign(t *testing.T) {
	debounce := 30 * time.Minute

	t.Run("nil receiver", func(t *testing.T) {
		var nilReg *Registry
		if !nilReg.ShouldRealign("cam-a", 5, debounce) {
			t.Error("nil receiver should need realignment")
		}
	})

	t.Run("never aligned", func(t *testing.T) {
		reg := &Registry{
			Frames: map[string]FrameAlignment{
				"cam-a": {Transform: Identity(2), LastUpdated: time.Now().Unix()},
			},
		}
		if !reg.ShouldRealign("cam-b", 5, debounce) {
			t.Error("unaligned frame should need realignment")
		}
	})

	t.Run("landmark count changed", func(t *testing.T) {
		reg := &Registry{
			Frames: map[string]FrameAlignment{
				"cam-a": {Transform: Identity(2), LastUpdated: time.Now().Unix(), LandmarkCount: 5},
			},
		}
		if !reg.ShouldRealign("cam-a", 6, debounce) {
			t.Error("changed landmark count should trigger realignment")
		}
	})

	t.Run("within debounce window", func(t *testing.T) {
		reg := &Registry{
			Frames: map[string]FrameAlignment{
				"cam-a": {Transform: Identity(2), LastUpdated: time.Now().Unix(), LandmarkCount: 5},
			},
		}
		if reg.ShouldRealign("cam-a", 5, debounce) {
			t.Error("recent alignment with same count should NOT need realignment")
		}
	})

	t.Run("outside debounce window", func(t *testing.T) {
		stale := time.Now().Add(-1 * time.Hour).Unix()
		reg := &Registry{
			Frames: map[string]FrameAlignment{
				"cam-a": {Transform: Identity(2), LastUpdated: stale, LandmarkCount: 5},
			},
		}
		if !reg.ShouldRealign("cam-a", 5, debounce) {
			t.Error("stale alignment should need realignment")
		}
	})
}

// ---------------------------------------------------------------------------
// Registry.PruneInvalid
// ---------------------------------------------------------------------------

func TestRegistry_PruneInvalid(t *testing.T) {
	reg := &Registry{
		Frames: map[string]FrameAlignment{
			"good": {Transform: Transform{
				Scale:       1.5,
				Rotation:    IdentityMatrix(2),
				Translation: Vector{1, 2},
			}},
			"scale-too-big": {Transform: Transform{
				Scale:       50,
				Rotation:    IdentityMatrix(2),
				Translation: Vector{0, 0},
			}},
			"reflection": {Transform: Transform{
				Scale:       1,
				Rotation:    Matrix{{-1, 0}, {0, 1}},
				Translation: Vector{0, 0},
			}},
		},
	}

	removed := reg.PruneInvalid(0.2, 5.0)
	if want := []string{"reflection", "scale-too-big"}; !reflect.DeepEqual(removed, want) {
		t.Errorf("removed = %v, want %v", removed, want)
	}
	if len(reg.Frames) != 1 {
		t.Errorf("len(Frames) = %d, want 1 survivor", len(reg.Frames))
	}
	if _, ok := reg.Frames["good"]; !ok {
		t.Error("valid entry was pruned")
	}

	t.Run("nil receiver", func(t *testing.T) {
		var nilReg *Registry
		if got := nilReg.PruneInvalid(0.2, 5.0); got != nil {
			t.Errorf("nil receiver: got %v, want nil", got)
		}
	})
}

// ---------------------------------------------------------------------------
// Registry.GetStatus
// ---------------------------------------------------------------------------

func TestRegistry_GetStatus(t *testing.T) {
	expected := []string{"cam-a", "cam-b", "cam-c"}

	t.Run("nil receiver reports all missing", func(t *testing.T) {
		var nilReg *Registry
		status := nilReg.GetStatus(expected)
		if !reflect.DeepEqual(status.MissingFrames, expected) {
			t.Errorf("MissingFrames = %v, want %v", status.MissingFrames, expected)
		}
	})

	t.Run("partial coverage", func(t *testing.T) {
		reg := &Registry{
			ReferenceFrame: "cam-a",
			Frames: map[string]FrameAlignment{
				"cam-a": {Transform: Identity(2)},
				"cam-b": {Transform: Identity(2)},
			},
			LastUpdated: 1700000000,
		}
		status := reg.GetStatus(expected)
		if status.ReferenceFrame != "cam-a" {
			t.Errorf("ReferenceFrame = %q, want cam-a", status.ReferenceFrame)
		}
		if want := []string{"cam-a", "cam-b"}; !reflect.DeepEqual(status.AlignedFrames, want) {
			t.Errorf("AlignedFrames = %v, want %v", status.AlignedFrames, want)
		}
		if want := []string{"cam-c"}; !reflect.DeepEqual(status.MissingFrames, want) {
			t.Errorf("MissingFrames = %v, want %v", status.MissingFrames, want)
		}
		if status.LastUpdated.Unix() != 1700000000 {
			t.Errorf("LastUpdated = %v, want unix 1700000000", status.LastUpdated)
		}
	})
}
