package align

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// gzipMagic is the two-byte header of RFC 1952 gzip streams.
var gzipMagic = []byte{0x1f, 0x8b}

// Len returns the number of landmarks in the set. Nil-safe.
func (s *LandmarkSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Landmarks)
}

// Dim returns the dimensionality of the set's landmarks, 0 when empty.
func (s *LandmarkSet) Dim() int {
	if s == nil || len(s.Landmarks) == 0 {
		return 0
	}
	return len(s.Landmarks[0].Position)
}

// Positions returns the landmark positions as a PointSet in set order.
func (s *LandmarkSet) Positions() PointSet {
	if s == nil {
		return nil
	}
	points := make(PointSet, len(s.Landmarks))
	for i, lm := range s.Landmarks {
		points[i] = lm.Position
	}
	return points
}

// Names returns the landmark names in set order.
func (s *LandmarkSet) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Landmarks))
	for i, lm := range s.Landmarks {
		names[i] = lm.Name
	}
	return names
}

// ParseLandmarkJSON parses a landmark document. Three layouts are
// accepted: the native format ({"frame": ..., "landmarks": [...]}), a
// GeoJSON FeatureCollection of named Point features, and the flat legacy
// map of name to position ({"door": [1, 2], ...}). fallbackFrame supplies
// the frame ID when the document does not carry one.
func ParseLandmarkJSON(data []byte, fallbackFrame string) (*LandmarkSet, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	if isFeatureCollection(envelope) {
		var fc FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parsing GeoJSON: %w", err)
		}
		set, err := FeatureCollectionToLandmarkSet(fallbackFrame, &fc)
		if err != nil {
			return nil, fmt.Errorf("parsing GeoJSON: %w", err)
		}
		if set.Len() == 0 {
			return nil, fmt.Errorf("%w: feature collection contains no Point features", ErrInvalidInput)
		}
		return set, nil
	}

	if _, ok := envelope["landmarks"]; ok {
		var set LandmarkSet
		if err := json.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("parsing JSON: %w", err)
		}
		if set.Frame == "" {
			set.Frame = fallbackFrame
		}
		if set.Len() == 0 {
			return nil, fmt.Errorf("%w: document contains no landmarks", ErrInvalidInput)
		}
		return &set, nil
	}

	if set, ok := parseFlatLandmarks(envelope, fallbackFrame); ok {
		return set, nil
	}
	return nil, fmt.Errorf("%w: document contains no landmarks", ErrInvalidInput)
}

func isFeatureCollection(envelope map[string]json.RawMessage) bool {
	raw, ok := envelope["type"]
	if !ok {
		return false
	}
	var kind string
	if err := json.Unmarshal(raw, &kind); err != nil {
		return false
	}
	return kind == "FeatureCollection"
}

// parseFlatLandmarks accepts the legacy layout where the document is a
// bare object of landmark name to position. Names come out sorted so the
// parse is deterministic.
func parseFlatLandmarks(envelope map[string]json.RawMessage, frame string) (*LandmarkSet, bool) {
	if len(envelope) == 0 {
		return nil, false
	}
	byName := make(map[string]Vector, len(envelope))
	for name, raw := range envelope {
		var pos Vector
		if err := json.Unmarshal(raw, &pos); err != nil || len(pos) == 0 {
			return nil, false
		}
		byName[name] = pos
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	set := &LandmarkSet{Frame: frame}
	for _, name := range names {
		set.Landmarks = append(set.Landmarks, Landmark{Name: name, Position: byName[name]})
	}
	return set, true
}

// DecodeLandmarkPayload parses a landmark document that may be
// gzip-compressed, as MQTT payloads often are. The compression is sniffed
// from the gzip magic number rather than negotiated.
func DecodeLandmarkPayload(data []byte, fallbackFrame string) (*LandmarkSet, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening gzip payload: %w", err)
		}
		defer zr.Close()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
		data = raw
	}
	return ParseLandmarkJSON(data, fallbackFrame)
}

// ParseLandmarkFile reads and parses a landmark file. The frame ID falls
// back to the file name with its extensions stripped, so "cam1.json.gz"
// parses as frame "cam1" when the document carries no frame field.
func ParseLandmarkFile(path string) (*LandmarkSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	frame := filepath.Base(path)
	for ext := filepath.Ext(frame); ext == ".json" || ext == ".geojson" || ext == ".gz"; ext = filepath.Ext(frame) {
		frame = strings.TrimSuffix(frame, ext)
	}
	return DecodeLandmarkPayload(data, frame)
}
