package align

import (
	"encoding/json"
	"strconv"
)

// GeometryType represents the GeoJSON geometry type
type GeometryType string

const (
	GeometryPoint      GeometryType = "Point"
	GeometryMultiPoint GeometryType = "MultiPoint"
)

// Geometry represents a GeoJSON geometry object
type Geometry struct {
	Type        GeometryType    `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Feature represents a GeoJSON feature with geometry and properties
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   *Geometry              `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
	ID         interface{}            `json:"id,omitempty"`
}

// FeatureCollection represents a GeoJSON FeatureCollection
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// NewFeatureCollection creates a new empty FeatureCollection
func NewFeatureCollection() *FeatureCollection {
	return &FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]*Feature, 0),
	}
}

// AddFeature appends a feature to the collection
func (fc *FeatureCollection) AddFeature(f *Feature) {
	fc.Features = append(fc.Features, f)
}

// NewFeature creates a Feature with the given geometry and properties
func NewFeature(geom *Geometry, props map[string]interface{}) *Feature {
	if props == nil {
		props = make(map[string]interface{})
	}
	return &Feature{
		Type:       "Feature",
		Geometry:   geom,
		Properties: props,
	}
}

// PointGeometry converts a position to a GeoJSON Point geometry
func PointGeometry(p Vector) *Geometry {
	coordsJSON, _ := json.Marshal(p)
	return &Geometry{
		Type:        GeometryPoint,
		Coordinates: coordsJSON,
	}
}

// LandmarkToFeature converts a single landmark to a GeoJSON Point feature.
// The frame ID and landmark name are carried as properties so collections
// holding several frames stay distinguishable.
func LandmarkToFeature(frame string, lm Landmark) *Feature {
	return NewFeature(PointGeometry(lm.Position), map[string]interface{}{
		"frame": frame,
		"name":  lm.Name,
	})
}

// LandmarkSetToFeatureCollection converts every landmark of a set to a
// Point feature, mapping positions through the given transform. Pass the
// identity transform to export raw frame coordinates.
func LandmarkSetToFeatureCollection(set *LandmarkSet, transform Transform) *FeatureCollection {
	fc := NewFeatureCollection()
	if set == nil {
		return fc
	}
	for _, lm := range set.Landmarks {
		mapped := Landmark{Name: lm.Name, Position: transform.Apply(lm.Position)}
		fc.AddFeature(LandmarkToFeature(set.Frame, mapped))
	}
	return fc
}

// FeatureCollectionToLandmarkSet extracts a landmark set from a GeoJSON
// FeatureCollection. Only Point features with a "name" property become
// landmarks; anything else is skipped. Unnamed points get a sequential
// "point-N" name keyed to their position in the collection.
func FeatureCollectionToLandmarkSet(frame string, fc *FeatureCollection) (*LandmarkSet, error) {
	set := &LandmarkSet{Frame: frame}
	if fc == nil {
		return set, nil
	}
	for i, f := range fc.Features {
		if f == nil || f.Geometry == nil || f.Geometry.Type != GeometryPoint {
			continue
		}
		var pos Vector
		if err := json.Unmarshal(f.Geometry.Coordinates, &pos); err != nil {
			return nil, err
		}
		name := featureName(f, i)
		set.Landmarks = append(set.Landmarks, Landmark{Name: name, Position: pos})
	}
	return set, nil
}

func featureName(f *Feature, index int) string {
	if f.Properties != nil {
		if name, ok := f.Properties["name"].(string); ok && name != "" {
			return name
		}
	}
	if id, ok := f.ID.(string); ok && id != "" {
		return id
	}
	return "point-" + strconv.Itoa(index)
}
