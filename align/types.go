package align

import "encoding/json"

// Vector is a point or offset with one coordinate per dimension.
type Vector []float64

// PointSet is an ordered sequence of points sharing one dimensionality.
// Order carries the correspondence: source[i] pairs with target[i].
type PointSet []Vector

// Matrix is a row-major square matrix. Rotations are stored this way so
// they serialize to plain nested JSON arrays.
type Matrix [][]float64

// Transform is a similarity map p' = scale * (Rotation * p) + Translation.
// Scale is strictly positive and Rotation is proper (determinant +1) for
// every transform produced by Align.
type Transform struct {
	Scale       float64 `json:"scale"`
	Rotation    Matrix  `json:"rotation"`
	Translation Vector  `json:"translation"`
}

// AlignmentResult carries the estimated transform, the source points
// mapped through it, and the per-point residuals transformed - target.
type AlignmentResult struct {
	Transform   Transform `json:"transform"`
	Transformed PointSet  `json:"transformedSource"`
	Residuals   PointSet  `json:"residuals"`
}

// Landmark is a named reference point observed in one frame. Names shared
// between frames define the correspondence used for alignment.
type Landmark struct {
	Name     string `json:"name"`
	Position Vector `json:"position"`
}

// LandmarkSet holds one frame's landmark observations.
type LandmarkSet struct {
	Frame      string     `json:"frame"`
	CapturedAt int64      `json:"capturedAt,omitempty"`
	Landmarks  []Landmark `json:"landmarks"`
}

// FrameRecord is the latest published summary for a frame, suitable for
// MQTT payloads and HTTP responses.
type FrameRecord struct {
	Frame         string    `json:"frame"`
	Reference     string    `json:"reference"`
	Transform     Transform `json:"transform"`
	AngleDegrees  *float64  `json:"angleDegrees,omitempty"` // 2D reporting view only
	RMSE          float64   `json:"rmse"`
	LandmarkCount int       `json:"landmarkCount"`
	AlignedAt     int64     `json:"alignedAt"`
}

// FrameConfig defines a frame from the config file.
type FrameConfig struct {
	ID     string  `yaml:"id" json:"id"`
	Topic  string  `yaml:"topic" json:"topic"`
	ApiURL *string `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"` // Optional API URL for fetching landmark data
}

// Config represents the full configuration file.
type Config struct {
	MQTT               MQTTConfig    `yaml:"mqtt" json:"mqtt"`
	Reference          string        `yaml:"reference,omitempty" json:"reference,omitempty"` // Optional reference frame ID
	Frames             []FrameConfig `yaml:"frames" json:"frames"`
	MinCommonLandmarks int           `yaml:"minCommonLandmarks,omitempty" json:"minCommonLandmarks,omitempty"` // Minimum shared landmark names (default 2)
	ScaleMin           float64       `yaml:"scaleMin,omitempty" json:"scaleMin,omitempty"`                     // Registry sanity bound (default 0.2)
	ScaleMax           float64       `yaml:"scaleMax,omitempty" json:"scaleMax,omitempty"`                     // Registry sanity bound (default 5.0)
}

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GetFrameByID returns the frame config for the given ID.
func (c *Config) GetFrameByID(id string) *FrameConfig {
	for i := range c.Frames {
		if c.Frames[i].ID == id {
			return &c.Frames[i]
		}
	}
	return nil
}

// FrameAlignment stores per-frame fit metadata alongside the transform.
type FrameAlignment struct {
	Transform     Transform `json:"transform"`
	LastUpdated   int64     `json:"lastUpdated"`
	LandmarkCount int       `json:"landmarkCount"`
	RMSE          float64   `json:"rmse"`
}

// Registry stores the accepted transform for every frame.
// This is the persisted JSON cache written after each alignment.
type Registry struct {
	ReferenceFrame string                    `json:"referenceFrame"`
	Frames         map[string]FrameAlignment `json:"frames"`
	LastUpdated    int64                     `json:"lastUpdated"`
}

// UnmarshalJSON provides backward compatibility with old registry files
// where Frames was map[string]Transform (no FrameAlignment wrapper).
// It probes the raw JSON to detect the format and falls back to the
// legacy format when the frame entries lack a "transform" key.
func (r *Registry) UnmarshalJSON(data []byte) error {
	var envelope struct {
		ReferenceFrame string                     `json:"referenceFrame"`
		Frames         map[string]json.RawMessage `json:"frames"`
		LastUpdated    int64                      `json:"lastUpdated"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	r.ReferenceFrame = envelope.ReferenceFrame
	r.LastUpdated = envelope.LastUpdated

	if len(envelope.Frames) == 0 {
		r.Frames = make(map[string]FrameAlignment)
		return nil
	}

	// Detect format by probing the first entry for a "transform" key.
	isNewFormat := false
	for _, raw := range envelope.Frames {
		var probe struct {
			Transform *json.RawMessage `json:"transform"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && probe.Transform != nil {
			isNewFormat = true
		}
		break
	}

	r.Frames = make(map[string]FrameAlignment, len(envelope.Frames))

	if isNewFormat {
		for id, raw := range envelope.Frames {
			var fa FrameAlignment
			if err := json.Unmarshal(raw, &fa); err != nil {
				return err
			}
			r.Frames[id] = fa
		}
	} else {
		// Legacy format: bare Transform values.
		for id, raw := range envelope.Frames {
			var t Transform
			if err := json.Unmarshal(raw, &t); err != nil {
				return err
			}
			r.Frames[id] = FrameAlignment{
				Transform:   t,
				LastUpdated: envelope.LastUpdated,
			}
		}
	}

	return nil
}
