package align

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default thresholds applied when the config file leaves them unset.
const (
	DefaultMinCommonLandmarks = 2
	DefaultScaleMin           = 0.2
	DefaultScaleMax           = 5.0
)

// LoadConfig loads the service configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	// Validate required fields
	if config.MQTT.Broker == "" {
		return nil, fmt.Errorf("mqtt.broker is required")
	}
	if len(config.Frames) == 0 {
		return nil, fmt.Errorf("at least one frame must be defined")
	}

	// Validate frame configs
	seen := make(map[string]bool, len(config.Frames))
	for i, fc := range config.Frames {
		if fc.ID == "" {
			return nil, fmt.Errorf("frames[%d].id is required", i)
		}
		if fc.Topic == "" {
			return nil, fmt.Errorf("frames[%d].topic is required for %s", i, fc.ID)
		}
		if seen[fc.ID] {
			return nil, fmt.Errorf("frames[%d].id %q is declared twice", i, fc.ID)
		}
		seen[fc.ID] = true
	}

	if config.Reference != "" && config.GetFrameByID(config.Reference) == nil {
		return nil, fmt.Errorf("reference %q does not match any frame id", config.Reference)
	}

	applyDefaults(&config)
	if config.ScaleMin >= config.ScaleMax {
		return nil, fmt.Errorf("scaleMin %.3f must be below scaleMax %.3f", config.ScaleMin, config.ScaleMax)
	}

	return &config, nil
}

func applyDefaults(config *Config) {
	if config.MinCommonLandmarks <= 0 {
		config.MinCommonLandmarks = DefaultMinCommonLandmarks
	}
	if config.ScaleMin == 0 {
		config.ScaleMin = DefaultScaleMin
	}
	if config.ScaleMax == 0 {
		config.ScaleMax = DefaultScaleMax
	}
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetEffectiveReference determines the effective reference frame ID
// Priority: config.Reference > registry.ReferenceFrame > auto-select
func GetEffectiveReference(config *Config, registry *Registry, sets map[string]*LandmarkSet) string {
	// Priority 1: Explicit config reference
	if config != nil && config.Reference != "" {
		if _, ok := sets[config.Reference]; ok {
			return config.Reference
		}
	}

	// Priority 2: Registry reference (if still tracked)
	if registry != nil && registry.ReferenceFrame != "" {
		if _, ok := sets[registry.ReferenceFrame]; ok {
			return registry.ReferenceFrame
		}
	}

	// Priority 3: Auto-select by landmark count and spread
	return SelectReferenceFrame(sets, "")
}
