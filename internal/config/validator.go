package config

import (
	"fmt"
	"regexp"
)

var idPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// MaxTargetFPS is the hard per-stream rate cap.
const MaxTargetFPS = 5

// Validate checks the configuration and fills in defaults in place.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !idPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 10
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	if err := validateModel(&cfg.Model); err != nil {
		return fmt.Errorf("model: %w", err)
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "proximeter-" + cfg.InstanceID
		}
		if cfg.MQTT.EventTopic == "" {
			cfg.MQTT.EventTopic = fmt.Sprintf("proximeter/%s/events", cfg.InstanceID)
		}
		if cfg.MQTT.ControlTopic == "" {
			cfg.MQTT.ControlTopic = fmt.Sprintf("proximeter/%s/control", cfg.InstanceID)
		}
	}

	seen := make(map[string]bool, len(cfg.Streams))
	for i := range cfg.Streams {
		s := &cfg.Streams[i]
		if err := validateStream(s); err != nil {
			return fmt.Errorf("stream %q: %w", s.ID, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate stream id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

func validateModel(m *ModelConfig) error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Path == "" {
		return fmt.Errorf("path is required")
	}
	if len(m.Command) == 0 {
		return fmt.Errorf("command is required")
	}
	if m.Backend == "" {
		m.Backend = "cpu"
	}
	if m.InputSize <= 0 {
		m.InputSize = 640
	}
	if m.ConfidenceFloor < 0 || m.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor must be in [0,1], got %v", m.ConfidenceFloor)
	}
	if m.StartTimeoutS <= 0 {
		m.StartTimeoutS = 30
	}
	return nil
}

func validateStream(s *StreamConfig) error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !idPattern.MatchString(s.ID) {
		return fmt.Errorf("id must match pattern [a-z0-9-]+")
	}
	if s.RTSPURL == "" {
		return fmt.Errorf("rtsp_url is required")
	}
	if s.TargetFPS <= 0 {
		s.TargetFPS = MaxTargetFPS
	}
	if s.TargetFPS > MaxTargetFPS {
		return fmt.Errorf("target_fps must be <= %d, got %v", MaxTargetFPS, s.TargetFPS)
	}
	if s.Width <= 0 {
		s.Width = 640
	}
	if s.Height <= 0 {
		s.Height = 360
	}
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be in [0,1], got %v", s.MinConfidence)
	}

	zoneIDs := make(map[string]bool, len(s.Zones))
	for _, z := range s.Zones {
		if z.ID == "" {
			return fmt.Errorf("zone id is required")
		}
		if zoneIDs[z.ID] {
			return fmt.Errorf("duplicate zone id %q", z.ID)
		}
		zoneIDs[z.ID] = true

		if len(z.Polygon) < 3 {
			return fmt.Errorf("zone %q: polygon must have at least 3 points, got %d", z.ID, len(z.Polygon))
		}
		for i, p := range z.Polygon {
			if len(p) != 2 {
				return fmt.Errorf("zone %q: point %d must be [x,y], got %v", z.ID, i, p)
			}
		}
		if z.Target != nil && len(z.Target) != 2 {
			return fmt.Errorf("zone %q: target must be [x,y], got %v", z.ID, z.Target)
		}
		if z.Metrics.Distance && z.Target == nil {
			return fmt.Errorf("zone %q: distance metric requires a target point", z.ID)
		}
	}
	return nil
}
