// Package config loads and validates the proximeter configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clsferguson/proximeter/internal/types"
)

// Config is the complete daemon configuration.
type Config struct {
	InstanceID       string         `mapstructure:"instance_id"`
	ShutdownTimeoutS int            `mapstructure:"shutdown_timeout_s"`
	HTTP             HTTPConfig     `mapstructure:"http"`
	MQTT             MQTTConfig     `mapstructure:"mqtt"`
	Model            ModelConfig    `mapstructure:"model"`
	Streams          []StreamConfig `mapstructure:"streams"`
}

// HTTPConfig configures the API and metrics server.
type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// MQTTConfig configures the optional MQTT event sink and control plane.
type MQTTConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Broker       string `mapstructure:"broker"`
	ClientID     string `mapstructure:"client_id"`
	EventTopic   string `mapstructure:"event_topic"`
	ControlTopic string `mapstructure:"control_topic"`
	QoS          byte   `mapstructure:"qos"`
}

// ModelConfig describes the detection model and its sidecar runner.
type ModelConfig struct {
	ID              string   `mapstructure:"id"`
	Path            string   `mapstructure:"path"`
	Backend         string   `mapstructure:"backend"` // cpu, cuda, coral
	InputSize       int      `mapstructure:"input_size"`
	Command         []string `mapstructure:"command"`
	ConfidenceFloor float64  `mapstructure:"confidence_floor"`
	StartTimeoutS   int      `mapstructure:"start_timeout_s"`
}

// StreamConfig is the on-disk form of one camera stream.
type StreamConfig struct {
	ID            string       `mapstructure:"id"`
	RTSPURL       string       `mapstructure:"rtsp_url"`
	TargetFPS     float64      `mapstructure:"target_fps"`
	Enabled       bool         `mapstructure:"enabled"`
	Width         int          `mapstructure:"width"`
	Height        int          `mapstructure:"height"`
	EnabledLabels []string     `mapstructure:"enabled_labels"`
	MinConfidence float64      `mapstructure:"min_confidence"`
	Zones         []ZoneConfig `mapstructure:"zones"`
}

// ZoneConfig is the on-disk form of one zone.
type ZoneConfig struct {
	ID      string      `mapstructure:"id"`
	Polygon [][]float64 `mapstructure:"polygon"` // [[x,y], ...]
	Target  []float64   `mapstructure:"target"`  // [x,y], optional
	Metrics struct {
		Distance    bool `mapstructure:"distance"`
		Coordinates bool `mapstructure:"coordinates"`
		Size        bool `mapstructure:"size"`
	} `mapstructure:"metrics"`
}

// Load reads the config file at path, layers PROXIMETER_* environment
// variables on top, validates and returns it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PROXIMETER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// ModelHandle converts the model section to the runtime handle.
func (c *Config) ModelHandle() types.ModelHandle {
	return types.ModelHandle{
		ID:        c.Model.ID,
		Path:      c.Model.Path,
		InputSize: c.Model.InputSize,
		Backend:   c.Model.Backend,
	}
}

// StreamSnapshots converts the stream sections to runtime snapshots.
func (c *Config) StreamSnapshots() []types.StreamConfig {
	out := make([]types.StreamConfig, 0, len(c.Streams))
	for _, s := range c.Streams {
		out = append(out, s.Snapshot())
	}
	return out
}

// Snapshot converts one on-disk stream to its runtime form.
func (s StreamConfig) Snapshot() types.StreamConfig {
	cfg := types.StreamConfig{
		ID:            s.ID,
		RTSPURL:       s.RTSPURL,
		TargetFPS:     s.TargetFPS,
		Enabled:       s.Enabled,
		Width:         s.Width,
		Height:        s.Height,
		EnabledLabels: s.EnabledLabels,
		MinConfidence: s.MinConfidence,
	}
	for _, z := range s.Zones {
		zone := types.Zone{
			ID: z.ID,
			Metrics: types.MetricSet{
				Distance:    z.Metrics.Distance,
				Coordinates: z.Metrics.Coordinates,
				Size:        z.Metrics.Size,
			},
		}
		for _, p := range z.Polygon {
			zone.Polygon = append(zone.Polygon, types.Point{X: p[0], Y: p[1]})
		}
		if len(z.Target) == 2 {
			zone.Target = &types.Point{X: z.Target[0], Y: z.Target[1]}
		}
		cfg.Zones = append(cfg.Zones, zone)
	}
	return cfg
}
