// Package config holds the YAML configuration of the gradcam tool.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-gradcam/checkpoints"
	"github.com/tsawler/go-gradcam/layers"
	"github.com/tsawler/go-gradcam/visualization"
)

// Config holds all gradcam configuration.
type Config struct {
	Model ModelConfig `yaml:"model"`

	// Labels is the path of imagenet_class_index.json
	Labels string `yaml:"labels"`
	// Image is the default input image
	Image string `yaml:"image"`

	Explain ExplainConfig `yaml:"explain"`
	Output  OutputConfig  `yaml:"output"`

	// Workers bounds kernel parallelism; 0 uses one per logical core
	Workers int `yaml:"workers"`

	Plotting PlottingConfig `yaml:"plotting"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ModelConfig selects the network and its weights.
type ModelConfig struct {
	Architecture string `yaml:"architecture"` // resnet18 ... resnet152
	Weights      string `yaml:"weights"`
	Format       string `yaml:"format"` // json, onnx; empty picks by extension
	NumClasses   int    `yaml:"num_classes"`
	// TrimPrefix is stripped from ONNX initializer names, e.g. "model.".
	// The names must be state_dict names, which torch.onnx.export keeps only
	// with do_constant_folding=False.
	TrimPrefix string `yaml:"trim_prefix"`
}

// ExplainConfig configures the Grad-CAM run.
type ExplainConfig struct {
	TargetLayer string `yaml:"target_layer"`
	TopK        int    `yaml:"top_k"`
	// Class forces the explained class; -1 explains the top prediction
	Class int `yaml:"class"`
}

// OutputConfig names the rendered files.
type OutputConfig struct {
	Saliency    string     `yaml:"saliency"`
	FeatureMaps string     `yaml:"feature_maps"`
	Grid        GridConfig `yaml:"grid"`
}

// GridConfig mirrors visualization.GridOptions.
type GridConfig struct {
	Start     int `yaml:"start"`
	Step      int `yaml:"step"`
	Size      int `yaml:"size"`
	TileWidth int `yaml:"tile_width"`
}

// PlottingConfig configures the optional plotting sidecar.
type PlottingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	Timeout       string `yaml:"timeout"`
	RetryAttempts int    `yaml:"retry_attempts"`
	RetryDelay    string `yaml:"retry_delay"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Encoding string `yaml:"encoding"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	grid := visualization.DefaultGridOptions()
	plotting := visualization.DefaultPlottingServiceConfig()
	return &Config{
		Model: ModelConfig{
			Architecture: "resnet50",
			Weights:      "data/resnet50.onnx",
			NumClasses:   1000,
		},
		Labels: "data/imagenet_class_index.json",
		Image:  "data/shark.jpeg",
		Explain: ExplainConfig{
			TargetLayer: "layer4",
			TopK:        5,
			Class:       -1,
		},
		Output: OutputConfig{
			Saliency:    "gradcam.png",
			FeatureMaps: "feature_maps.png",
			Grid: GridConfig{
				Start:     grid.Start,
				Step:      grid.Step,
				Size:      grid.Size,
				TileWidth: grid.TileWidth,
			},
		},
		Plotting: PlottingConfig{
			BaseURL:       plotting.BaseURL,
			Timeout:       plotting.Timeout.String(),
			RetryAttempts: plotting.RetryAttempts,
			RetryDelay:    plotting.RetryDelay.String(),
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// keep defaults
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("GRADCAM_WEIGHTS"); path != "" {
		c.Model.Weights = path
	}
	if path := os.Getenv("GRADCAM_LABELS"); path != "" {
		c.Labels = path
	}
	if level := os.Getenv("GRADCAM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if url := os.Getenv("GRADCAM_PLOTTING_URL"); url != "" {
		c.Plotting.BaseURL = url
		c.Plotting.Enabled = true
	}
}

// WeightsFormat returns the configured checkpoint format, falling back to the
// weights file extension.
func (c *Config) WeightsFormat() (checkpoints.CheckpointFormat, error) {
	if c.Model.Format == "" {
		return checkpoints.FormatFromPath(c.Model.Weights), nil
	}
	return checkpoints.ParseFormat(c.Model.Format)
}

// GridOptions returns the feature grid layout.
func (c *Config) GridOptions() visualization.GridOptions {
	g := c.Output.Grid
	return visualization.GridOptions{Start: g.Start, Step: g.Step, Size: g.Size, TileWidth: g.TileWidth}
}

// PlottingServiceConfig returns the sidecar client configuration.
func (c *Config) PlottingServiceConfig() visualization.PlottingServiceConfig {
	defaults := visualization.DefaultPlottingServiceConfig()
	return visualization.PlottingServiceConfig{
		BaseURL:       c.Plotting.BaseURL,
		Timeout:       parseDuration(c.Plotting.Timeout, defaults.Timeout),
		RetryAttempts: c.Plotting.RetryAttempts,
		RetryDelay:    parseDuration(c.Plotting.RetryDelay, defaults.RetryDelay),
	}
}

// LogLevel returns the parsed logging level.
func (c *Config) LogLevel() (zapcore.Level, error) {
	return zapcore.ParseLevel(c.Logging.Level)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !slices.Contains(layers.Architectures, strings.ToLower(c.Model.Architecture)) {
		return fmt.Errorf("invalid architecture: %s (valid: %v)", c.Model.Architecture, layers.Architectures)
	}
	if c.Model.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be positive, got %d", c.Model.NumClasses)
	}
	if c.Model.Weights == "" {
		return fmt.Errorf("model weights not configured (set model.weights or GRADCAM_WEIGHTS)")
	}
	if _, err := c.WeightsFormat(); err != nil {
		return err
	}
	if c.Labels == "" {
		return fmt.Errorf("labels not configured (set labels or GRADCAM_LABELS)")
	}
	if c.Explain.TargetLayer == "" {
		return fmt.Errorf("explain.target_layer is empty")
	}
	if c.Explain.TopK <= 0 {
		return fmt.Errorf("explain.top_k must be positive, got %d", c.Explain.TopK)
	}
	if c.Explain.Class < -1 || c.Explain.Class >= c.Model.NumClasses {
		return fmt.Errorf("explain.class %d outside [-1, %d)", c.Explain.Class, c.Model.NumClasses)
	}
	if c.Output.Grid.Size <= 0 || c.Output.Grid.Start < 0 || c.Output.Grid.Step < 0 || c.Output.Grid.TileWidth < 0 {
		return fmt.Errorf("invalid feature grid %+v", c.Output.Grid)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("invalid logging level: %w", err)
	}
	if c.Logging.Encoding != "json" && c.Logging.Encoding != "console" {
		return fmt.Errorf("invalid logging encoding: %s (valid: json, console)", c.Logging.Encoding)
	}
	if c.Plotting.Enabled && c.Plotting.BaseURL == "" {
		return fmt.Errorf("plotting enabled without base_url")
	}
	return nil
}
