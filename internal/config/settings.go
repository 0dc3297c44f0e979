package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	"github.com/ZrimYoung/StreetViewDownloader/internal/common"
)

// DefaultConfigPath is the file looked up when no -config flag is given
const DefaultConfigPath = "configuration.ini"

// ErrConfigNotFound is returned when the configuration file does not exist
var ErrConfigNotFound = errors.New("configuration file not found")

// Config is the immutable run configuration shared by every component
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Params    ParamsConfig    `yaml:"params"`
	Tiles     TilesConfig     `yaml:"tiles"`
	API       APIConfig       `yaml:"api"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Repair    RepairConfig    `yaml:"repair"`
}

// PathsConfig is the [PATHS] section
type PathsConfig struct {
	CSVPath         string `ini:"csv_path" yaml:"csv_path" validate:"required"`
	APIKeyPath      string `ini:"api_key_path" yaml:"api_key_path" validate:"required"`
	SaveDir         string `ini:"save_dir" yaml:"save_dir" validate:"required"`
	LogPath         string `ini:"log_path" yaml:"log_path" validate:"required"`
	FailLogPath     string `ini:"fail_log_path" yaml:"fail_log_path" validate:"required"`
	DetailedLogPath string `ini:"detailed_log_path" yaml:"detailed_log_path"`
	MirrorURL       string `ini:"mirror_url" yaml:"mirror_url" validate:"omitempty,url"`
}

// ParamsConfig is the [PARAMS] section
type ParamsConfig struct {
	BatchSize         int  `ini:"batch_size" yaml:"batch_size" validate:"gt=0"`
	NumBatches        int  `ini:"num_batches" yaml:"num_batches" validate:"gt=0"`
	RetryFailedPoints bool `ini:"retry_failed_points" yaml:"retry_failed_points"`
	MaxPointWorkers   int  `ini:"max_point_workers" yaml:"max_point_workers" validate:"gt=0"`
}

// TilesConfig is the [TILES] section
type TilesConfig struct {
	Zoom         int     `ini:"zoom" yaml:"zoom" validate:"gte=0"`
	TileSize     int     `ini:"tile_size" yaml:"tile_size" validate:"gt=0"`
	TileCols     int     `ini:"tile_cols" yaml:"tile_cols" validate:"gt=0"`
	TileRows     int     `ini:"tile_rows" yaml:"tile_rows" validate:"gt=0"`
	SleepTime    float64 `ini:"sleeptime" yaml:"sleeptime" validate:"gte=0"`
	OutputFormat string  `ini:"output_format" yaml:"output_format" validate:"oneof=jpg jpeg png webp"`
	JPEGQuality  int     `ini:"jpeg_quality" yaml:"jpeg_quality" validate:"gte=1,lte=100"`
}

// APIConfig is the [API] section
type APIConfig struct {
	BaseURL           string  `ini:"base_url" yaml:"base_url" validate:"required,url"`
	Radius            int     `ini:"radius" yaml:"radius" validate:"gt=0"`
	RequestsPerSecond float64 `ini:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	RetryBaseDelay    float64 `ini:"retry_base_delay" yaml:"retry_base_delay" validate:"gte=0"`
}

// CacheConfig is the [CACHE] section. An empty Dir disables the tile cache.
type CacheConfig struct {
	Dir       string `ini:"dir" yaml:"dir"`
	MaxSizeMB int    `ini:"max_size_mb" yaml:"max_size_mb" validate:"gte=0"`
}

// TelemetryConfig is the [TELEMETRY] section
type TelemetryConfig struct {
	PostHogKey  string `ini:"posthog_key" yaml:"posthog_key"`
	PostHogHost string `ini:"posthog_host" yaml:"posthog_host" validate:"omitempty,url"`
}

// LoggingConfig is the [LOGGING] section
type LoggingConfig struct {
	Level  string `ini:"level" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `ini:"format" yaml:"format" validate:"oneof=text json"`
}

// RepairConfig is the [REPAIR] section
type RepairConfig struct {
	InputDir             string  `ini:"input_dir" yaml:"input_dir" validate:"required"`
	OutputDir            string  `ini:"output_dir" yaml:"output_dir" validate:"required"`
	ProblematicDir       string  `ini:"problematic_dir" yaml:"problematic_dir" validate:"required"`
	ProgressPath         string  `ini:"progress_path" yaml:"progress_path" validate:"required"`
	BlackThreshold       float64 `ini:"black_threshold" yaml:"black_threshold" validate:"gte=0,lte=255"`
	BottomBlackEdgeRatio float64 `ini:"bottom_black_edge_ratio" yaml:"bottom_black_edge_ratio" validate:"gt=0,lt=1"`
	TargetAspectRatio    float64 `ini:"target_aspect_ratio" yaml:"target_aspect_ratio" validate:"gt=0"`
	NumWorkers           int     `ini:"num_workers" yaml:"num_workers" validate:"gt=0"`
	MaxImages            int     `ini:"max_images" yaml:"max_images" validate:"gte=0"`
	CheckpointEvery      int     `ini:"checkpoint_every" yaml:"checkpoint_every" validate:"gt=0"`
}

// DefaultSettings returns the configuration used for keys absent from the file
func DefaultSettings() *Config {
	return &Config{
		Paths: PathsConfig{
			CSVPath:     "POINTS.csv",
			APIKeyPath:  "api_key.txt",
			SaveDir:     "output_dir",
			LogPath:     "download_log.csv",
			FailLogPath: "failed_log.csv",
		},
		Params: ParamsConfig{
			BatchSize:         10,
			NumBatches:        3,
			RetryFailedPoints: false,
			MaxPointWorkers:   5,
		},
		Tiles: TilesConfig{
			Zoom:         1,
			TileSize:     512,
			TileCols:     2,
			TileRows:     1,
			SleepTime:    0.02,
			OutputFormat: "jpg",
			JPEGQuality:  75,
		},
		API: APIConfig{
			BaseURL:        common.DefaultAPIBaseURL,
			Radius:         common.DefaultSearchRadius,
			RetryBaseDelay: 0.5,
		},
		Cache: CacheConfig{
			MaxSizeMB: 250,
		},
		Telemetry: TelemetryConfig{
			PostHogHost: "https://us.i.posthog.com",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Repair: RepairConfig{
			InputDir:             "panoramas_test",
			OutputDir:            "edit",
			ProblematicDir:       "problematic",
			ProgressPath:         "processing_progress.json",
			BlackThreshold:       15,
			BottomBlackEdgeRatio: 0.05,
			TargetAspectRatio:    2.0,
			NumWorkers:           15,
			CheckpointEvery:      100,
		},
	}
}

// Load reads the configuration file at path, overlaying it on
// DefaultSettings. The format is chosen by extension: .yaml/.yml is YAML,
// anything else is INI. Load does not validate.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultSettings()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := loadYAML(path, cfg); err != nil {
			return nil, err
		}
	default:
		if err := loadINI(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.normalize()
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// iniSections maps section names (lowercase, keys are case-insensitive) to
// their targets
func (c *Config) iniSections() map[string]interface{} {
	return map[string]interface{}{
		"paths":     &c.Paths,
		"params":    &c.Params,
		"tiles":     &c.Tiles,
		"api":       &c.API,
		"cache":     &c.Cache,
		"telemetry": &c.Telemetry,
		"logging":   &c.Logging,
		"repair":    &c.Repair,
	}
}

func loadINI(path string, cfg *Config) error {
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return fmt.Errorf("failed to parse INI config: %w", err)
	}

	var errs ValidationErrors
	for name, target := range cfg.iniSections() {
		if !f.HasSection(name) {
			continue
		}
		if err := f.Section(name).StrictMapTo(target); err != nil {
			errs = append(errs, FieldError{
				Field:   strings.ToUpper(name),
				Message: err.Error(),
			})
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) normalize() {
	c.Tiles.OutputFormat = strings.ToLower(strings.TrimSpace(c.Tiles.OutputFormat))
	if c.Tiles.OutputFormat == "jpeg" {
		c.Tiles.OutputFormat = "jpg"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
}

// Grid returns the tile grid described by the [TILES] section
func (c *Config) Grid() common.TileGrid {
	return common.TileGrid{
		Zoom:     c.Tiles.Zoom,
		TileSize: c.Tiles.TileSize,
		Cols:     c.Tiles.TileCols,
		Rows:     c.Tiles.TileRows,
	}
}

// Format returns the panorama output format
func (c *Config) Format() common.OutputFormat {
	f, err := common.ParseOutputFormat(c.Tiles.OutputFormat)
	if err != nil {
		return common.FormatJPEG
	}
	return f
}

// SleepDuration returns the fixed delay after every tile request
func (c *Config) SleepDuration() time.Duration {
	return time.Duration(c.Tiles.SleepTime * float64(time.Second))
}

// RetryBaseDelay returns the base of the tile retry backoff: the
// inter-request delay, floored at [API] retry_base_delay
func (c *Config) RetryBaseDelay() time.Duration {
	base := c.Tiles.SleepTime
	if c.API.RetryBaseDelay > base {
		base = c.API.RetryBaseDelay
	}
	return time.Duration(base * float64(time.Second))
}

// ReadAPIKey returns the first non-empty line of the API key file
func (c *Config) ReadAPIKey() (string, error) {
	data, err := os.ReadFile(c.Paths.APIKeyPath)
	if err != nil {
		return "", fmt.Errorf("failed to read API key file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if key := strings.TrimSpace(line); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("API key file %s is empty", c.Paths.APIKeyPath)
}

// WriteDefault writes DefaultSettings as an INI file. An existing file is
// left untouched and reported with os.ErrExist.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, os.ErrExist)
	}

	cfg := DefaultSettings()
	f := ini.Empty()
	order := []struct {
		name   string
		target interface{}
	}{
		{"PATHS", &cfg.Paths},
		{"PARAMS", &cfg.Params},
		{"TILES", &cfg.Tiles},
		{"API", &cfg.API},
		{"CACHE", &cfg.Cache},
		{"TELEMETRY", &cfg.Telemetry},
		{"LOGGING", &cfg.Logging},
		{"REPAIR", &cfg.Repair},
	}
	for _, s := range order {
		sec, err := f.NewSection(s.name)
		if err != nil {
			return fmt.Errorf("failed to create section %s: %w", s.name, err)
		}
		if err := sec.ReflectFrom(s.target); err != nil {
			return fmt.Errorf("failed to write section %s: %w", s.name, err)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}
