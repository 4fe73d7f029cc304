package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"screenrelay/internal/codec"
)

// Roles
const (
	RoleHost      = "host"
	RoleExtension = "extension"
)

// Config holds all application configuration
type Config struct {
	Role string `yaml:"role"`

	// Shared container both processes can reach
	AppGroupDir    string `yaml:"app_group_dir"`
	BufferCapacity int    `yaml:"buffer_capacity"`

	// Frame rate negotiation
	CaptureFPS int `yaml:"capture_fps"`
	FPSMin     int `yaml:"fps_min"`
	FPSMax     int `yaml:"fps_max"`
	FPSDefault int `yaml:"fps_default"`

	// Liveness
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	StalenessMultiplier int           `yaml:"staleness_multiplier"`

	// HTTP Server (host only)
	HTTPAddr string `yaml:"http_addr"`

	// Snapshot storage
	StorageType      string        `yaml:"storage_type"` // "local" or "gcs"
	SnapshotDir      string        `yaml:"snapshot_dir"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	MaxSnapshots     int           `yaml:"max_snapshots"`

	// GCS Configuration
	GCSProjectID  string `yaml:"gcs_project_id"`
	GCSBucketName string `yaml:"gcs_bucket_name"`
	GCSBaseDir    string `yaml:"gcs_base_dir"`

	// Auth
	ControlTokenTTL time.Duration `yaml:"control_token_ttl"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"

	// Synthetic source (extension only)
	SourceWidth  int `yaml:"source_width"`
	SourceHeight int `yaml:"source_height"`
	SourceFPS    int `yaml:"source_fps"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		Role:                RoleHost,
		AppGroupDir:         filepath.Join(os.TempDir(), "screenrelay"),
		BufferCapacity:      10 << 20,
		CaptureFPS:          15,
		FPSMin:              15,
		FPSMax:              30,
		FPSDefault:          15,
		HeartbeatInterval:   time.Second,
		StalenessMultiplier: 5,
		HTTPAddr:            ":8080",
		StorageType:         "local",
		SnapshotDir:         "./data/snapshots",
		SnapshotInterval:    5 * time.Second,
		MaxSnapshots:        10,
		GCSBaseDir:          "snapshots",
		ControlTokenTTL:     5 * time.Minute,
		LogLevel:            "info",
		LogFormat:           "text",
		SourceWidth:         1920,
		SourceHeight:        1080,
		SourceFPS:           30,
	}
}

// Load loads configuration: built-in defaults, then the YAML file named by
// CONFIG_FILE, then environment variables (a .env file in the working
// directory is loaded into the environment first).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Role = getEnv("ROLE", c.Role)
	c.AppGroupDir = getEnv("APP_GROUP_DIR", c.AppGroupDir)
	c.BufferCapacity = getIntEnv("BUFFER_CAPACITY", c.BufferCapacity)
	c.CaptureFPS = getIntEnv("CAPTURE_FPS", c.CaptureFPS)
	c.FPSMin = getIntEnv("FPS_MIN", c.FPSMin)
	c.FPSMax = getIntEnv("FPS_MAX", c.FPSMax)
	c.FPSDefault = getIntEnv("FPS_DEFAULT", c.FPSDefault)
	c.HeartbeatInterval = getDurationEnv("HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.StalenessMultiplier = getIntEnv("STALENESS_MULTIPLIER", c.StalenessMultiplier)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.StorageType = getEnv("STORAGE_TYPE", c.StorageType)
	c.SnapshotDir = getEnv("SNAPSHOT_DIR", c.SnapshotDir)
	c.SnapshotInterval = getDurationEnv("SNAPSHOT_INTERVAL", c.SnapshotInterval)
	c.MaxSnapshots = getIntEnv("MAX_SNAPSHOTS", c.MaxSnapshots)
	c.GCSProjectID = getEnv("GCS_PROJECT_ID", c.GCSProjectID)
	c.GCSBucketName = getEnv("GCS_BUCKET_NAME", c.GCSBucketName)
	c.GCSBaseDir = getEnv("GCS_BASE_DIR", c.GCSBaseDir)
	c.ControlTokenTTL = getDurationEnv("CONTROL_TOKEN_TTL", c.ControlTokenTTL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.SourceWidth = getIntEnv("SOURCE_WIDTH", c.SourceWidth)
	c.SourceHeight = getIntEnv("SOURCE_HEIGHT", c.SourceHeight)
	c.SourceFPS = getIntEnv("SOURCE_FPS", c.SourceFPS)
}

// Validate rejects configurations the transport cannot run with
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Role != RoleHost && c.Role != RoleExtension {
		result = multierror.Append(result, fmt.Errorf("ROLE must be %q or %q, got %q", RoleHost, RoleExtension, c.Role))
	}
	if c.AppGroupDir == "" {
		result = multierror.Append(result, errors.New("APP_GROUP_DIR must be set"))
	}
	if c.BufferCapacity < codec.HeaderSize {
		result = multierror.Append(result, fmt.Errorf("BUFFER_CAPACITY %d is smaller than a frame header", c.BufferCapacity))
	}
	if c.FPSMin <= 0 || c.FPSMin > c.FPSMax {
		result = multierror.Append(result, fmt.Errorf("invalid fps range [%d, %d]", c.FPSMin, c.FPSMax))
	}
	if c.FPSDefault < c.FPSMin || c.FPSDefault > c.FPSMax {
		result = multierror.Append(result, fmt.Errorf("FPS_DEFAULT %d outside [%d, %d]", c.FPSDefault, c.FPSMin, c.FPSMax))
	}
	if c.HeartbeatInterval <= 0 || c.StalenessMultiplier <= 0 {
		result = multierror.Append(result, errors.New("HEARTBEAT_INTERVAL and STALENESS_MULTIPLIER must be positive"))
	}
	switch c.StorageType {
	case "local":
	case "gcs":
		if c.GCSProjectID == "" || c.GCSBucketName == "" {
			result = multierror.Append(result, errors.New("GCS_PROJECT_ID and GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown STORAGE_TYPE %q", c.StorageType))
	}
	if c.Role == RoleExtension && (c.SourceWidth <= 0 || c.SourceHeight <= 0 || c.SourceFPS <= 0) {
		result = multierror.Append(result, errors.New("SOURCE_WIDTH, SOURCE_HEIGHT and SOURCE_FPS must be positive"))
	}

	return result.ErrorOrNil()
}

// VideoPath is the shared frame buffer file
func (c *Config) VideoPath() string {
	return filepath.Join(c.AppGroupDir, "broadcast.video")
}

// DefaultsDir holds the shared key-value records (fps, keep-alive)
func (c *Config) DefaultsDir() string {
	return filepath.Join(c.AppGroupDir, "defaults")
}

// SignalsDir holds one datagram socket per listening process
func (c *Config) SignalsDir() string {
	return filepath.Join(c.AppGroupDir, "signals")
}

// SetupLogging applies LOG_LEVEL and LOG_FORMAT to the standard logger
func (c *Config) SetupLogging() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)

	switch c.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
