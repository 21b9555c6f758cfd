package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Pretty     bool   `yaml:"pretty"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool          `yaml:"send"`
	APIKey        string        `yaml:"api_key"`
	OrgID         string        `yaml:"org_id"`
	Dataset       string        `yaml:"dataset"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port              string        `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MetricsEnabled    bool          `yaml:"metrics_enabled"`
}

// WorkspaceConfig configures per-job scratch directories.
type WorkspaceConfig struct {
	Root          string        `yaml:"root"`
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ConvertConfig defines converter behavior and limits.
type ConvertConfig struct {
	MaxUploadMB         int           `yaml:"max_upload_mb"`
	Timeout             time.Duration `yaml:"timeout"`
	PresentationTimeout time.Duration `yaml:"presentation_timeout"`
	MaxOutputBufferMB   int           `yaml:"max_output_buffer_mb"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	AdmissionWait       time.Duration `yaml:"admission_wait"`
	MaxMergeFiles       int           `yaml:"max_merge_files"`
	RasterDPI           int           `yaml:"raster_dpi"`
	SofficeBin          string        `yaml:"soffice_bin"`
	ChromeBin           string        `yaml:"chrome_bin"`
}

// MaxUploadBytes returns the upload ceiling in bytes.
func (c ConvertConfig) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) << 20 }

// MaxOutputBytes returns the subprocess capture ceiling in bytes.
func (c ConvertConfig) MaxOutputBytes() int { return c.MaxOutputBufferMB << 20 }

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Convert   ConvertConfig   `yaml:"convert"`
	Logging   LoggingConfig   `yaml:"logging"`
	Axiom     AxiomConfig     `yaml:"axiom"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:              "3000",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MetricsEnabled:    true,
		},
		Workspace: WorkspaceConfig{
			Root:          filepath.Join(os.TempDir(), "conversions"),
			Retention:     time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Convert: ConvertConfig{
			MaxUploadMB:         50,
			Timeout:             60 * time.Second,
			PresentationTimeout: 120 * time.Second,
			MaxOutputBufferMB:   16,
			MaxConcurrent:       runtime.NumCPU(),
			AdmissionWait:       30 * time.Second,
			MaxMergeFiles:       10,
			RasterDPI:           110,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Pretty:     parseBool(devDefaultPretty(), false),
			File:       "logs/docconvert.log",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Axiom: AxiomConfig{
			Dataset:       "dev",
			FlushInterval: 10 * time.Second,
		},
	}
}

// Load reads .env (if present), then the optional YAML file, then the
// environment. Later sources win.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Workspace.Root == "":
		return fmt.Errorf("workspace root must be set")
	case c.Convert.MaxUploadMB <= 0:
		return fmt.Errorf("max upload must be positive, got %dMB", c.Convert.MaxUploadMB)
	case c.Convert.MaxConcurrent <= 0:
		return fmt.Errorf("max concurrent conversions must be positive, got %d", c.Convert.MaxConcurrent)
	case c.Convert.Timeout <= 0:
		return fmt.Errorf("conversion timeout must be positive")
	case c.Workspace.Retention <= 0:
		return fmt.Errorf("workspace retention must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.ReadHeaderTimeout = parseDuration(os.Getenv("READ_HEADER_TIMEOUT"), cfg.Server.ReadHeaderTimeout)
	cfg.Server.ShutdownTimeout = parseDuration(os.Getenv("SHUTDOWN_TIMEOUT"), cfg.Server.ShutdownTimeout)
	cfg.Server.MetricsEnabled = parseBool(os.Getenv("METRICS_ENABLED"), cfg.Server.MetricsEnabled)

	cfg.Workspace.Root = getEnv("WORKSPACE_ROOT", cfg.Workspace.Root)
	cfg.Workspace.Retention = parseDuration(os.Getenv("WORKSPACE_RETENTION"), cfg.Workspace.Retention)
	cfg.Workspace.SweepInterval = parseDuration(os.Getenv("SWEEP_INTERVAL"), cfg.Workspace.SweepInterval)

	cfg.Convert.MaxUploadMB = parseInt(os.Getenv("MAX_UPLOAD_MB"), cfg.Convert.MaxUploadMB)
	cfg.Convert.Timeout = parseDuration(os.Getenv("CONVERT_TIMEOUT"), cfg.Convert.Timeout)
	cfg.Convert.PresentationTimeout = parseDuration(os.Getenv("PRESENTATION_TIMEOUT"), cfg.Convert.PresentationTimeout)
	cfg.Convert.MaxOutputBufferMB = parseInt(os.Getenv("MAX_OUTPUT_BUFFER_MB"), cfg.Convert.MaxOutputBufferMB)
	cfg.Convert.MaxConcurrent = parseInt(os.Getenv("MAX_CONCURRENT_CONVERSIONS"), cfg.Convert.MaxConcurrent)
	cfg.Convert.AdmissionWait = parseDuration(os.Getenv("ADMISSION_WAIT"), cfg.Convert.AdmissionWait)
	cfg.Convert.MaxMergeFiles = parseInt(os.Getenv("MAX_MERGE_FILES"), cfg.Convert.MaxMergeFiles)
	cfg.Convert.RasterDPI = parseInt(os.Getenv("RASTER_DPI"), cfg.Convert.RasterDPI)
	cfg.Convert.SofficeBin = getEnv("SOFFICE_BIN", cfg.Convert.SofficeBin)
	cfg.Convert.ChromeBin = getEnv("CHROME_BIN", cfg.Convert.ChromeBin)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Pretty = parseBool(os.Getenv("LOG_PRETTY"), cfg.Logging.Pretty)
	cfg.Logging.File = getEnv("LOG_FILE", cfg.Logging.File)
	cfg.Logging.MaxSizeMB = parseInt(os.Getenv("LOG_MAX_SIZE_MB"), cfg.Logging.MaxSizeMB)
	cfg.Logging.MaxBackups = parseInt(os.Getenv("LOG_MAX_BACKUPS"), cfg.Logging.MaxBackups)
	cfg.Logging.MaxAgeDays = parseInt(os.Getenv("LOG_MAX_AGE_DAYS"), cfg.Logging.MaxAgeDays)
	cfg.Logging.Compress = parseBool(os.Getenv("LOG_COMPRESS"), cfg.Logging.Compress)

	cfg.Axiom.Send = parseBool(os.Getenv("SEND_LOGS_TO_AXIOM"), cfg.Axiom.Send)
	cfg.Axiom.APIKey = getEnv("AXIOM_API_KEY", cfg.Axiom.APIKey)
	cfg.Axiom.OrgID = getEnv("AXIOM_ORG_ID", cfg.Axiom.OrgID)
	cfg.Axiom.Dataset = getEnv("AXIOM_DATASET", cfg.Axiom.Dataset)
	cfg.Axiom.FlushInterval = parseDuration(os.Getenv("AXIOM_FLUSH_INTERVAL"), cfg.Axiom.FlushInterval)
}

// DatasetName is the Axiom dataset the service writes to.
func (a AxiomConfig) DatasetName() string {
	if strings.HasSuffix(a.Dataset, "_docconvert") {
		return a.Dataset
	}
	return a.Dataset + "_docconvert"
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseBool(s string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
