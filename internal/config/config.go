package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Serve modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
	ModeBoth = "both"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// PipelineConfig holds processing service client settings.
type PipelineConfig struct {
	URL          string
	Timeout      time.Duration
	RatePerSec   float64
	DefaultLimit int
	// ArticlesDB is a SQLite database holding the collector's articles table.
	// Empty resolves article filters against the local state database.
	ArticlesDB string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Pipeline PipelineConfig

	StateDir          string
	Timezone          string
	Location          *time.Location
	Mode              string
	ShutdownGrace     time.Duration
	RecoveryThreshold time.Duration
}

const (
	defaultAddr            = "0.0.0.0:7070"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultTimezone        = "Local"
	defaultShutdownGrace   = 30 * time.Second
	defaultPipelineURL     = "http://pipeline:8000"
	defaultPipelineTimeout = 10 * time.Minute
	defaultPipelineLimit   = 50
)

func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse reads configuration from the process arguments.
func Parse() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs builds the configuration.
// Priority: CLI flags > environment variables > .env file > defaults
func ParseArgs(args []string) (*Config, error) {
	envFiles := []string{}
	if _, err := os.Stat(".env"); err == nil {
		envFiles = append(envFiles, ".env")
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(configDir, "feedcron", ".env")
		if _, err := os.Stat(path); err == nil {
			envFiles = append(envFiles, path)
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("FEEDCRON_ADDR", defaultAddr),
			AuthToken: getEnvString("FEEDCRON_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:  getEnvString("FEEDCRON_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("FEEDCRON_LOG_FORMAT", defaultLogFormat),
		},
		Pipeline: PipelineConfig{
			URL:          getEnvString("FEEDCRON_PIPELINE_URL", defaultPipelineURL),
			Timeout:      getEnvDuration("FEEDCRON_PIPELINE_TIMEOUT", defaultPipelineTimeout),
			RatePerSec:   getEnvFloat("FEEDCRON_PIPELINE_RATE", 0),
			DefaultLimit: getEnvInt("FEEDCRON_PIPELINE_LIMIT", defaultPipelineLimit),
			ArticlesDB:   getEnvString("FEEDCRON_ARTICLES_DB", ""),
		},
		StateDir:          getEnvString("FEEDCRON_STATE_DIR", ""),
		Timezone:          getEnvString("FEEDCRON_TIMEZONE", defaultTimezone),
		Mode:              getEnvString("FEEDCRON_MODE", ModeHTTP),
		ShutdownGrace:     getEnvDuration("FEEDCRON_SHUTDOWN_GRACE", defaultShutdownGrace),
		RecoveryThreshold: getEnvDuration("FEEDCRON_RECOVERY_THRESHOLD", 0),
	}

	fs := flag.NewFlagSet("feedcrond", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address (overrides env)")
	stateDir := fs.String("state-dir", "", "Directory to store the database")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format (text, json)")
	timezone := fs.String("timezone", "", "IANA time zone for schedule times, or Local/UTC")
	mode := fs.String("mode", "", "Serve mode (http, mcp, both)")
	pipelineURL := fs.String("pipeline-url", "", "Processing service base URL")
	articlesDB := fs.String("articles-db", "", "SQLite database with the articles table used by article filters")
	shutdownGrace := fs.Duration("shutdown-grace", 0, "Grace period for in-flight executions when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if *timezone != "" {
		cfg.Timezone = *timezone
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *pipelineURL != "" {
		cfg.Pipeline.URL = *pipelineURL
	}
	if *articlesDB != "" {
		cfg.Pipeline.ArticlesDB = *articlesDB
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "shutdown-grace" {
			cfg.ShutdownGrace = *shutdownGrace
		}
	})

	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch cfg.Mode {
	case ModeHTTP, ModeMCP, ModeBoth:
	default:
		return nil, fmt.Errorf("invalid mode %q (want http, mcp or both)", cfg.Mode)
	}

	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	cfg.Location = loc

	if cfg.Pipeline.DefaultLimit < 1 {
		cfg.Pipeline.DefaultLimit = defaultPipelineLimit
	}
	if cfg.Pipeline.Timeout <= 0 {
		cfg.Pipeline.Timeout = defaultPipelineTimeout
	}
	if cfg.RecoveryThreshold < 0 {
		cfg.RecoveryThreshold = 0
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	return cfg, nil
}

func loadLocation(name string) (*time.Location, error) {
	switch strings.TrimSpace(name) {
	case "", "Local", "local":
		return time.Local, nil
	case "UTC", "utc":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(baseDir, "feedcron"), nil
}
