package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the tab watchdog process.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Browser launch settings
	LaunchBrowser bool
	ProfileDir    string
	WindowSize    string

	// Control API
	BindAddr         string
	PortAutoFallback bool
	PortCandidates   []string

	EvalTimeoutMS  int
	OverlayHeading string
	NTFYURL        string
	JournalDir     string

	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		LaunchBrowser:    getEnvBoolOrDefault("TABWATCH_LAUNCH_BROWSER", false),
		ProfileDir:       getEnvOrDefault("TABWATCH_PROFILE_DIR", "./browser_profile"),
		WindowSize:       getEnvOrDefault("TABWATCH_WINDOW_SIZE", "1280,800"),
		BindAddr:         getEnvOrDefault("TABWATCH_BIND_ADDR", "127.0.0.1:8190"),
		PortAutoFallback: getEnvBoolOrDefault("TABWATCH_PORT_AUTO_FALLBACK", true),
		PortCandidates:   parseCSV(getEnvOrDefault("TABWATCH_PORT_CANDIDATES", "127.0.0.1:8191,127.0.0.1:8192,127.0.0.1:8193")),
		EvalTimeoutMS:    getEnvIntOrDefault("TABWATCH_EVAL_TIMEOUT_MS", 5000),
		OverlayHeading:   getEnvOrDefault("TABWATCH_OVERLAY_HEADING", "Browser Agent"),
		NTFYURL:          strings.TrimSpace(os.Getenv("TABWATCH_NTFY_URL")),
		JournalDir:       strings.TrimSpace(os.Getenv("TABWATCH_JOURNAL_DIR")),
		LogLevel:         strings.ToLower(getEnvOrDefault("TABWATCH_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("TABWATCH_LOG_FILE", "logs/tabwatch.log"),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.CDPPort <= 0 || cfg.CDPPort > 65535 {
		return nil, fmt.Errorf("invalid CHROMIUM_CDP_PORT: %d", cfg.CDPPort)
	}

	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint, e.g. "http://127.0.0.1:9222".
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

// EvalTimeout returns the per-evaluation timeout as a duration.
func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func parseCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
