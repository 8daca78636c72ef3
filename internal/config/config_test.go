package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHROMIUM_CDP_ADDRESS", "")
	t.Setenv("CHROMIUM_CDP_PORT", "")
	t.Setenv("TABWATCH_EVAL_TIMEOUT_MS", "")
	t.Setenv("TABWATCH_LOG_LEVEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, want := cfg.CDPURL(), "http://127.0.0.1:9222"; got != want {
		t.Fatalf("CDPURL() = %q; want %q", got, want)
	}
	if got, want := cfg.EvalTimeout(), 5*time.Second; got != want {
		t.Fatalf("EvalTimeout() = %v; want %v", got, want)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("LogLevel = %q; want %q", cfg.LogLevel, "info")
	}
}

func TestLoadClampsEvalTimeout(t *testing.T) {
	t.Setenv("TABWATCH_EVAL_TIMEOUT_MS", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.EvalTimeoutMS != 1000 {
		t.Fatalf("EvalTimeoutMS = %d; want 1000", cfg.EvalTimeoutMS)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("CHROMIUM_CDP_PORT", "9333")
	t.Setenv("TABWATCH_LAUNCH_BROWSER", "true")
	t.Setenv("TABWATCH_LOG_LEVEL", "DEBUG")
	t.Setenv("TABWATCH_NTFY_URL", "  http://ntfy.local/tabwatch  ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPPort != 9333 {
		t.Fatalf("CDPPort = %d; want 9333", cfg.CDPPort)
	}
	if !cfg.LaunchBrowser {
		t.Fatal("LaunchBrowser = false; want true")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}
	if cfg.NTFYURL != "http://ntfy.local/tabwatch" {
		t.Fatalf("NTFYURL = %q", cfg.NTFYURL)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("CHROMIUM_CDP_PORT", "70000")

	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil error; want invalid port error")
	}
}

func TestLoadPortCandidates(t *testing.T) {
	t.Setenv("TABWATCH_PORT_CANDIDATES", " 127.0.0.1:9001, ,127.0.0.1:9002 ")
	t.Setenv("TABWATCH_PORT_AUTO_FALLBACK", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.PortCandidates) != 2 || cfg.PortCandidates[0] != "127.0.0.1:9001" || cfg.PortCandidates[1] != "127.0.0.1:9002" {
		t.Fatalf("PortCandidates = %q", cfg.PortCandidates)
	}
	if cfg.PortAutoFallback {
		t.Fatal("PortAutoFallback = true; want false")
	}
}
