package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/tabwatch/internal/api"
	"github.com/dgnsrekt/tabwatch/internal/browser"
	"github.com/dgnsrekt/tabwatch/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwatch/internal/config"
	"github.com/dgnsrekt/tabwatch/internal/controller"
	"github.com/dgnsrekt/tabwatch/internal/eventbus"
	"github.com/dgnsrekt/tabwatch/internal/netutil"
	"github.com/dgnsrekt/tabwatch/internal/notify"
	"github.com/dgnsrekt/tabwatch/internal/relay"
	"github.com/dgnsrekt/tabwatch/internal/storage"
	"github.com/dgnsrekt/tabwatch/internal/watchdog"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var errBrowserExited = errors.New("browser process exited")

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("tabwatch config loaded",
		"cdp_url", cfg.CDPURL(),
		"launch_browser", cfg.LaunchBrowser,
		"bind_addr", cfg.BindAddr,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"ntfy", cfg.NTFYURL != "",
		"journal_dir", cfg.JournalDir,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("tabwatch exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.LaunchConfig{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.ProfileDir,
			WindowSize: cfg.WindowSize,
			StartURL:   watchdog.PlaceholderURL,
		})
		if err := launcher.Launch(ctx); err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer launcher.Stop()
	}

	ln, err := netutil.Listen(netutil.BindPlan{
		Preferred:    cfg.BindAddr,
		Candidates:   cfg.PortCandidates,
		AutoFallback: cfg.PortAutoFallback,
	})
	if err != nil {
		return fmt.Errorf("open control API listener: %w", err)
	}
	defer ln.Close()
	bindAddr := ln.Addr().String()

	client := cdpcontrol.NewClient(cfg.CDPURL(), cfg.EvalTimeout())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.CDPURL(), err)
	}

	bus := eventbus.New()
	session := browser.NewSession(client, bus, browser.SessionOptions{})
	wd := watchdog.New(session, bus, watchdog.Options{
		Overlay: watchdog.Overlay{Heading: cfg.OverlayHeading},
	})
	if err := wd.Attach(bus); err != nil {
		return err
	}

	broker := relay.NewBroker(0)
	if err := relay.Forward(bus, broker); err != nil {
		return err
	}
	if cfg.NTFYURL != "" {
		n := notify.NewNotifier(nil, cfg.NTFYURL, watchdog.SessionLabel(session.ID()))
		if err := bus.Attach("notify", n.Subscriptions()); err != nil {
			return err
		}
	}

	if cfg.JournalDir != "" {
		journal := storage.NewJournal(cfg.JournalDir, watchdog.SessionLabel(session.ID()))
		if err := bus.Attach("journal", journal.Subscriptions()); err != nil {
			return err
		}
		defer func() {
			if err := journal.Close(); err != nil {
				slog.Warn("journal close failed", "error", err)
			}
		}()
	}

	if err := session.Start(ctx); err != nil {
		return err
	}
	slog.Info("tabwatch session ready",
		"session_id", session.ID(),
		"label", watchdog.SessionLabel(session.ID()),
	)
	wd.EnsureTab(ctx)

	svc := controller.NewService(session, bus, wd)
	label := watchdog.SessionLabel(session.ID())
	srv := &http.Server{Handler: api.NewServer(svc, relay.SSEHandler(broker), label)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("control API listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var exited <-chan struct{}
		if launcher != nil {
			exited = launcher.Exited()
		}
		select {
		case <-gctx.Done():
			return nil
		case <-exited:
			return errBrowserExited
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		reason := "shutdown"
		if cause := context.Cause(gctx); cause != nil && !errors.Is(cause, context.Canceled) {
			reason = cause.Error()
		}
		shutdown(reason, bus, srv, session, launcher, client)
		return nil
	})

	return g.Wait()
}

// shutdown stops in order: announce the stop so no tab gets replaced, stop
// serving, end the session, then the browser.
func shutdown(reason string, bus *eventbus.Bus, srv *http.Server, session *browser.Session, launcher *browser.Launcher, client *cdpcontrol.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	slog.Info("tabwatch shutting down", "reason", reason)

	if err := bus.Dispatch(eventbus.BrowserStopRequested{Reason: reason}).Wait(ctx); err != nil {
		slog.Warn("stop-requested handlers failed", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("control API shutdown failed", "error", err)
	}
	session.Stop()

	if launcher != nil {
		launcher.Stop()
		if err := bus.Dispatch(eventbus.BrowserStopped{Reason: reason}).Wait(ctx); err != nil {
			slog.Warn("browser-stopped handlers failed", "error", err)
		}
	}

	_ = client.Close()
	bus.Close()
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
