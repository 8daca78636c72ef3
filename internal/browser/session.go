package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabwatch/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwatch/internal/eventbus"
	"github.com/google/uuid"
)

const (
	defaultCreateTimeout = 5 * time.Second
	defaultPollInterval  = 50 * time.Millisecond
	eventQueueSize       = 256
)

// Bus is the part of the event bus a session uses.
type Bus interface {
	Dispatch(ev eventbus.Event) *eventbus.Pending
	Attach(name string, subs map[eventbus.Kind]eventbus.Handler) error
}

// SessionOptions tune a Session. Zero values select defaults.
type SessionOptions struct {
	// CreateTimeout bounds how long a new tab may take to show up in the
	// target list.
	CreateTimeout time.Duration
	PollInterval  time.Duration
}

// Session is one automation session against a running browser. It serves
// navigate-to-url and close-tab requests from the bus and publishes the
// browser's page lifecycle back onto it.
type Session struct {
	id     string
	client *cdpcontrol.Client
	bus    Bus
	opts   SessionOptions

	events chan cdpcontrol.TargetEvent
	stop   chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	started    bool
	known      map[target.ID]string // page targets seen, with their last url
	selfClosed map[target.ID]struct{}
}

// NewSession creates a session with a fresh random id.
func NewSession(client *cdpcontrol.Client, bus Bus, opts SessionOptions) *Session {
	if opts.CreateTimeout <= 0 {
		opts.CreateTimeout = defaultCreateTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Session{
		id:         uuid.NewString(),
		client:     client,
		bus:        bus,
		opts:       opts,
		events:     make(chan cdpcontrol.TargetEvent, eventQueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		known:      make(map[target.ID]string),
		selfClosed: make(map[target.ID]struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ListOpenTabs returns the open page tabs.
func (s *Session) ListOpenTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error) {
	return s.client.ListTabs(ctx)
}

// ScriptHandle returns a scripting handle for targetID, bringing the tab to
// the foreground first when focus is set.
func (s *Session) ScriptHandle(ctx context.Context, targetID target.ID, focus bool) (cdpcontrol.ScriptHandle, error) {
	if targetID == "" {
		return nil, cdpcontrol.NewValidationError("target_id is required")
	}
	if focus {
		if err := s.client.Activate(ctx, targetID); err != nil {
			return nil, err
		}
	}
	return s.client.Handle(targetID), nil
}

// Subscriptions returns the bus handlers the session serves.
func (s *Session) Subscriptions() map[eventbus.Kind]eventbus.Handler {
	return map[eventbus.Kind]eventbus.Handler{
		eventbus.KindNavigateToURL: s.onNavigate,
		eventbus.KindCloseTab:      s.onCloseTab,
	}
}

// Start subscribes the session on the bus and begins forwarding browser
// target events. It must be called once, after the client is connected.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("browser session already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.bus.Attach("browser", s.Subscriptions()); err != nil {
		return fmt.Errorf("attach browser session: %w", err)
	}

	go s.pump()

	if err := s.client.WatchTargets(ctx, s.enqueue); err != nil {
		return fmt.Errorf("watch targets: %w", err)
	}
	slog.Info("browser session started", "session_id", s.id)
	return nil
}

// Stop ends event forwarding. Handlers already subscribed stay registered
// until the bus closes.
func (s *Session) Stop() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

// enqueue runs on the CDP read goroutine, so it never blocks.
func (s *Session) enqueue(ev cdpcontrol.TargetEvent) {
	select {
	case s.events <- ev:
	default:
		slog.Warn("browser session event queue full, dropping event", "type", ev.Type, "target_id", ev.TargetID)
	}
}

func (s *Session) pump() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.events:
			s.handleTargetEvent(ev)
		}
	}
}

func (s *Session) handleTargetEvent(ev cdpcontrol.TargetEvent) {
	switch ev.Type {
	case cdpcontrol.TargetCreated:
		s.mu.Lock()
		_, seen := s.known[ev.TargetID]
		s.known[ev.TargetID] = ev.URL
		s.mu.Unlock()
		if seen {
			return
		}
		slog.Debug("browser tab created", "target_id", ev.TargetID, "url", ev.URL)
		s.bus.Dispatch(eventbus.TabCreated{TargetID: ev.TargetID, URL: ev.URL})

	case cdpcontrol.TargetInfoChanged:
		s.mu.Lock()
		if _, ok := s.known[ev.TargetID]; ok {
			s.known[ev.TargetID] = ev.URL
		}
		s.mu.Unlock()

	case cdpcontrol.TargetDestroyed:
		s.mu.Lock()
		_, page := s.known[ev.TargetID]
		delete(s.known, ev.TargetID)
		_, ours := s.selfClosed[ev.TargetID]
		delete(s.selfClosed, ev.TargetID)
		s.mu.Unlock()
		if !page || ours {
			return
		}
		slog.Debug("browser tab closed externally", "target_id", ev.TargetID)
		s.bus.Dispatch(eventbus.TabClosed{TargetID: ev.TargetID, Removed: true})
	}
}

func (s *Session) onNavigate(ctx context.Context, ev eventbus.Event) error {
	nav, ok := ev.(eventbus.NavigateToURL)
	if !ok {
		return fmt.Errorf("browser: unexpected event %T", ev)
	}
	if nav.URL == "" {
		return cdpcontrol.NewValidationError("url is required")
	}

	if !nav.NewTab {
		tabs, err := s.client.ListTabs(ctx)
		if err != nil {
			return err
		}
		if len(tabs) > 0 {
			slog.Debug("browser navigate", "target_id", tabs[0].TargetID, "url", nav.URL)
			return s.client.Navigate(ctx, tabs[0].TargetID, nav.URL)
		}
	}

	id, err := s.client.CreateTab(ctx, nav.URL, false)
	if err != nil {
		return err
	}
	slog.Debug("browser tab opened", "target_id", id, "url", nav.URL)
	return s.waitListed(ctx, id)
}

// waitListed polls the target list until id appears.
func (s *Session) waitListed(ctx context.Context, id target.ID) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CreateTimeout)
	defer cancel()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		tabs, err := s.client.ListTabs(ctx)
		if err == nil {
			for _, tab := range tabs {
				if tab.TargetID == id {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("tab %s not listed: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Session) onCloseTab(ctx context.Context, ev eventbus.Event) error {
	req, ok := ev.(eventbus.CloseTab)
	if !ok {
		return fmt.Errorf("browser: unexpected event %T", ev)
	}
	if req.TargetID == "" {
		return cdpcontrol.NewValidationError("target_id is required")
	}

	tabs, err := s.client.ListTabs(ctx)
	if err != nil {
		return err
	}
	if !containsTab(tabs, req.TargetID) {
		return cdpcontrol.NewTargetNotFoundError(req.TargetID)
	}

	s.mu.Lock()
	s.selfClosed[req.TargetID] = struct{}{}
	s.mu.Unlock()

	// Listeners see the tab still open.
	if err := s.bus.Dispatch(eventbus.TabClosed{TargetID: req.TargetID}).Wait(ctx); err != nil {
		slog.Warn("browser tab-closed handlers failed", "target_id", req.TargetID, "error", err)
	}

	if err := s.client.CloseTab(ctx, req.TargetID); err != nil {
		s.mu.Lock()
		delete(s.selfClosed, req.TargetID)
		s.mu.Unlock()
		// Listeners already counted the tab as gone.
		failed := eventbus.TabCloseFailed{TargetID: req.TargetID, Error: err.Error()}
		if werr := s.bus.Dispatch(failed).Wait(ctx); werr != nil {
			slog.Warn("browser tab-close-failed handlers failed", "target_id", req.TargetID, "error", werr)
		}
		return err
	}
	slog.Debug("browser tab closed", "target_id", req.TargetID)
	return nil
}

func containsTab(tabs []cdpcontrol.TabInfo, id target.ID) bool {
	for _, tab := range tabs {
		if tab.TargetID == id {
			return true
		}
	}
	return false
}
