// Package watchdog keeps a browser session alive and its placeholder tabs
// labelled.
//
// The browser exits when its last tab closes, so every tab-closed event
// re-checks the live tab list and opens an about:blank placeholder before
// the closing tab disappears. Placeholder tabs get a non-interactive loading
// overlay so an operator can see the agent is starting. Once a stop signal
// is seen, no tabs are created any more.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabwatch/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwatch/internal/eventbus"
)

// PlaceholderURL is the exact url of a placeholder tab.
const PlaceholderURL = "about:blank"

var errNoNavigator = errors.New("no navigate-to-url handler is attached")

// closingTTL bounds how long a closing tab is discounted from the live count.
const closingTTL = 10 * time.Second

// Session is the browser-session surface the watchdog reads from.
type Session interface {
	ID() string
	ListOpenTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error)
	ScriptHandle(ctx context.Context, targetID target.ID, focus bool) (cdpcontrol.ScriptHandle, error)
}

// Dispatcher publishes events. *eventbus.Bus satisfies it.
type Dispatcher interface {
	Dispatch(ev eventbus.Event) *eventbus.Pending
	Post(ev eventbus.Event)
}

// Options tune a Watchdog. The zero value is usable.
type Options struct {
	Overlay Overlay
}

// Status is a point-in-time view of the watchdog.
type Status struct {
	SessionID       string `json:"session_id"`
	SessionLabel    string `json:"session_label"`
	Stopping        bool   `json:"stopping"`
	PlaceholderURL  string `json:"placeholder_url"`
	TabsReplaced    int64  `json:"tabs_replaced"`
	OverlaysShown   int64  `json:"overlays_shown"`
	OverlayFailures int64  `json:"overlay_failures"`
}

// Watchdog keeps at least one tab open and the loading overlay on placeholder tabs.
type Watchdog struct {
	session Session
	bus     Dispatcher
	overlay Overlay

	stopping atomic.Bool

	// replaceMu serializes check-and-create on tab-closed.
	replaceMu sync.Mutex

	closingMu sync.Mutex
	closing   map[target.ID]time.Time

	tabsReplaced    atomic.Int64
	overlaysShown   atomic.Int64
	overlayFailures atomic.Int64

	now func() time.Time
}

// New creates a watchdog. Call Attach to subscribe it to a bus.
func New(session Session, bus Dispatcher, opts Options) *Watchdog {
	overlay := opts.Overlay
	if overlay.Heading == "" {
		overlay.Heading = DefaultOverlay.Heading
	}
	if overlay.Subtitle == "" {
		overlay.Subtitle = DefaultOverlay.Subtitle
	}
	return &Watchdog{
		session: session,
		bus:     bus,
		overlay: overlay,
		closing: make(map[target.ID]time.Time),
		now:     time.Now,
	}
}

// Subscriptions returns the handlers keyed by the event kinds the watchdog listens to.
func (w *Watchdog) Subscriptions() map[eventbus.Kind]eventbus.Handler {
	return map[eventbus.Kind]eventbus.Handler{
		eventbus.KindBrowserStopRequested: w.onStop,
		eventbus.KindBrowserStopped:       w.onStop,
		eventbus.KindTabCreated:           w.onTabCreated,
		eventbus.KindTabClosed:            w.onTabClosed,
		eventbus.KindTabCloseFailed:       w.onTabCloseFailed,
	}
}

// Emits lists the event kinds the watchdog may dispatch.
func (w *Watchdog) Emits() []eventbus.Kind {
	return []eventbus.Kind{
		eventbus.KindNavigateToURL,
		eventbus.KindCloseTab,
		eventbus.KindPlaceholderShown,
	}
}

// Attach subscribes the watchdog's handlers on bus.
func (w *Watchdog) Attach(bus *eventbus.Bus) error {
	return bus.Attach("watchdog", w.Subscriptions())
}

// Stopping reports whether a stop signal has been observed.
func (w *Watchdog) Stopping() bool { return w.stopping.Load() }

// Status returns counters and state for the control API.
func (w *Watchdog) Status() Status {
	id := w.session.ID()
	return Status{
		SessionID:       id,
		SessionLabel:    SessionLabel(id),
		Stopping:        w.stopping.Load(),
		PlaceholderURL:  PlaceholderURL,
		TabsReplaced:    w.tabsReplaced.Load(),
		OverlaysShown:   w.overlaysShown.Load(),
		OverlayFailures: w.overlayFailures.Load(),
	}
}

func (w *Watchdog) onStop(ctx context.Context, ev eventbus.Event) error {
	if w.stopping.CompareAndSwap(false, true) {
		slog.Info("watchdog stopping, tab creation disabled", "event", ev.Kind())
	}
	return nil
}

func (w *Watchdog) onTabCreated(ctx context.Context, ev eventbus.Event) error {
	created, ok := ev.(eventbus.TabCreated)
	if !ok {
		return fmt.Errorf("watchdog: unexpected event %T", ev)
	}
	if created.URL != PlaceholderURL {
		return nil
	}
	slog.Debug("watchdog placeholder tab created", "target_id", created.TargetID)
	w.ShowOverlays(ctx)
	return nil
}

func (w *Watchdog) onTabClosed(ctx context.Context, ev eventbus.Event) error {
	closed, ok := ev.(eventbus.TabClosed)
	if !ok {
		return fmt.Errorf("watchdog: unexpected event %T", ev)
	}
	if w.stopping.Load() {
		slog.Debug("watchdog ignoring tab close while stopping", "target_id", closed.TargetID)
		return nil
	}

	w.markClosing(closed.TargetID)

	w.replaceMu.Lock()
	defer w.replaceMu.Unlock()

	// A stop may have arrived while waiting for the lock.
	if w.stopping.Load() {
		return nil
	}

	tabs, err := w.session.ListOpenTabs(ctx)
	if err != nil {
		slog.Error("watchdog failed to list tabs on close", "target_id", closed.TargetID, "error", err)
		return nil
	}

	remaining := w.remaining(tabs)
	if remaining <= 0 {
		slog.Debug("watchdog last tab closing, opening placeholder",
			"target_id", closed.TargetID, "listed", len(tabs), "removed", closed.Removed)
		if err := w.openPlaceholder(ctx); err != nil {
			slog.Error("watchdog failed to open placeholder tab", "error", err)
			return nil
		}
		w.ShowOverlays(ctx)
		return nil
	}

	w.EnsureTab(ctx)
	return nil
}

// onTabCloseFailed counts the tab as open again.
func (w *Watchdog) onTabCloseFailed(ctx context.Context, ev eventbus.Event) error {
	failed, ok := ev.(eventbus.TabCloseFailed)
	if !ok {
		return fmt.Errorf("watchdog: unexpected event %T", ev)
	}
	w.closingMu.Lock()
	delete(w.closing, failed.TargetID)
	w.closingMu.Unlock()
	slog.Debug("watchdog tab close failed, tab counts as open", "target_id", failed.TargetID)
	return nil
}

// EnsureTab opens a placeholder tab when the session reports no tabs at all.
func (w *Watchdog) EnsureTab(ctx context.Context) {
	if w.stopping.Load() {
		return
	}
	tabs, err := w.session.ListOpenTabs(ctx)
	if err != nil {
		slog.Error("watchdog failed to list tabs", "error", err)
		return
	}
	if len(tabs) > 0 {
		return
	}

	slog.Debug("watchdog no tabs left, opening placeholder")
	if err := w.openPlaceholder(ctx); err != nil {
		slog.Error("watchdog failed to open placeholder tab", "error", err)
		return
	}
	w.ShowOverlays(ctx)
}

// ShowOverlays injects the loading overlay into every placeholder tab.
// It returns the number of tabs the script was submitted to.
func (w *Watchdog) ShowOverlays(ctx context.Context) int {
	tabs, err := w.session.ListOpenTabs(ctx)
	if err != nil {
		slog.Error("watchdog failed to list tabs for overlay", "error", err)
		return 0
	}

	label := SessionLabel(w.session.ID())
	shown := 0
	for _, tab := range tabs {
		if tab.URL != PlaceholderURL {
			continue
		}
		if w.inject(ctx, tab.TargetID, label) {
			shown++
		}
	}
	return shown
}

func (w *Watchdog) inject(ctx context.Context, targetID target.ID, label string) bool {
	handle, err := w.session.ScriptHandle(ctx, targetID, false)
	if err != nil {
		w.overlayFailures.Add(1)
		slog.Error("watchdog failed to acquire script handle", "target_id", targetID, "error", err)
		return false
	}
	if err := handle.Evaluate(ctx, w.overlay.Script(label)); err != nil {
		w.overlayFailures.Add(1)
		slog.Error("watchdog failed to inject overlay", "target_id", targetID, "error", err)
		return false
	}

	w.overlaysShown.Add(1)
	w.bus.Post(eventbus.PlaceholderShown{TargetID: targetID})
	slog.Debug("watchdog overlay injected", "target_id", targetID)
	return true
}

func (w *Watchdog) openPlaceholder(ctx context.Context) error {
	p := w.bus.Dispatch(eventbus.NavigateToURL{URL: PlaceholderURL, NewTab: true})
	if err := p.Wait(ctx); err != nil {
		return err
	}
	if p.Handlers() == 0 {
		return errNoNavigator
	}
	w.tabsReplaced.Add(1)
	return nil
}

func (w *Watchdog) markClosing(targetID target.ID) {
	w.closingMu.Lock()
	w.closing[targetID] = w.now()
	w.closingMu.Unlock()
}

// remaining counts listed tabs that are not closing, and forgets closing
// entries that are no longer listed or have expired.
func (w *Watchdog) remaining(tabs []cdpcontrol.TabInfo) int {
	w.closingMu.Lock()
	defer w.closingMu.Unlock()

	listed := make(map[target.ID]struct{}, len(tabs))
	for _, tab := range tabs {
		listed[tab.TargetID] = struct{}{}
	}
	now := w.now()
	for id, at := range w.closing {
		if _, ok := listed[id]; !ok || now.Sub(at) > closingTTL {
			delete(w.closing, id)
		}
	}

	n := 0
	for _, tab := range tabs {
		if _, ok := w.closing[tab.TargetID]; !ok {
			n++
		}
	}
	return n
}
