// Package notify pushes short session notices to an ntfy topic.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/tabwatch/internal/eventbus"
)

const sendTimeout = 5 * time.Second

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if strings.TrimSpace(endpoint) == "" {
		return errors.New("ntfy endpoint is required")
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// Notifier posts a message when a placeholder overlay is shown or the
// browser stops.
type Notifier struct {
	client   *http.Client
	endpoint string
	label    string
}

// NewNotifier creates a notifier for one session. A nil client uses
// http.DefaultClient.
func NewNotifier(client *http.Client, endpoint, sessionLabel string) *Notifier {
	return &Notifier{client: client, endpoint: endpoint, label: sessionLabel}
}

// Subscriptions returns the bus handlers of the notifier.
func (n *Notifier) Subscriptions() map[eventbus.Kind]eventbus.Handler {
	return map[eventbus.Kind]eventbus.Handler{
		eventbus.KindPlaceholderShown: n.onPlaceholderShown,
		eventbus.KindBrowserStopped:   n.onBrowserStopped,
	}
}

func (n *Notifier) onPlaceholderShown(ctx context.Context, ev eventbus.Event) error {
	shown, ok := ev.(eventbus.PlaceholderShown)
	if !ok {
		return fmt.Errorf("notify: unexpected event %T", ev)
	}
	return n.post(ctx, fmt.Sprintf("Agent %s: placeholder tab %s is showing the loading screen", n.label, shown.TargetID))
}

func (n *Notifier) onBrowserStopped(ctx context.Context, ev eventbus.Event) error {
	stopped, ok := ev.(eventbus.BrowserStopped)
	if !ok {
		return fmt.Errorf("notify: unexpected event %T", ev)
	}
	msg := fmt.Sprintf("Agent %s: browser stopped", n.label)
	if stopped.Reason != "" {
		msg += " (" + stopped.Reason + ")"
	}
	return n.post(ctx, msg)
}

func (n *Notifier) post(ctx context.Context, msg string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := Send(ctx, n.client, n.endpoint, msg); err != nil {
		slog.Warn("ntfy send failed", "endpoint", n.endpoint, "error", err)
		return err
	}
	return nil
}
