package controller

import (
	"context"
	"strings"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabwatch/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwatch/internal/eventbus"
	"github.com/dgnsrekt/tabwatch/internal/watchdog"
)

// Tabs lists the session's open tabs.
type Tabs interface {
	ListOpenTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error)
}

// Watchdog is the watchdog surface exposed over the control API.
type Watchdog interface {
	Status() watchdog.Status
	ShowOverlays(ctx context.Context) int
}

// Service turns control-API calls into bus requests so that manual tab
// operations go through the same handlers as automated ones.
type Service struct {
	tabs Tabs
	bus  watchdog.Dispatcher
	wd   Watchdog
}

// Status combines the watchdog view with the live tab count.
type Status struct {
	watchdog.Status
	OpenTabs int `json:"open_tabs"`
}

func NewService(tabs Tabs, bus watchdog.Dispatcher, wd Watchdog) *Service {
	return &Service{tabs: tabs, bus: bus, wd: wd}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpcontrol.CodedError{Code: cdpcontrol.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

func (s *Service) ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error) {
	return s.tabs.ListOpenTabs(ctx)
}

// OpenTab loads url, in a new tab when newTab is set.
func (s *Service) OpenTab(ctx context.Context, url string, newTab bool) error {
	if err := s.requireNonEmpty(url, "url"); err != nil {
		return err
	}
	ev := eventbus.NavigateToURL{URL: strings.TrimSpace(url), NewTab: newTab}
	return s.bus.Dispatch(ev).Wait(ctx)
}

// CloseTab closes a tab. The watchdog sees the close before the tab goes away.
func (s *Service) CloseTab(ctx context.Context, targetID string) error {
	if err := s.requireNonEmpty(targetID, "target_id"); err != nil {
		return err
	}
	ev := eventbus.CloseTab{TargetID: target.ID(strings.TrimSpace(targetID))}
	return s.bus.Dispatch(ev).Wait(ctx)
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	tabs, err := s.tabs.ListOpenTabs(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Status: s.wd.Status(), OpenTabs: len(tabs)}, nil
}

// RefreshOverlays re-runs overlay injection on every placeholder tab.
func (s *Service) RefreshOverlays(ctx context.Context) int {
	return s.wd.ShowOverlays(ctx)
}

// RequestStop announces a shutdown. Once seen, the watchdog stops replacing tabs.
func (s *Service) RequestStop(ctx context.Context, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "requested via api"
	}
	return s.bus.Dispatch(eventbus.BrowserStopRequested{Reason: reason}).Wait(ctx)
}
