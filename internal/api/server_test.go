package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/tabwatch/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwatch/internal/controller"
	"github.com/dgnsrekt/tabwatch/internal/watchdog"
)

type stubService struct {
	tabs      []cdpcontrol.TabInfo
	err       error
	opened    []string
	newTab    []bool
	closed    []string
	stopped   []string
	refreshed int
}

func (s *stubService) ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error) {
	return s.tabs, s.err
}
func (s *stubService) OpenTab(ctx context.Context, url string, newTab bool) error {
	s.opened = append(s.opened, url)
	s.newTab = append(s.newTab, newTab)
	return s.err
}
func (s *stubService) CloseTab(ctx context.Context, targetID string) error {
	s.closed = append(s.closed, targetID)
	return s.err
}
func (s *stubService) Status(ctx context.Context) (controller.Status, error) {
	return controller.Status{Status: watchdog.Status{SessionLabel: "beef", PlaceholderURL: "about:blank"}, OpenTabs: len(s.tabs)}, s.err
}
func (s *stubService) RefreshOverlays(ctx context.Context) int {
	s.refreshed++
	return 2
}
func (s *stubService) RequestStop(ctx context.Context, reason string) error {
	s.stopped = append(s.stopped, reason)
	return s.err
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestDocsDarkMode(t *testing.T) {
	h := NewServer(&stubService{}, nil, "beef")
	w := do(t, h, http.MethodGet, "/docs", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
	if !strings.Contains(body, "tabwatch beef Control API") {
		t.Fatalf("docs missing session label")
	}
	if !strings.Contains(body, `href="/api/v1/events?kinds=tab.closed"`) {
		t.Fatalf("docs missing per-kind stream link:\n%s", body)
	}
}

func TestHealth(t *testing.T) {
	w := do(t, NewServer(&stubService{}, nil, "beef"), http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestListTabs(t *testing.T) {
	svc := &stubService{tabs: []cdpcontrol.TabInfo{{TargetID: "A", URL: "about:blank"}}}
	w := do(t, NewServer(svc, nil, "beef"), http.MethodGet, "/api/v1/tabs", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	var got struct {
		Tabs []cdpcontrol.TabInfo `json:"tabs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Tabs) != 1 || got.Tabs[0].TargetID != "A" {
		t.Fatalf("tabs = %+v", got.Tabs)
	}
}

func TestListTabsEmptyIsArray(t *testing.T) {
	w := do(t, NewServer(&stubService{}, nil, "beef"), http.MethodGet, "/api/v1/tabs", "")
	if !strings.Contains(w.Body.String(), `"tabs":[]`) {
		t.Fatalf("body = %s; want empty array", w.Body.String())
	}
}

func TestOpenTabDefaultsToNewTab(t *testing.T) {
	svc := &stubService{}
	w := do(t, NewServer(svc, nil, "beef"), http.MethodPost, "/api/v1/tabs", `{"url":"about:blank"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	if len(svc.opened) != 1 || svc.opened[0] != "about:blank" || !svc.newTab[0] {
		t.Fatalf("opened = %v newTab = %v", svc.opened, svc.newTab)
	}
}

func TestCloseTab(t *testing.T) {
	svc := &stubService{}
	w := do(t, NewServer(svc, nil, "beef"), http.MethodDelete, "/api/v1/tabs/ABC", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	if len(svc.closed) != 1 || svc.closed[0] != "ABC" {
		t.Fatalf("closed = %v", svc.closed)
	}
}

func TestWatchdogEndpoints(t *testing.T) {
	svc := &stubService{tabs: []cdpcontrol.TabInfo{{TargetID: "A"}}}
	h := NewServer(svc, nil, "beef")

	w := do(t, h, http.MethodGet, "/api/v1/watchdog", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body %s", w.Code, w.Body.String())
	}
	var st controller.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.SessionLabel != "beef" || st.OpenTabs != 1 {
		t.Fatalf("status = %+v", st)
	}

	w = do(t, h, http.MethodPost, "/api/v1/watchdog/overlay", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"tabs":2`) {
		t.Fatalf("overlay = %d %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodPost, "/api/v1/watchdog/stop", `{"reason":"maintenance"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("stop = %d %s", w.Code, w.Body.String())
	}
	if len(svc.stopped) != 1 || svc.stopped[0] != "maintenance" {
		t.Fatalf("stopped = %v", svc.stopped)
	}
}

func TestEventsRouteMounted(t *testing.T) {
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	w := do(t, NewServer(&stubService{}, events, "beef"), http.MethodGet, "/api/v1/events", "")
	if w.Code != http.StatusTeapot {
		t.Fatalf("status = %d; want events handler", w.Code)
	}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: cdpcontrol.NewValidationError("url is required"), want: http.StatusBadRequest},
		{err: cdpcontrol.NewTargetNotFoundError("A"), want: http.StatusNotFound},
		{err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeEvalTimeout, Message: "slow"}, want: http.StatusGatewayTimeout},
		{err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeCDPUnavailable, Message: "down"}, want: http.StatusBadGateway},
		{err: &cdpcontrol.CodedError{Code: cdpcontrol.CodeEvalFailure, Message: "boom"}, want: http.StatusInternalServerError},
		{err: fmt.Errorf("wait: %w", context.DeadlineExceeded), want: http.StatusGatewayTimeout},
		{err: errors.Join(errors.New("other"), cdpcontrol.NewTargetNotFoundError("B")), want: http.StatusNotFound},
		{err: errors.New("plain"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			svc := &stubService{err: tt.err}
			w := do(t, NewServer(svc, nil, "beef"), http.MethodDelete, "/api/v1/tabs/A", "")
			if w.Code != tt.want {
				t.Fatalf("status = %d; want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestRequestLoggerTagsSession(t *testing.T) {
	logs := captureLogs(t, slog.LevelInfo)
	h := NewServer(&stubService{}, nil, "beef")

	do(t, h, http.MethodGet, "/health", "")
	if logs.Len() != 0 {
		t.Fatalf("health logged at info: %s", logs.String())
	}

	do(t, h, http.MethodGet, "/api/v1/tabs", "")
	out := logs.String()
	if !strings.Contains(out, "session=beef") || !strings.Contains(out, "path=/api/v1/tabs") {
		t.Fatalf("log = %q", out)
	}

	logs.Reset()
	do(t, NewServer(&stubService{err: errors.New("down")}, nil, "beef"), http.MethodGet, "/api/v1/tabs", "")
	if !strings.Contains(logs.String(), "level=WARN") {
		t.Fatalf("5xx log = %q", logs.String())
	}
}

func TestRequestLoggerReportsEventStreams(t *testing.T) {
	logs := captureLogs(t, slog.LevelInfo)
	events := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	do(t, NewServer(&stubService{}, events, "beef"), http.MethodGet, "/api/v1/events?kinds=tab.closed", "")

	out := logs.String()
	for _, want := range []string{`msg="event stream opened"`, "kinds=tab.closed", `msg="event stream closed"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log missing %s: %q", want, out)
		}
	}
}
