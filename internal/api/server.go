package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tabwatch/internal/cdpcontrol"
	"github.com/dgnsrekt/tabwatch/internal/controller"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	ListTabs(ctx context.Context) ([]cdpcontrol.TabInfo, error)
	OpenTab(ctx context.Context, url string, newTab bool) error
	CloseTab(ctx context.Context, targetID string) error
	Status(ctx context.Context) (controller.Status, error)
	RefreshOverlays(ctx context.Context) int
	RequestStop(ctx context.Context, reason string) error
}

type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func newStatus(status string) *statusOutput {
	out := &statusOutput{}
	out.Body.Status = status
	return out
}

// NewServer builds the control API. events, when non-nil, is mounted at
// /api/v1/events as the live event stream. sessionLabel tags logs and the
// docs page.
func NewServer(svc Service, events http.Handler, sessionLabel string) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(sessionLabel))
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("tabwatch Control API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		page, err := docsPage(sessionLabel)
		if err != nil {
			slog.Error("docs render failed", "error", err)
			http.Error(w, "docs unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write(page); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if events != nil {
		router.Method(http.MethodGet, eventsPath, events)
	}

	registerHealthHandlers(api)
	registerTabHandlers(api, svc)
	registerWatchdogHandlers(api, svc)

	return router
}

func registerHealthHandlers(api huma.API) {
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return newStatus("ok"), nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []cdpcontrol.TabInfo `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List open tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			if out.Body.Tabs == nil {
				out.Body.Tabs = []cdpcontrol.TabInfo{}
			}
			return out, nil
		})

	type openTabInput struct {
		Body struct {
			URL    string `json:"url" doc:"URL to load" example:"about:blank"`
			NewTab bool   `json:"new_tab,omitempty" default:"true" doc:"Open in a new tab instead of the first tab"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "open-tab", Method: http.MethodPost, Path: "/api/v1/tabs", Summary: "Open a url", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *openTabInput) (*statusOutput, error) {
			if err := svc.OpenTab(ctx, input.Body.URL, input.Body.NewTab); err != nil {
				return nil, mapErr(err)
			}
			return newStatus("opened"), nil
		})

	type closeTabInput struct {
		TargetID string `path:"target_id" doc:"Target id of the tab"`
	}
	huma.Register(api, huma.Operation{OperationID: "close-tab", Method: http.MethodDelete, Path: "/api/v1/tabs/{target_id}", Summary: "Close a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *closeTabInput) (*statusOutput, error) {
			if err := svc.CloseTab(ctx, input.TargetID); err != nil {
				return nil, mapErr(err)
			}
			return newStatus("closed"), nil
		})
}

func registerWatchdogHandlers(api huma.API, svc Service) {
	type watchdogStatusOutput struct {
		Body controller.Status
	}
	huma.Register(api, huma.Operation{OperationID: "watchdog-status", Method: http.MethodGet, Path: "/api/v1/watchdog", Summary: "Watchdog status", Tags: []string{"Watchdog"}},
		func(ctx context.Context, input *struct{}) (*watchdogStatusOutput, error) {
			st, err := svc.Status(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &watchdogStatusOutput{Body: st}, nil
		})

	type overlayOutput struct {
		Body struct {
			Tabs int `json:"tabs" doc:"Placeholder tabs the overlay was submitted to"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "refresh-overlays", Method: http.MethodPost, Path: "/api/v1/watchdog/overlay", Summary: "Re-inject the loading overlay into placeholder tabs", Tags: []string{"Watchdog"}},
		func(ctx context.Context, input *struct{}) (*overlayOutput, error) {
			out := &overlayOutput{}
			out.Body.Tabs = svc.RefreshOverlays(ctx)
			return out, nil
		})

	type stopInput struct {
		Body struct {
			Reason string `json:"reason,omitempty" doc:"Why the session is stopping"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "request-stop", Method: http.MethodPost, Path: "/api/v1/watchdog/stop", Summary: "Stop replacing closed tabs", Tags: []string{"Watchdog"}},
		func(ctx context.Context, input *stopInput) (*statusOutput, error) {
			if err := svc.RequestStop(ctx, input.Body.Reason); err != nil {
				return nil, mapErr(err)
			}
			return newStatus("stopping"), nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodeTargetNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
