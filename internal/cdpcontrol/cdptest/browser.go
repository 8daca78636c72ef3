// Package cdptest provides an in-process fake of the Chrome DevTools HTTP and
// browser WebSocket endpoints, covering the Target and Runtime commands used
// by cdpcontrol.
package cdptest

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Target is a fake page target.
type Target struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Browser is a fake DevTools endpoint. Use URL() as the CDP HTTP base.
type Browser struct {
	srv *httptest.Server

	mu          sync.Mutex
	targets     []Target
	nextID      int
	evaluations map[string][]string // target id -> expressions
	closed      []string
	activated   []string
	evalErr     string
	closeErr    map[string]string
	conns       []net.Conn

	writeMu sync.Mutex
}

// NewBrowser starts a fake browser with the given initial targets.
func NewBrowser(targets ...Target) *Browser {
	b := &Browser{
		targets:     append([]Target(nil), targets...),
		evaluations: make(map[string][]string),
		closeErr:    make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", b.handleVersion)
	mux.HandleFunc("/json/list", b.handleList)
	mux.HandleFunc("/devtools/browser/fake", b.handleWS)
	b.srv = httptest.NewServer(mux)
	return b
}

// URL returns the HTTP base, e.g. "http://127.0.0.1:12345".
func (b *Browser) URL() string { return b.srv.URL }

// Close shuts the server and all websocket connections down.
func (b *Browser) Close() {
	b.mu.Lock()
	for _, c := range b.conns {
		_ = c.Close()
	}
	b.mu.Unlock()
	b.srv.Close()
}

// Targets returns a copy of the current targets.
func (b *Browser) Targets() []Target {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Target(nil), b.targets...)
}

// Evaluations returns the expressions evaluated in targetID.
func (b *Browser) Evaluations(targetID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.evaluations[targetID]...)
}

// Closed returns the ids passed to Target.closeTarget.
func (b *Browser) Closed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.closed...)
}

// Activated returns the ids passed to Target.activateTarget.
func (b *Browser) Activated() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.activated...)
}

// FailEvaluations makes every Runtime.evaluate report an exception.
func (b *Browser) FailEvaluations(text string) {
	b.mu.Lock()
	b.evalErr = text
	b.mu.Unlock()
}

// FailClose makes Target.closeTarget for targetID fail with text and leave
// the target open.
func (b *Browser) FailClose(targetID, text string) {
	b.mu.Lock()
	b.closeErr[targetID] = text
	b.mu.Unlock()
}

// DropConnections closes open websocket connections, simulating a browser
// restart of the debugging endpoint.
func (b *Browser) DropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (b *Browser) handleVersion(w http.ResponseWriter, r *http.Request) {
	wsURL := "ws" + strings.TrimPrefix(b.srv.URL, "http") + "/devtools/browser/fake"
	_ = json.NewEncoder(w).Encode(map[string]string{
		"Browser":              "FakeChrome/1.0",
		"webSocketDebuggerUrl": wsURL,
	})
}

func (b *Browser) handleList(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(b.Targets())
}

type request struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId"`
	Params    json.RawMessage `json:"params"`
}

func (b *Browser) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()
	defer conn.Close()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		events, result, errMsg := b.handleCommand(req)
		for _, ev := range events {
			if err := b.writeJSON(conn, ev); err != nil {
				return
			}
		}
		resp := map[string]any{"id": req.ID}
		if req.SessionID != "" {
			resp["sessionId"] = req.SessionID
		}
		if errMsg != "" {
			resp["error"] = map[string]any{"code": -32000, "message": errMsg}
		} else {
			resp["result"] = result
		}
		if err := b.writeJSON(conn, resp); err != nil {
			return
		}
	}
}

func (b *Browser) writeJSON(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return wsutil.WriteServerText(conn, data)
}

// CloseTarget removes a target as if the user closed it, and notifies every
// connected client with Target.targetDestroyed. It reports whether the
// target existed.
func (b *Browser) CloseTarget(id string) bool {
	b.mu.Lock()
	found := false
	for i, t := range b.targets {
		if t.ID == id {
			b.targets = append(b.targets[:i], b.targets[i+1:]...)
			found = true
			break
		}
	}
	conns := append([]net.Conn(nil), b.conns...)
	b.mu.Unlock()
	if !found {
		return false
	}
	ev := event("Target.targetDestroyed", map[string]any{"targetId": id})
	for _, c := range conns {
		_ = b.writeJSON(c, ev)
	}
	return true
}

func event(method string, params any) map[string]any {
	return map[string]any{"method": method, "params": params}
}

func targetInfo(t Target) map[string]any {
	return map[string]any{"targetId": t.ID, "type": t.Type, "url": t.URL, "title": t.Title}
}

func (b *Browser) handleCommand(req request) (events []map[string]any, result any, errMsg string) {
	var params struct {
		TargetID   string `json:"targetId"`
		URL        string `json:"url"`
		Expression string `json:"expression"`
		Discover   bool   `json:"discover"`
	}
	_ = json.Unmarshal(req.Params, &params)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch req.Method {
	case "Target.setDiscoverTargets":
		if params.Discover {
			for _, t := range b.targets {
				events = append(events, event("Target.targetCreated", map[string]any{"targetInfo": targetInfo(t)}))
			}
		}
		return events, map[string]any{}, ""
	case "Target.createTarget":
		b.nextID++
		t := Target{ID: fmt.Sprintf("NEW-%d", b.nextID), Type: "page", URL: params.URL}
		b.targets = append(b.targets, t)
		events = append(events, event("Target.targetCreated", map[string]any{"targetInfo": targetInfo(t)}))
		return events, map[string]any{"targetId": t.ID}, ""
	case "Target.closeTarget":
		if text, ok := b.closeErr[params.TargetID]; ok {
			return nil, nil, text
		}
		for i, t := range b.targets {
			if t.ID == params.TargetID {
				b.targets = append(b.targets[:i], b.targets[i+1:]...)
				b.closed = append(b.closed, t.ID)
				events = append(events, event("Target.targetDestroyed", map[string]any{"targetId": t.ID}))
				return events, map[string]any{"success": true}, ""
			}
		}
		return nil, nil, "No target with given id found"
	case "Target.activateTarget":
		b.activated = append(b.activated, params.TargetID)
		return nil, map[string]any{}, ""
	case "Target.attachToTarget":
		for _, t := range b.targets {
			if t.ID == params.TargetID {
				return nil, map[string]any{"sessionId": "S-" + t.ID}, ""
			}
		}
		return nil, nil, "No target with given id found"
	case "Target.detachFromTarget":
		return nil, map[string]any{}, ""
	case "Page.navigate":
		id := strings.TrimPrefix(req.SessionID, "S-")
		for i, t := range b.targets {
			if t.ID == id {
				b.targets[i].URL = params.URL
				return nil, map[string]any{"frameId": "F-" + id}, ""
			}
		}
		return nil, nil, "Session with given id not found"
	case "Runtime.evaluate":
		id := strings.TrimPrefix(req.SessionID, "S-")
		b.evaluations[id] = append(b.evaluations[id], params.Expression)
		if b.evalErr != "" {
			return nil, map[string]any{
				"result":           map[string]any{"type": "object", "subtype": "error"},
				"exceptionDetails": map[string]any{"text": b.evalErr},
			}, ""
		}
		return nil, map[string]any{"result": map[string]any{"type": "undefined"}}, ""
	default:
		return nil, nil, "'" + req.Method + "' wasn't found"
	}
}
