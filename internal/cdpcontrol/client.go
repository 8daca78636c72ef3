package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"no session with given id",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
	"not connected",
}

type tabSession struct {
	info      TabInfo
	mu        sync.Mutex
	sessionID string // CDP session ID from Target.attachToTarget
}

// Client drives page targets of one browser over a single raw CDP connection.
type Client struct {
	cdpURL      string
	evalTimeout time.Duration

	mu   sync.Mutex
	cdp  *rawCDP
	tabs map[target.ID]*tabSession

	targetLocksMu sync.Mutex
	targetLocks   map[target.ID]*sync.Mutex

	watchersMu sync.Mutex
	watchers   []func(TargetEvent)
	unwatch    []func()
}

func NewClient(cdpURL string, evalTimeout time.Duration) *Client {
	return &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		tabs:        make(map[target.ID]*tabSession),
		targetLocks: make(map[target.ID]*sync.Mutex),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return newError(CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	if err := c.syncTabsLocked(ctx); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}

	if err := c.rewatchLocked(ctx); err != nil {
		slog.Warn("cdpcontrol target discovery failed", "error", err)
	}

	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", len(c.tabs))
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	// Detach from any active sessions without closing targets.
	if c.cdp != nil {
		for targetID, session := range c.tabs {
			if session == nil {
				continue
			}
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.cdp.detachFromTarget(ctx, session.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "target_id", targetID, "error", err)
				}
				cancel()
				session.sessionID = ""
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.tabs = make(map[target.ID]*tabSession)
}

// ListTabs returns the open page targets, sorted by target id.
func (c *Client) ListTabs(ctx context.Context) ([]TabInfo, error) {
	if err := c.refreshTabs(ctx); err != nil {
		slog.Warn("cdpcontrol list tabs failed", "error", err)
		return nil, err
	}

	c.mu.Lock()
	tabs := make([]TabInfo, 0, len(c.tabs))
	for _, s := range c.tabs {
		if s != nil {
			tabs = append(tabs, s.info)
		}
	}
	c.mu.Unlock()

	sort.Slice(tabs, func(i, j int) bool {
		return tabs[i].TargetID < tabs[j].TargetID
	})
	slog.Debug("cdpcontrol list tabs", "count", len(tabs))
	return tabs, nil
}

// CreateTab opens a page target at url. In a new window when newWindow is set.
func (c *Client) CreateTab(ctx context.Context, url string, newWindow bool) (target.ID, error) {
	cdp, err := c.conn(ctx)
	if err != nil {
		return "", err
	}
	targetID, err := cdp.createTarget(ctx, url, newWindow)
	if err != nil {
		return "", newError(CodeCDPUnavailable, "create target failed", err)
	}
	slog.Debug("cdpcontrol target created", "target_id", targetID, "url", url)
	return targetID, nil
}

// CloseTab detaches any cached session and closes the target.
func (c *Client) CloseTab(ctx context.Context, targetID target.ID) error {
	cdp, err := c.conn(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	session := c.tabs[targetID]
	delete(c.tabs, targetID)
	c.mu.Unlock()
	if session != nil {
		session.mu.Lock()
		if session.sessionID != "" {
			if err := cdp.detachFromTarget(ctx, session.sessionID); err != nil {
				slog.Debug("cdpcontrol detach before close failed", "target_id", targetID, "error", err)
			}
			session.sessionID = ""
		}
		session.mu.Unlock()
	}

	if err := cdp.closeTarget(ctx, targetID); err != nil {
		return newError(CodeTargetNotFound, "close target failed", err)
	}
	slog.Debug("cdpcontrol target closed", "target_id", targetID)
	return nil
}

// Activate brings the target to the foreground.
func (c *Client) Activate(ctx context.Context, targetID target.ID) error {
	cdp, err := c.conn(ctx)
	if err != nil {
		return err
	}
	if err := cdp.activateTarget(ctx, targetID); err != nil {
		return newError(CodeTargetNotFound, "activate target failed", err)
	}
	return nil
}

// Navigate loads url in an existing target.
func (c *Client) Navigate(ctx context.Context, targetID target.ID, url string) error {
	return c.withSession(ctx, targetID, func(cdp *rawCDP, sessionID string) error {
		if err := cdp.navigate(ctx, sessionID, url); err != nil {
			return newError(CodeEvalFailure, "navigate failed", err)
		}
		return nil
	})
}

// Evaluate runs js in the page context of targetID and returns its string
// result. Transient failures are retried once after a reconnect or re-attach.
func (c *Client) Evaluate(ctx context.Context, targetID target.ID, js string) (string, error) {
	var out string
	err := c.withSession(ctx, targetID, func(cdp *rawCDP, sessionID string) error {
		evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
		defer evalCancel()

		raw, err := cdp.evaluate(evalCtx, sessionID, js)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
				return newError(CodeEvalTimeout, "evaluation timed out", err)
			}
			return newError(CodeEvalFailure, "evaluation failed", err)
		}
		out = raw
		return nil
	})
	return out, err
}

// Handle returns a reusable scripting handle bound to targetID. The CDP
// session behind it is attached lazily and cached until the target goes away.
func (c *Client) Handle(targetID target.ID) *TargetHandle {
	return &TargetHandle{client: c, targetID: targetID}
}

// TargetHandle evaluates scripts in one target.
type TargetHandle struct {
	client   *Client
	targetID target.ID
}

// TargetID returns the bound target.
func (h *TargetHandle) TargetID() target.ID { return h.targetID }

// Evaluate submits js to the target's page context.
func (h *TargetHandle) Evaluate(ctx context.Context, js string) error {
	_, err := h.client.Evaluate(ctx, h.targetID, js)
	return err
}

// WatchTargets forwards page-target lifecycle events to fn and enables target
// discovery, which replays targetCreated for every existing target. fn runs
// on the connection's read goroutine and must not block. Watchers survive
// reconnects.
func (c *Client) WatchTargets(ctx context.Context, fn func(TargetEvent)) error {
	c.watchersMu.Lock()
	c.watchers = append(c.watchers, fn)
	c.watchersMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp == nil {
		return nil
	}
	return c.rewatchLocked(ctx)
}

func (c *Client) rewatchLocked(ctx context.Context) error {
	c.watchersMu.Lock()
	for _, unregister := range c.unwatch {
		unregister()
	}
	c.unwatch = nil
	if len(c.watchers) == 0 || c.cdp == nil {
		c.watchersMu.Unlock()
		return nil
	}

	emit := func(ev TargetEvent) {
		c.watchersMu.Lock()
		watchers := slices.Clone(c.watchers)
		c.watchersMu.Unlock()
		for _, w := range watchers {
			w(ev)
		}
	}

	onInfo := func(typ TargetEventType) func(string, json.RawMessage) {
		return func(_ string, params json.RawMessage) {
			var evt struct {
				TargetInfo struct {
					TargetID target.ID `json:"targetId"`
					Type     string    `json:"type"`
					URL      string    `json:"url"`
				} `json:"targetInfo"`
			}
			if err := json.Unmarshal(params, &evt); err != nil {
				slog.Debug("cdpcontrol bad target event", "type", typ, "error", err)
				return
			}
			if evt.TargetInfo.Type != "page" {
				return
			}
			emit(TargetEvent{Type: typ, TargetID: evt.TargetInfo.TargetID, URL: evt.TargetInfo.URL})
		}
	}

	c.unwatch = append(c.unwatch,
		c.cdp.registerEventHandler("Target.targetCreated", onInfo(TargetCreated)),
		c.cdp.registerEventHandler("Target.targetInfoChanged", onInfo(TargetInfoChanged)),
		c.cdp.registerEventHandler("Target.targetDestroyed", func(_ string, params json.RawMessage) {
			var evt struct {
				TargetID target.ID `json:"targetId"`
			}
			if err := json.Unmarshal(params, &evt); err != nil {
				return
			}
			emit(TargetEvent{Type: TargetDestroyed, TargetID: evt.TargetID})
		}),
	)
	c.watchersMu.Unlock()

	// Discovery events arrive on the read loop before this returns, and emit
	// takes watchersMu, so it must not be held here.
	if err := c.cdp.setDiscoverTargets(ctx, true); err != nil {
		return newError(CodeCDPUnavailable, "enable target discovery failed", err)
	}
	return nil
}

// withSession resolves the cached session for targetID, runs fn, and retries
// once after recovery when the failure looks transient.
func (c *Client) withSession(ctx context.Context, targetID target.ID, fn func(cdp *rawCDP, sessionID string) error) error {
	if strings.TrimSpace(string(targetID)) == "" {
		return newError(CodeValidation, "target id is required", nil)
	}

	lock := c.targetLock(targetID)
	lock.Lock()
	defer lock.Unlock()

	err := c.runOnSession(ctx, targetID, fn)
	if err == nil {
		return nil
	}
	if !c.shouldRetry(err) {
		return err
	}

	slog.Warn("cdpcontrol retry after transient failure", "target_id", targetID, "error", err)
	if c.asCode(err, CodeCDPUnavailable) {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("cdpcontrol reconnect failed during retry", "target_id", targetID, "error", recErr)
			return recErr
		}
	} else if syncErr := c.refreshTabs(ctx); syncErr != nil {
		slog.Warn("cdpcontrol tab refresh failed during retry", "target_id", targetID, "error", syncErr)
	}

	return c.runOnSession(ctx, targetID, fn)
}

func (c *Client) runOnSession(ctx context.Context, targetID target.ID, fn func(cdp *rawCDP, sessionID string) error) error {
	session, err := c.resolveSession(ctx, targetID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	sessionID, err := c.ensureSession(ctx, cdp, session, targetID)
	if err != nil {
		return err
	}

	if err := fn(cdp, sessionID); err != nil {
		// Reset session so a fresh attach happens on retry.
		session.mu.Lock()
		session.sessionID = ""
		session.mu.Unlock()
		slog.Warn("cdpcontrol session command failed", "target_id", targetID, "error", err)
		return err
	}
	return nil
}

// ensureSession returns a CDP session ID for the target, attaching if needed.
func (c *Client) ensureSession(ctx context.Context, cdp *rawCDP, session *tabSession, targetID target.ID) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID != "" {
		return session.sessionID, nil
	}

	sid, err := cdp.attachToTarget(ctx, targetID)
	if err != nil {
		return "", newError(CodeCDPUnavailable, "attach to target failed", err)
	}
	session.sessionID = sid
	slog.Debug("cdpcontrol session attached", "target_id", targetID, "session_id", sid)
	return sid, nil
}

func (c *Client) resolveSession(ctx context.Context, targetID target.ID) (*tabSession, error) {
	if session, ok := c.lookupSession(targetID); ok {
		return session, nil
	}

	if err := c.refreshTabs(ctx); err != nil {
		return nil, err
	}

	if session, ok := c.lookupSession(targetID); ok {
		return session, nil
	}
	return nil, newError(CodeTargetNotFound, "target not found: "+string(targetID), nil)
}

func (c *Client) lookupSession(targetID target.ID) (*tabSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session := c.tabs[targetID]
	return session, session != nil
}

func (c *Client) refreshTabs(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncTabsLocked(ctx)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) syncTabsLocked(ctx context.Context) error {
	if c.cdp == nil {
		return newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return newError(CodeCDPUnavailable, "failed to list targets", err)
	}

	expected := make(map[target.ID]TabInfo)
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		expected[t.TargetID] = TabInfo{
			TargetID: t.TargetID,
			URL:      t.URL,
			Title:    t.Title,
		}
	}

	for targetID := range c.tabs {
		if _, ok := expected[targetID]; ok {
			continue
		}
		delete(c.tabs, targetID)
	}

	for targetID, info := range expected {
		session := c.tabs[targetID]
		if session != nil {
			session.info = info
			continue
		}
		c.tabs[targetID] = &tabSession{info: info}
	}

	// Prune locks for targets no longer present.
	c.targetLocksMu.Lock()
	for id := range c.targetLocks {
		if _, ok := c.tabs[id]; !ok {
			delete(c.targetLocks, id)
		}
	}
	c.targetLocksMu.Unlock()

	slog.Debug("cdpcontrol tab sync", "targets", len(targets), "pages", len(c.tabs))
	return nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.cdp != nil && c.cdp.connected()
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) conn(ctx context.Context) (*rawCDP, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cdp == nil {
		return nil, newError(CodeCDPUnavailable, "CDP client not connected", nil)
	}
	return c.cdp, nil
}

func (c *Client) targetLock(targetID target.ID) *sync.Mutex {
	c.targetLocksMu.Lock()
	defer c.targetLocksMu.Unlock()
	m, ok := c.targetLocks[targetID]
	if !ok {
		m = &sync.Mutex{}
		c.targetLocks[targetID] = m
	}
	return m
}

func (c *Client) shouldRetry(err error) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case CodeCDPUnavailable:
		return true
	case CodeTargetNotFound, CodeValidation, CodeEvalTimeout:
		return false
	case CodeEvalFailure:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

func (c *Client) asCode(err error, code string) bool {
	var coded *CodedError
	if !errors.As(err, &coded) {
		return false
	}
	return coded.Code == code
}
