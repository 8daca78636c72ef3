package eventbus

import "github.com/chromedp/cdproto/target"

// Kind identifies an event topic on the bus.
type Kind string

const (
	KindBrowserStopRequested Kind = "browser.stop_requested"
	KindBrowserStopped       Kind = "browser.stopped"
	KindTabCreated           Kind = "tab.created"
	KindTabClosed            Kind = "tab.closed"
	KindNavigateToURL        Kind = "tab.navigate"
	KindCloseTab             Kind = "tab.close"
	KindTabCloseFailed       Kind = "tab.close_failed"
	KindPlaceholderShown     Kind = "tab.placeholder_shown"
)

// AllKinds lists every topic, in a stable order.
var AllKinds = []Kind{
	KindBrowserStopRequested,
	KindBrowserStopped,
	KindTabCreated,
	KindTabClosed,
	KindNavigateToURL,
	KindCloseTab,
	KindTabCloseFailed,
	KindPlaceholderShown,
}

// Event is implemented by every payload published on the bus.
type Event interface {
	Kind() Kind
}

// BrowserStopRequested is published when something decided to shut the browser down.
type BrowserStopRequested struct {
	Reason string `json:"reason,omitempty"`
}

// BrowserStopped is published once the browser process is gone.
type BrowserStopped struct {
	Reason string `json:"reason,omitempty"`
}

// TabCreated announces a new page target.
type TabCreated struct {
	TargetID target.ID `json:"target_id"`
	URL      string    `json:"url"`
}

// TabClosed announces a closing page target. When Removed is false the
// target is still listed by the browser at the time handlers run.
type TabClosed struct {
	TargetID target.ID `json:"target_id"`
	Removed  bool      `json:"removed"`
}

// NavigateToURL asks the browser session to load URL, in a new tab when NewTab is set.
type NavigateToURL struct {
	URL    string `json:"url"`
	NewTab bool   `json:"new_tab"`
}

// CloseTab asks the browser session to close a page target.
type CloseTab struct {
	TargetID target.ID `json:"target_id"`
}

// TabCloseFailed reports that a tab announced with TabClosed is still open
// because the browser refused to close it.
type TabCloseFailed struct {
	TargetID target.ID `json:"target_id"`
	Error    string    `json:"error,omitempty"`
}

// PlaceholderShown reports that the loading overlay was submitted to a tab.
type PlaceholderShown struct {
	TargetID target.ID `json:"target_id"`
}

func (BrowserStopRequested) Kind() Kind { return KindBrowserStopRequested }
func (BrowserStopped) Kind() Kind       { return KindBrowserStopped }
func (TabCreated) Kind() Kind           { return KindTabCreated }
func (TabClosed) Kind() Kind            { return KindTabClosed }
func (NavigateToURL) Kind() Kind        { return KindNavigateToURL }
func (CloseTab) Kind() Kind             { return KindCloseTab }
func (TabCloseFailed) Kind() Kind       { return KindTabCloseFailed }
func (PlaceholderShown) Kind() Kind     { return KindPlaceholderShown }
