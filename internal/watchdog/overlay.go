package watchdog

import (
	"encoding/json"
	"strings"
)

// Overlay holds the visible text of the loading screen.
type Overlay struct {
	Heading  string
	Subtitle string
}

// DefaultOverlay is used when Options.Overlay is left empty.
var DefaultOverlay = Overlay{
	Heading:  "Browser Agent",
	Subtitle: "Browser Automation Agent",
}

const overlayElementID = "tabwatch-loading-screen"

// LoadingTitle is the document title set on a placeholder tab. It doubles as
// the visible idempotency marker.
func LoadingTitle(label string) string {
	return "Starting agent " + label + "..."
}

// SessionLabel returns the last four characters of a session id.
func SessionLabel(sessionID string) string {
	if len(sessionID) <= 4 {
		return sessionID
	}
	return sessionID[len(sessionID)-4:]
}

// Script renders the self-contained overlay injection script for label.
//
// Guards, in order: the in-page window flag, a missing document body (the
// flag is cleared and a one-shot DOMContentLoaded retry is registered) and
// the document title. Running it twice in one page lifetime leaves the page
// unchanged after the first run.
func (o Overlay) Script(label string) string {
	r := strings.NewReplacer(
		"__LABEL__", jsString(label),
		"__TITLE__", jsString(LoadingTitle(label)),
		"__HEADING__", jsString(o.Heading),
		"__SUBTITLE__", jsString(o.Subtitle),
		"__ELEMENT_ID__", jsString(overlayElementID),
	)
	return r.Replace(overlayScriptTemplate)
}

func jsString(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

const overlayScriptTemplate = `(function inject(label) {
	if (window.__tabwatchOverlayActive) {
		return;
	}
	window.__tabwatchOverlayActive = true;

	if (!document.body) {
		window.__tabwatchOverlayActive = false;
		if (document.readyState === 'loading') {
			document.addEventListener('DOMContentLoaded', function () { inject(label); }, { once: true });
		}
		return;
	}

	var loadingTitle = __TITLE__;
	if (document.title === loadingTitle) {
		return;
	}
	document.title = loadingTitle;

	var overlay = document.createElement('div');
	overlay.id = __ELEMENT_ID__;
	overlay.setAttribute('aria-hidden', 'true');
	overlay.style.position = 'fixed';
	overlay.style.top = '0';
	overlay.style.left = '0';
	overlay.style.width = '100vw';
	overlay.style.height = '100vh';
	overlay.style.background = 'linear-gradient(135deg, #1a1a1a 0%, #2d2d2d 100%)';
	overlay.style.zIndex = '2147483647';
	overlay.style.display = 'flex';
	overlay.style.flexDirection = 'column';
	overlay.style.justifyContent = 'center';
	overlay.style.alignItems = 'center';
	overlay.style.fontFamily = 'system-ui, -apple-system, sans-serif';
	overlay.style.pointerEvents = 'none';
	overlay.style.userSelect = 'none';

	var heading = document.createElement('h1');
	heading.textContent = __HEADING__;
	heading.style.fontSize = '4rem';
	heading.style.fontWeight = '700';
	heading.style.color = '#ffffff';
	heading.style.margin = '0 0 1rem 0';
	heading.style.letterSpacing = '0.1em';
	heading.style.pointerEvents = 'none';

	var subtitle = document.createElement('p');
	subtitle.textContent = __SUBTITLE__;
	subtitle.style.fontSize = '1.2rem';
	subtitle.style.color = '#cccccc';
	subtitle.style.margin = '0 0 2rem 0';
	subtitle.style.fontWeight = '300';
	subtitle.style.pointerEvents = 'none';

	var status = document.createElement('p');
	status.textContent = 'Starting agent ' + label + '...';
	status.style.fontSize = '1rem';
	status.style.color = '#999999';
	status.style.margin = '0';
	status.style.pointerEvents = 'none';

	overlay.appendChild(heading);
	overlay.appendChild(subtitle);
	overlay.appendChild(status);
	document.body.appendChild(overlay);
})(__LABEL__);`
