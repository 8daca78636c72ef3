package watchdog

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDOM is a minimal document model, enough for the overlay script.
const fakeDOM = `
var listeners = {};
function makeEl(tag) {
	return {
		tagName: tag,
		id: '',
		textContent: '',
		children: [],
		style: {},
		attrs: {},
		setAttribute: function (k, v) { this.attrs[k] = v; },
		appendChild: function (c) { this.children.push(c); return c; }
	};
}
var window = {};
var document = {
	readyState: 'complete',
	title: '',
	body: makeEl('body'),
	createElement: function (tag) { return makeEl(tag); },
	addEventListener: function (type, fn, opts) {
		(listeners[type] = listeners[type] || []).push(fn);
	}
};
function fire(type) {
	var fns = listeners[type] || [];
	listeners[type] = [];
	for (var i = 0; i < fns.length; i++) { fns[i](); }
}
function listenerCount(type) { return (listeners[type] || []).length; }
`

type fakePage struct {
	vm *goja.Runtime
}

func newFakePage(t *testing.T) *fakePage {
	t.Helper()
	vm := goja.New()
	_, err := vm.RunString(fakeDOM)
	require.NoError(t, err)
	return &fakePage{vm: vm}
}

func (p *fakePage) run(t *testing.T, script string) goja.Value {
	t.Helper()
	v, err := p.vm.RunString(script)
	require.NoError(t, err)
	return v
}

func (p *fakePage) str(t *testing.T, expr string) string {
	return p.run(t, expr).String()
}

func (p *fakePage) num(t *testing.T, expr string) int64 {
	return p.run(t, expr).ToInteger()
}

func TestSessionLabel(t *testing.T) {
	assert.Equal(t, "beef", SessionLabel("2f1c9a4e-0000-4000-8000-00000000beef"))
	assert.Equal(t, "abc", SessionLabel("abc"))
	assert.Equal(t, "", SessionLabel(""))
}

func TestLoadingTitle(t *testing.T) {
	assert.Equal(t, "Starting agent beef...", LoadingTitle("beef"))
}

func TestOverlayScriptInjectsOnce(t *testing.T) {
	page := newFakePage(t)
	script := DefaultOverlay.Script("beef")

	page.run(t, script)
	page.run(t, script)

	assert.Equal(t, int64(1), page.num(t, "document.body.children.length"))
	assert.Equal(t, "Starting agent beef...", page.str(t, "document.title"))
	assert.Equal(t, overlayElementID, page.str(t, "document.body.children[0].id"))
	assert.Equal(t, "none", page.str(t, "document.body.children[0].style.pointerEvents"))
	assert.Equal(t, "none", page.str(t, "document.body.children[0].style.userSelect"))
	assert.Equal(t, "true", page.str(t, "document.body.children[0].attrs['aria-hidden']"))
	assert.True(t, page.run(t, "window.__tabwatchOverlayActive").ToBoolean())
}

func TestOverlayScriptRendersText(t *testing.T) {
	page := newFakePage(t)
	overlay := Overlay{Heading: `Agent "X" </script>`, Subtitle: "it's loading"}

	page.run(t, overlay.Script("beef"))

	assert.Equal(t, `Agent "X" </script>`, page.str(t, "document.body.children[0].children[0].textContent"))
	assert.Equal(t, "it's loading", page.str(t, "document.body.children[0].children[1].textContent"))
	assert.Equal(t, "Starting agent beef...", page.str(t, "document.body.children[0].children[2].textContent"))
}

func TestOverlayTitleGuardWithoutFlag(t *testing.T) {
	page := newFakePage(t)
	script := DefaultOverlay.Script("beef")

	page.run(t, script)
	page.run(t, "window.__tabwatchOverlayActive = false")
	page.run(t, script)

	assert.Equal(t, int64(1), page.num(t, "document.body.children.length"))
	assert.Equal(t, "Starting agent beef...", page.str(t, "document.title"))
}

func TestOverlayWaitsForBody(t *testing.T) {
	page := newFakePage(t)
	page.run(t, "document.body = null; document.readyState = 'loading'; document.title = 'New Tab'")
	script := DefaultOverlay.Script("beef")

	page.run(t, script)
	page.run(t, script)

	assert.Equal(t, "New Tab", page.str(t, "document.title"))
	assert.False(t, page.run(t, "window.__tabwatchOverlayActive").ToBoolean())
	assert.Equal(t, int64(2), page.num(t, "listenerCount('DOMContentLoaded')"))

	page.run(t, "document.body = makeEl('body'); document.readyState = 'interactive'; fire('DOMContentLoaded')")

	assert.Equal(t, int64(1), page.num(t, "document.body.children.length"))
	assert.Equal(t, "Starting agent beef...", page.str(t, "document.title"))

	page.run(t, script)
	assert.Equal(t, int64(1), page.num(t, "document.body.children.length"))
}

func TestOverlayNoBodyAfterLoadDoesNotRetry(t *testing.T) {
	page := newFakePage(t)
	page.run(t, "document.body = null; document.readyState = 'complete'")

	page.run(t, DefaultOverlay.Script("beef"))

	assert.Equal(t, int64(0), page.num(t, "listenerCount('DOMContentLoaded')"))
	assert.False(t, page.run(t, "window.__tabwatchOverlayActive").ToBoolean())
}
