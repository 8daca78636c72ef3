package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDispatchWaitsForAllHandlers(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	var calls atomic.Int32
	for _, name := range []string{"a", "b"} {
		require.NoError(t, b.Subscribe(KindNavigateToURL, name, func(ctx context.Context, ev Event) error {
			time.Sleep(20 * time.Millisecond)
			nav, ok := ev.(NavigateToURL)
			assert.True(t, ok)
			assert.Equal(t, "about:blank", nav.URL)
			calls.Add(1)
			return nil
		}))
	}

	p := b.Dispatch(NavigateToURL{URL: "about:blank", NewTab: true})
	require.NoError(t, p.Wait(waitCtx(t)))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatchWithoutSubscribersCompletesImmediately(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	p := b.Dispatch(CloseTab{TargetID: "T1"})
	select {
	case <-p.Done():
	default:
		t.Fatal("pending without handlers should be done")
	}
	assert.NoError(t, p.Wait(waitCtx(t)))
}

func TestWaitJoinsHandlerErrors(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	boom := errors.New("boom")
	require.NoError(t, b.Subscribe(KindCloseTab, "fails", func(ctx context.Context, ev Event) error {
		return boom
	}))
	require.NoError(t, b.Subscribe(KindCloseTab, "ok", func(ctx context.Context, ev Event) error {
		return nil
	}))

	err := b.Dispatch(CloseTab{TargetID: "T1"}).Wait(waitCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	require.NoError(t, b.Subscribe(KindTabCreated, "panics", func(ctx context.Context, ev Event) error {
		panic("bad handler")
	}))

	err := b.Dispatch(TabCreated{TargetID: "T1", URL: "about:blank"}).Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	// The bus keeps delivering after a panic.
	err = b.Dispatch(TabCreated{TargetID: "T2", URL: "about:blank"}).Wait(waitCtx(t))
	require.Error(t, err)
}

func TestHandlerIsSerializedPerKind(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	var active, maxActive atomic.Int32
	require.NoError(t, b.Subscribe(KindTabClosed, "serial", func(ctx context.Context, ev Event) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return nil
	}))

	var wg sync.WaitGroup
	pending := make(chan *Pending, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pending <- b.Dispatch(TabClosed{TargetID: "T"})
		}()
	}
	wg.Wait()
	close(pending)
	for p := range pending {
		require.NoError(t, p.Wait(waitCtx(t)))
	}
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestWaitHonoursContext(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	release := make(chan struct{})
	require.NoError(t, b.Subscribe(KindNavigateToURL, "slow", func(ctx context.Context, ev Event) error {
		<-release
		return nil
	}))

	p := b.Dispatch(NavigateToURL{URL: "about:blank"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
	require.NoError(t, p.Wait(waitCtx(t)))
}

func TestAttachSubscribesDeclaredKinds(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	var stops atomic.Int32
	handler := func(ctx context.Context, ev Event) error {
		stops.Add(1)
		return nil
	}
	require.NoError(t, b.Attach("stopper", map[Kind]Handler{
		KindBrowserStopRequested: handler,
		KindBrowserStopped:       handler,
	}))

	require.NoError(t, b.Dispatch(BrowserStopRequested{}).Wait(waitCtx(t)))
	require.NoError(t, b.Dispatch(BrowserStopped{}).Wait(waitCtx(t)))
	assert.Equal(t, int32(2), stops.Load())
}

func TestDispatchAfterCloseFails(t *testing.T) {
	b := New()
	require.NoError(t, b.Subscribe(KindCloseTab, "noop", func(ctx context.Context, ev Event) error { return nil }))
	b.Close()

	err := b.Dispatch(CloseTab{TargetID: "T1"}).Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestPendingReportsHandlerCount(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	p := b.Dispatch(NavigateToURL{URL: "about:blank", NewTab: true})
	require.NoError(t, p.Wait(waitCtx(t)))
	assert.Equal(t, 0, p.Handlers())

	require.NoError(t, b.Subscribe(KindNavigateToURL, "browser", func(ctx context.Context, ev Event) error { return nil }))
	p = b.Dispatch(NavigateToURL{URL: "about:blank", NewTab: true})
	require.NoError(t, p.Wait(waitCtx(t)))
	assert.Equal(t, 1, p.Handlers())
}

func TestPostDoesNotWaitForBusyHandler(t *testing.T) {
	b := New()

	release := make(chan struct{})
	var seen atomic.Int32
	require.NoError(t, b.Subscribe(KindPlaceholderShown, "slow", func(ctx context.Context, ev Event) error {
		seen.Add(1)
		<-release
		return nil
	}))

	start := time.Now()
	for i := 0; i < 3; i++ {
		b.Post(PlaceholderShown{TargetID: "T"})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.Eventually(t, func() bool { return seen.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(release)
	assert.Eventually(t, func() bool { return seen.Load() == 3 }, time.Second, 5*time.Millisecond)

	b.Close()
	b.Post(PlaceholderShown{TargetID: "late"})
	assert.Equal(t, int32(3), seen.Load())
}
