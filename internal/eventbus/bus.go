package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	evbus "github.com/asaskevich/EventBus"
)

// Handler processes one event. The context is cancelled when the bus closes.
type Handler func(ctx context.Context, ev Event) error

// Bus is a typed publish/subscribe dispatcher. Every handler is subscribed
// asynchronously and transactionally: a single handler never runs two
// events at once, but different handlers run concurrently.
type Bus struct {
	bus    evbus.Bus
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	nextID int64
	subs   map[Kind][]int64
	posts  sync.WaitGroup
}

// New creates an empty bus.
func New() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		bus:    evbus.New(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[Kind][]int64),
	}
}

// Subscribe registers h for kind. name is used in logs only.
func (b *Bus) Subscribe(kind Kind, name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("eventbus: nil handler for %s", kind)
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	fn := func(p *Pending) {
		b.deliver(id, name, h, p)
	}
	if err := b.bus.SubscribeAsync(string(kind), fn, true); err != nil {
		return fmt.Errorf("eventbus: subscribe %s: %w", kind, err)
	}

	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], id)
	b.mu.Unlock()

	slog.Debug("eventbus subscribed", "kind", kind, "handler", name)
	return nil
}

// Attach subscribes every handler in subs under a common component name.
func (b *Bus) Attach(name string, subs map[Kind]Handler) error {
	for _, kind := range AllKinds {
		h, ok := subs[kind]
		if !ok {
			continue
		}
		if err := b.Subscribe(kind, name, h); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch publishes ev and returns a handle that completes once every
// handler subscribed at dispatch time has returned.
func (b *Bus) Dispatch(ev Event) *Pending {
	b.mu.Lock()
	ids := append([]int64(nil), b.subs[ev.Kind()]...)
	b.mu.Unlock()

	p := newPending(ev, ids)
	if b.ctx.Err() != nil {
		p.fail(fmt.Errorf("eventbus: closed, dropped %s", ev.Kind()))
		return p
	}

	slog.Debug("eventbus dispatch", "kind", ev.Kind(), "handlers", len(ids))
	b.bus.Publish(string(ev.Kind()), p)
	return p
}

// Post dispatches ev without making the caller wait for handlers to accept
// it. Use it for notices nobody needs to wait on.
func (b *Bus) Post(ev Event) {
	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		slog.Debug("eventbus closed, dropped post", "kind", ev.Kind())
		return
	}
	b.posts.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.posts.Done()
		b.Dispatch(ev)
	}()
}

// Close cancels handler contexts and waits for in-flight handlers.
func (b *Bus) Close() {
	b.mu.Lock()
	b.cancel()
	b.mu.Unlock()
	b.posts.Wait()
	b.bus.WaitAsync()
}

func (b *Bus) deliver(id int64, name string, h Handler, p *Pending) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("eventbus: handler %s panicked on %s: %v", name, p.event.Kind(), r)
			slog.Error("eventbus handler panic", "handler", name, "kind", p.event.Kind(), "panic", r, "stack", string(debug.Stack()))
		}
		p.done(id, err)
	}()

	err = h(b.ctx, p.event)
	if err != nil {
		slog.Warn("eventbus handler failed", "handler", name, "kind", p.event.Kind(), "error", err)
	}
}

// Pending tracks the handlers of one dispatched event.
type Pending struct {
	event    Event
	handlers int

	mu        sync.Mutex
	remaining map[int64]struct{}
	errs      []error
	finished  chan struct{}
}

func newPending(ev Event, ids []int64) *Pending {
	p := &Pending{
		event:     ev,
		handlers:  len(ids),
		remaining: make(map[int64]struct{}, len(ids)),
		finished:  make(chan struct{}),
	}
	for _, id := range ids {
		p.remaining[id] = struct{}{}
	}
	if len(ids) == 0 {
		close(p.finished)
	}
	return p
}

// Event returns the dispatched event.
func (p *Pending) Event() Event { return p.event }

// Handlers returns how many handlers were subscribed when the event was
// dispatched. Zero means nobody received it.
func (p *Pending) Handlers() int { return p.handlers }

// Done is closed once all expected handlers have returned.
func (p *Pending) Done() <-chan struct{} { return p.finished }

// Wait blocks until every handler returned or ctx ends. The returned error
// joins all handler errors.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.finished:
	case <-ctx.Done():
		return fmt.Errorf("eventbus: waiting for %s: %w", p.event.Kind(), ctx.Err())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

func (p *Pending) done(id int64, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.remaining[id]; !ok {
		// Subscribed after dispatch; not awaited.
		return
	}
	delete(p.remaining, id)
	if err != nil {
		p.errs = append(p.errs, err)
	}
	if len(p.remaining) == 0 {
		close(p.finished)
	}
}

func (p *Pending) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs = append(p.errs, err)
	if len(p.remaining) > 0 {
		p.remaining = map[int64]struct{}{}
		close(p.finished)
	}
}
