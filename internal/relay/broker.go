// Package relay streams bus events to HTTP clients as server-sent events.
package relay

import (
	"sync"
	"sync/atomic"
)

const (
	subscriberBufSize = 256
	defaultHistory    = 64
)

// Event is one bus event ready to be written as SSE.
type Event struct {
	ID      int64
	Kind    string
	Payload string
}

// Broker fans out events to subscribed SSE clients and remembers the most
// recent ones for late joiners.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	history     []Event
	historyCap  int

	nextSub   atomic.Int64
	nextEvent atomic.Int64
}

// NewBroker creates a broker keeping up to history past events. A
// non-positive history selects the default.
func NewBroker(history int) *Broker {
	if history <= 0 {
		history = defaultHistory
	}
	return &Broker{
		subscribers: make(map[int64]chan Event),
		historyCap:  history,
	}
}

// Subscribe registers a client and returns its id, the retained events with
// an id greater than after, and a channel for new events. The channel is
// buffered; slow consumers have events dropped.
func (b *Broker) Subscribe(after int64) (int64, []Event, <-chan Event) {
	id := b.nextSub.Add(1)
	ch := make(chan Event, subscriberBufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = ch
	var backlog []Event
	for _, evt := range b.history {
		if evt.ID > after {
			backlog = append(backlog, evt)
		}
	}
	return id, backlog, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id int64) {
	b.mu.Lock()
	ch, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish assigns the next event id and sends the event to every
// subscriber without blocking.
func (b *Broker) Publish(kind, payload string) Event {
	evt := Event{ID: b.nextEvent.Add(1), Kind: kind, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, evt)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

// ClientCount returns the number of active subscribers.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
