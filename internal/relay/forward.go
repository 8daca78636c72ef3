package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dgnsrekt/tabwatch/internal/eventbus"
)

// Subscriber is the subscription side of the event bus.
type Subscriber interface {
	Attach(name string, subs map[eventbus.Kind]eventbus.Handler) error
}

type envelope struct {
	Kind eventbus.Kind  `json:"kind"`
	At   time.Time      `json:"at"`
	Data eventbus.Event `json:"data"`
}

// Forward publishes every bus event to broker as JSON.
func Forward(bus Subscriber, broker *Broker) error {
	h := func(ctx context.Context, ev eventbus.Event) error {
		data, err := json.Marshal(envelope{Kind: ev.Kind(), At: time.Now().UTC(), Data: ev})
		if err != nil {
			return err
		}
		broker.Publish(string(ev.Kind()), string(data))
		return nil
	}

	subs := make(map[eventbus.Kind]eventbus.Handler, len(eventbus.AllKinds))
	for _, kind := range eventbus.AllKinds {
		subs[kind] = h
	}
	return bus.Attach("relay", subs)
}
