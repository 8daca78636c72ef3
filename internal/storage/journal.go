package storage

import (
	"context"
	"time"

	"github.com/dgnsrekt/tabwatch/internal/eventbus"
)

// Record is one journal line.
type Record struct {
	At      time.Time      `json:"at"`
	Session string         `json:"session"`
	Kind    eventbus.Kind  `json:"kind"`
	Data    eventbus.Event `json:"data"`
}

// Journal appends every bus event of a session to a JSONL writer.
type Journal struct {
	w       *JSONLWriter
	session string
}

// NewJournal writes to <dir>/<date>/<sessionLabel>.jsonl.
func NewJournal(dir, sessionLabel string) *Journal {
	return &Journal{w: NewJSONLWriter(dir, sessionLabel, 0, 0), session: sessionLabel}
}

// Subscriptions returns a handler for every event kind.
func (j *Journal) Subscriptions() map[eventbus.Kind]eventbus.Handler {
	subs := make(map[eventbus.Kind]eventbus.Handler, len(eventbus.AllKinds))
	for _, kind := range eventbus.AllKinds {
		subs[kind] = j.record
	}
	return subs
}

func (j *Journal) record(ctx context.Context, ev eventbus.Event) error {
	return j.w.Write(Record{At: time.Now().UTC(), Session: j.session, Kind: ev.Kind(), Data: ev})
}

// Close flushes pending records.
func (j *Journal) Close() error {
	return j.w.Close()
}
