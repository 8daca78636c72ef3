package relay

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// SSEHandler returns an http.HandlerFunc that streams bus events as SSE.
// Clients may filter by event kind via ?kinds=tab.created,tab.closed and
// resume with the Last-Event-ID header.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		var kindFilter map[string]bool
		if q := r.URL.Query().Get("kinds"); q != "" {
			kindFilter = make(map[string]bool)
			for _, k := range strings.Split(q, ",") {
				if k = strings.TrimSpace(k); k != "" {
					kindFilter[k] = true
				}
			}
		}

		var after int64
		if v := r.Header.Get("Last-Event-ID"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid Last-Event-ID", http.StatusBadRequest)
				return
			}
			after = n
		} else {
			// Without a resume point only new events are sent.
			after = 1<<63 - 1
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, backlog, ch := broker.Subscribe(after)
		defer broker.Unsubscribe(id)

		send := func(evt Event) {
			if kindFilter != nil && !kindFilter[evt.Kind] {
				return
			}
			writeEvent(w, evt)
			flusher.Flush()
		}
		for _, evt := range backlog {
			send(evt)
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				send(evt)
			}
		}
	}
}

func writeEvent(w io.Writer, evt Event) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Kind, evt.Payload)
}
