package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gymbook/session-booking/internal/metrics"
	redisclient "github.com/gymbook/session-booking/internal/redis"
)

// watchHandler streams change events for one topic as server-sent events.
// This is the live-query surface: a client holds the stream open and
// re-renders on each event, and closing the connection releases the
// underlying pub/sub subscription.
func watchHandler(feed *redisclient.Feed, topicFor func(trainerID string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trainerID, ok := parseIDParam(w, r, "trainerID")
		if !ok {
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
			return
		}

		events, cancel, err := feed.Subscribe(r.Context(), topicFor(trainerID.String()))
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "feed_unavailable", err.Error())
			return
		}
		defer cancel()

		metrics.FeedSubscribers.Inc()
		defer metrics.FeedSubscribers.Dec()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					log.Printf("failed to marshal feed event: %v", err)
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}
