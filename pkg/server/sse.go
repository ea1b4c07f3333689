package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sagekb/sage/pkg/agent"
	"github.com/sagekb/sage/pkg/observability"
)

// streamBuffer bounds how far the orchestrator may run ahead of a slow
// client before emits start blocking.
const streamBuffer = 64

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (sw *sseWriter) writeEvent(e agent.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		payload = []byte(`{"type":"error","data":"failed to encode event"}`)
	}
	fmt.Fprintf(sw.w, "data: %s\n\n", payload)
	sw.flusher.Flush()
}

func (sw *sseWriter) writeError(msg string) {
	sw.writeEvent(agent.Event{Type: agent.EventError, Data: msg})
}

// handleQueryStream serves one answer as an SSE stream. Failures before the
// first event come back as a plain HTTP status; once the stream is open,
// failures become a single terminal error event instead.
func (s *Server) handleQueryStream(defaultMode string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeQueryRequest(r, defaultMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		ctx := r.Context()
		events := make(chan agent.Event, streamBuffer)
		errCh := make(chan error, 1)

		go func() {
			defer close(events)
			errCh <- s.orch.Stream(ctx, req, func(e agent.Event) {
				select {
				case events <- e:
				case <-ctx.Done():
				}
			})
		}()

		var sw *sseWriter
		open := func() {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			sw = &sseWriter{w: w, flusher: flusher}
			observability.GetGlobalMetrics().StreamOpened(ctx)
		}
		defer func() {
			if sw != nil {
				observability.GetGlobalMetrics().StreamClosed(ctx)
			}
		}()

		idle := time.NewTimer(s.cfg.Timeouts.StreamIdle)
		defer idle.Stop()

		for {
			select {
			case e, more := <-events:
				if !more {
					err := <-errCh
					if err == nil {
						return
					}
					if ctx.Err() != nil {
						// Client went away; nobody is listening.
						return
					}
					if sw == nil {
						writeError(w, statusFor(err), err.Error())
						return
					}
					sw.writeError(err.Error())
					return
				}
				if sw == nil {
					open()
				}
				sw.writeEvent(e)
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(s.cfg.Timeouts.StreamIdle)

			case <-idle.C:
				s.log.Warn("stream idle timeout", "path", r.URL.Path)
				if sw == nil {
					writeError(w, http.StatusGatewayTimeout, "stream idle timeout")
				} else {
					sw.writeError("stream idle timeout")
				}
				return

			case <-ctx.Done():
				return
			}
		}
	}
}
