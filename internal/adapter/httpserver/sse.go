package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drejom/rbiocverse-sub003/internal/adapter/observability"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
	"github.com/drejom/rbiocverse-sub003/internal/usecase"
)

var errNoStreaming = fmt.Errorf("op=httpserver: response writer does not support streaming: %w", domain.ErrInternal)

// sseWriter emits data-only server-sent-event frames. Launch and stop
// streams never use named events; clients switch on the type field.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errNoStreaming
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	// A launch can sit in waitForNode for minutes; the stream must
	// outlive any server-wide write deadline.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

type progressFrame struct {
	Type     string `json:"type"`
	Step     string `json:"step"`
	Progress int    `json:"progress,omitempty"`
	Message  string `json:"message"`
	JobID    string `json:"jobId,omitempty"`
	Node     string `json:"node,omitempty"`
}

// pendingFrame is terminal: the job is queued and the client should
// fall back to status polling. StartTime stays null when SLURM offers
// no estimate.
type pendingFrame struct {
	Type      string  `json:"type"`
	JobID     string  `json:"jobId"`
	StartTime *string `json:"startTime"`
	Message   string  `json:"message"`
}

type completeFrame struct {
	Type        string `json:"type"`
	Status      string `json:"status"`
	HPC         string `json:"hpc"`
	IDE         string `json:"ide"`
	JobID       string `json:"jobId,omitempty"`
	Node        string `json:"node,omitempty"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *sseWriter) progressFunc() domain.ProgressFunc {
	return func(ev domain.ProgressEvent) {
		s.send(progressFrame{
			Type:     "progress",
			Step:     string(ev.Step),
			Progress: ev.Progress,
			Message:  ev.Message,
			JobID:    ev.JobID,
			Node:     ev.Node,
		})
	}
}

// LaunchStreamHandler runs a launch while streaming progress frames,
// ending with exactly one pending, complete or error frame. Parameters
// ride the query string since EventSource cannot POST.
func (s *Server) LaunchStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		hpc := chi.URLParam(r, "hpc")
		ide := domain.IDE(chi.URLParam(r, "ide"))
		sse, err := newSSEWriter(w)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		start := time.Now()
		res, err := s.Launch.Launch(r.Context(), launchQuery(r, user, hpc, ide), sse.progressFunc())
		if err != nil {
			observability.ObserveLaunch(hpc, string(ide), "error", time.Since(start))
			sse.send(errorFrame{Type: "error", Message: err.Error()})
			return
		}
		observability.ObserveLaunch(hpc, string(ide), string(res.Outcome), time.Since(start))
		if res.Outcome == usecase.OutcomePending {
			frame := pendingFrame{
				Type:    "pending",
				JobID:   res.JobID,
				Message: "Job is queued and will start once the cluster has room.",
			}
			if res.EstimatedStart != "" {
				frame.StartTime = &res.EstimatedStart
			}
			sse.send(frame)
			return
		}
		sse.send(completeFrame{
			Type:        "complete",
			Status:      string(res.Outcome),
			HPC:         hpc,
			IDE:         string(ide),
			JobID:       res.JobID,
			Node:        res.Node,
			RedirectURL: redirectURL(ide),
		})
	}
}

// StopStreamHandler mirrors StopHandler over SSE. Cancellation rides
// the cancelJob query flag; the refetch is skipped because streaming
// clients poll cluster status themselves afterwards.
func (s *Server) StopStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		hpc := chi.URLParam(r, "hpc")
		ide := domain.IDE(chi.URLParam(r, "ide"))
		sse, err := newSSEWriter(w)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		opts := usecase.StopOptions{CancelJob: r.URL.Query().Get("cancelJob") == "true"}
		res, err := s.Stop.Stop(r.Context(), user, hpc, ide, opts, sse.progressFunc())
		if err != nil {
			sse.send(errorFrame{Type: "error", Message: err.Error()})
			return
		}
		sse.send(completeFrame{
			Type:   "complete",
			Status: "stopped",
			HPC:    hpc,
			IDE:    string(ide),
			JobID:  res.JobID,
		})
	}
}
