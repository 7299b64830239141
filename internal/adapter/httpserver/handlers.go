package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drejom/rbiocverse-sub003/internal/adapter/observability"
	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
	"github.com/drejom/rbiocverse-sub003/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Clusters   config.ClustersConfig
	Launch     usecase.LaunchService
	Stop       usecase.StopService
	Status     usecase.StatusService
	Keys       usecase.KeysService
	Sessions   domain.SessionStore
	DBCheck    func(ctx context.Context) error
	SSHCheck   func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
	KafkaCheck func(ctx context.Context) error
}

// sessionView is the wire shape of one session row.
type sessionView struct {
	HPC            string `json:"hpc"`
	IDE            string `json:"ide"`
	Status         string `json:"status"`
	JobID          string `json:"jobId,omitempty"`
	Node           string `json:"node,omitempty"`
	Release        string `json:"release,omitempty"`
	GPU            string `json:"gpu,omitempty"`
	CPUs           int    `json:"cpus,omitempty"`
	Memory         string `json:"memory,omitempty"`
	Walltime       string `json:"walltime,omitempty"`
	SubmittedAt    string `json:"submittedAt,omitempty"`
	StartedAt      string `json:"startedAt,omitempty"`
	EstimatedStart string `json:"estimatedStart,omitempty"`
	LocalPort      int    `json:"localPort,omitempty"`
	RedirectURL    string `json:"redirectUrl,omitempty"`
	Error          string `json:"error,omitempty"`
}

func viewOf(sess domain.Session) sessionView {
	v := sessionView{
		HPC:            sess.Key.Cluster,
		IDE:            string(sess.Key.IDE),
		Status:         string(sess.Status),
		JobID:          sess.JobID,
		Node:           sess.ComputeNode,
		Release:        sess.Release,
		GPU:            sess.GPU,
		CPUs:           sess.CPUs,
		Memory:         sess.Memory,
		Walltime:       sess.Walltime,
		EstimatedStart: sess.EstimatedStart,
		Error:          sess.Error,
	}
	if sess.Tunnel != nil {
		v.LocalPort = sess.Tunnel.LocalPort()
	}
	if !sess.SubmittedAt.IsZero() {
		v.SubmittedAt = sess.SubmittedAt.UTC().Format(time.RFC3339)
	}
	if !sess.StartedAt.IsZero() {
		v.StartedAt = sess.StartedAt.UTC().Format(time.RFC3339)
	}
	if sess.Status == domain.StatusRunning {
		v.RedirectURL = redirectURL(sess.Key.IDE)
	}
	return v
}

// redirectURL maps an IDE to the proxy prefix the browser should open.
func redirectURL(ide domain.IDE) string {
	switch ide {
	case domain.IDERStudio:
		return "/rstudio/"
	case domain.IDEJupyter:
		return "/jupyter/"
	default:
		return "/code/"
	}
}

// StatusHandler lists the caller's sessions across all clusters plus
// their active selection.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		st := s.Status.UserStatus(r.Context(), user)
		views := make([]sessionView, 0, len(st.Sessions))
		for _, sess := range st.Sessions {
			views = append(views, viewOf(sess))
		}
		body := map[string]any{
			"sessions":       views,
			"activeSession":  nil,
			"pollIntervalMs": st.PollInterval.Milliseconds(),
		}
		if st.Active != nil {
			body["activeSession"] = map[string]string{"hpc": st.Active.Cluster, "ide": string(st.Active.IDE)}
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// ClusterStatusHandler reports every cluster's queue snapshot, cached
// unless ?refresh=true forces live squeue reads.
func (s *Server) ClusterStatusHandler() http.HandlerFunc {
	type cell struct {
		IDEs   domain.ClusterSnapshot `json:"ides"`
		Error  string                 `json:"error,omitempty"`
		Cached bool                   `json:"cached"`
		AgeMs  int64                  `json:"ageMs,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		refresh := r.URL.Query().Get("refresh") == "true"
		res := s.Status.ClusterStatus(r.Context(), user, refresh)
		clusters := make(map[string]cell, len(res.Clusters))
		for name, st := range res.Clusters {
			c := cell{IDEs: st.Snapshot, Error: st.Err, Cached: st.Cached, AgeMs: st.Age.Milliseconds()}
			if c.IDEs == nil {
				c.IDEs = domain.ClusterSnapshot{}
			}
			clusters[name] = c
		}
		writeJSON(w, http.StatusOK, map[string]any{"clusters": clusters, "cached": res.Cached})
	}
}

// LaunchHandler runs a blocking launch and answers with the terminal
// outcome. Clients that want progress use the SSE stream instead.
func (s *Server) LaunchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		var p launchPayload
		details, err := decodeJSON(w, r, &p)
		if err != nil {
			writeError(w, r, err, details)
			return
		}
		req := p.request(user)
		start := time.Now()
		res, err := s.Launch.Launch(r.Context(), req, nil)
		if err != nil {
			observability.ObserveLaunch(req.Cluster, string(req.IDE), "error", time.Since(start))
			writeError(w, r, err, nil)
			return
		}
		observability.ObserveLaunch(req.Cluster, string(req.IDE), string(res.Outcome), time.Since(start))
		writeJSON(w, http.StatusOK, launchBody(res))
	}
}

// launchBody mirrors the terminal SSE frames, less the type tag.
func launchBody(res usecase.LaunchResult) map[string]any {
	if res.Outcome == usecase.OutcomePending {
		var start any
		if res.EstimatedStart != "" {
			start = res.EstimatedStart
		}
		return map[string]any{
			"status":    "pending",
			"jobId":     res.JobID,
			"startTime": start,
			"message":   "Job is queued and will start once the cluster has room.",
		}
	}
	return map[string]any{
		"status":      string(res.Outcome),
		"hpc":         res.Session.Key.Cluster,
		"ide":         string(res.Session.Key.IDE),
		"jobId":       res.JobID,
		"node":        res.Node,
		"redirectUrl": redirectURL(res.Session.Key.IDE),
	}
}

// SwitchHandler makes an existing session the caller's active one,
// reviving its tunnel when the job is still running.
func (s *Server) SwitchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		sess, err := s.Launch.Switch(r.Context(), user, chi.URLParam(r, "hpc"), domain.IDE(chi.URLParam(r, "ide")))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"active": viewOf(sess)})
	}
}

// StopHandler tears down one session. The body is optional; an empty
// POST drops the tunnel and session without touching the job.
func (s *Server) StopHandler() http.HandlerFunc {
	type stopView struct {
		Stopped   bool   `json:"stopped"`
		Cancelled bool   `json:"cancelled"`
		JobID     string `json:"jobId,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		var p stopPayload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, r, errBadJSON, nil)
			return
		}
		opts := usecase.StopOptions{CancelJob: p.CancelJob, Refetch: p.CancelJob}
		res, err := s.Stop.Stop(r.Context(), user, chi.URLParam(r, "hpc"), domain.IDE(chi.URLParam(r, "ide")), opts, nil)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stopView{Stopped: res.Stopped, Cancelled: res.Cancelled, JobID: res.JobID})
	}
}

// StopAllHandler cancels every running or pending job the caller holds
// on one cluster with a single scancel.
func (s *Server) StopAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := UserFrom(r)
		res, err := s.Stop.StopAll(r.Context(), user, chi.URLParam(r, "hpc"), nil)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cancelled": len(res.Stopped),
			"jobIds":    orEmpty(res.JobIDs),
			"failed":    orEmpty(res.FailedJobIDs),
		})
	}
}

func orEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// ClusterHealthHandler serves one cluster's sinfo-derived capacity
// snapshot.
func (s *Server) ClusterHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Status.Health(r.Context(), chi.URLParam(r, "hpc"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// ReadyzHandler probes the dependencies a launch actually needs: the
// database, the ssh client, and the optional cache and event broker.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 4)
		run := func(name string, fn func(ctx context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
				return
			}
			checks = append(checks, check{Name: name, OK: true})
		}
		run("db", s.DBCheck)
		run("ssh", s.SSHCheck)
		run("redis", s.RedisCheck)
		run("kafka", s.KafkaCheck)
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
