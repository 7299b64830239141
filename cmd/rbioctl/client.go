package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiClient is a thin wrapper over the server's JSON API. The trusted
// user header stands in for the auth proxy; against a production
// deployment the header name must match TRUSTED_USER_HEADER.
type apiClient struct {
	base   string
	user   string
	header string
	http   *http.Client
}

func newAPIClient(base, user, header string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		user:   user,
		header: header,
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(c.header, c.user)
	return req, nil
}

// doJSON performs a request and decodes the response into out. API
// errors come back as the envelope's message, not a bare status code.
func (c *apiClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, apiErrorMessage(raw))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// apiErrorMessage extracts the message from an error envelope, falling
// back to the raw body.
func apiErrorMessage(raw []byte) string {
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Message != "" {
		return env.Error.Code + ": " + env.Error.Message
	}
	return strings.TrimSpace(string(raw))
}

// sseFrame is the union of the stream frame shapes; Type picks the
// populated fields.
type sseFrame struct {
	Type        string  `json:"type"`
	Step        string  `json:"step,omitempty"`
	Progress    int     `json:"progress,omitempty"`
	Message     string  `json:"message,omitempty"`
	JobID       string  `json:"jobId,omitempty"`
	Node        string  `json:"node,omitempty"`
	Status      string  `json:"status,omitempty"`
	HPC         string  `json:"hpc,omitempty"`
	IDE         string  `json:"ide,omitempty"`
	RedirectURL string  `json:"redirectUrl,omitempty"`
	StartTime   *string `json:"startTime,omitempty"`
}

// stream opens an SSE endpoint and invokes fn per frame until the
// stream closes. The HTTP client timeout does not apply; the context
// bounds the whole stream.
func (c *apiClient) stream(ctx context.Context, path string, fn func(sseFrame)) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, apiErrorMessage(raw))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame sseFrame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			return fmt.Errorf("malformed stream frame %q: %w", line, err)
		}
		fn(frame)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// statusResponse mirrors GET /status.
type statusResponse struct {
	Sessions []struct {
		HPC       string `json:"hpc"`
		IDE       string `json:"ide"`
		Status    string `json:"status"`
		JobID     string `json:"jobId"`
		Node      string `json:"node"`
		Release   string `json:"release"`
		CPUs      int    `json:"cpus"`
		Memory    string `json:"memory"`
		Walltime  string `json:"walltime"`
		LocalPort int    `json:"localPort"`
		Error     string `json:"error"`
	} `json:"sessions"`
	ActiveSession *struct {
		HPC string `json:"hpc"`
		IDE string `json:"ide"`
	} `json:"activeSession"`
}

// clusterStatusResponse mirrors GET /cluster-status.
type clusterStatusResponse struct {
	Clusters map[string]struct {
		IDEs map[string]*struct {
			JobID     string `json:"jobId"`
			State     string `json:"state"`
			Node      string `json:"node"`
			TimeLeft  string `json:"timeLeft"`
			TimeLimit string `json:"timeLimit"`
			CPUs      int    `json:"cpus"`
			Memory    string `json:"memory"`
		} `json:"ides"`
		Error  string `json:"error"`
		Cached bool   `json:"cached"`
		AgeMs  int64  `json:"ageMs"`
	} `json:"clusters"`
	Cached bool `json:"cached"`
}
