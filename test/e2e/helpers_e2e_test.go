//go:build e2e

// Package e2e_test exercises a deployed rbiocverse server over HTTP.
// The suite needs a running instance and is configured through
// environment variables:
//
//	E2E_BASE_URL     server under test, default http://localhost:8080
//	E2E_USER         username sent in the trusted header, default e2e-user
//	E2E_USER_HEADER  trusted header name, default X-Remote-User
//	E2E_CLUSTER      set to a real cluster name to run launch/stop
//	                 lifecycle tests against it (costs a SLURM job)
//	E2E_PASSWORD     key password for the unlock step of lifecycle tests
package e2e_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string    { return strings.TrimRight(getenv("E2E_BASE_URL", "http://localhost:8080"), "/") }
func e2eUser() string    { return getenv("E2E_USER", "e2e-user") }
func userHeader() string { return getenv("E2E_USER_HEADER", "X-Remote-User") }

func newClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// waitForAppReady polls /healthz until the server answers 200 or the
// timeout expires.
func waitForAppReady(t *testing.T, client *http.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("server at %s not ready within %s", baseURL(), timeout)
}

// doJSON performs a request with the trusted user header (unless user is
// empty) and decodes any JSON response body into a generic map.
func doJSON(t *testing.T, client *http.Client, method, path string, body any, user string) (int, map[string]any, http.Header) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, baseURL()+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(userHeader(), user)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, raw, err)
		}
	}
	return resp.StatusCode, out, resp.Header
}

// errorCode digs the code out of the error envelope, or "".
func errorCode(body map[string]any) string {
	e, ok := body["error"].(map[string]any)
	if !ok {
		return ""
	}
	code, _ := e["code"].(string)
	return code
}

// readSSEFrames consumes data: frames from an open SSE response until
// the stream closes or maxFrames arrive, decoding each JSON payload.
func readSSEFrames(t *testing.T, body io.Reader, maxFrames int) []map[string]any {
	t.Helper()
	var frames []map[string]any
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		frame := map[string]any{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("decode SSE frame %q: %v", line, err)
		}
		frames = append(frames, frame)
		if len(frames) >= maxFrames {
			break
		}
	}
	return frames
}

// frameType returns the type field of an SSE frame.
func frameType(frame map[string]any) string {
	s, _ := frame["type"].(string)
	return s
}
