package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
	"github.com/drejom/rbiocverse-sub003/internal/session"
	"github.com/drejom/rbiocverse-sub003/internal/usecase"
)

func testClusters() config.ClustersConfig {
	return config.ClustersConfig{
		IDEPorts: map[string]config.PortPair{
			"vscode":  {Local: 8443, Remote: 8443},
			"rstudio": {Local: 8787, Remote: 8787},
			"jupyter": {Local: 8888, Remote: 8888},
		},
		Clusters: map[string]config.Cluster{
			"gemini": {
				Host:      "gemini.example.org",
				Partition: "compute",
				Account:   "rbioc",
				GPUTypes:  []string{"a100"},
				Limits:    config.Limits{MaxCPUs: 32, MaxMemGB: 256, MaxWalltime: "72:00:00"},
				Releases: map[string]config.Release{
					"3.20": {Image: "/imgs/rbioc-3.20.sif", IDEs: []string{"vscode", "rstudio", "jupyter"}},
				},
			},
			"apollo": {
				Host:      "apollo.example.org",
				Partition: "compute",
				Account:   "rbioc",
				Limits:    config.Limits{MaxCPUs: 16, MaxMemGB: 128, MaxWalltime: "24:00:00"},
				Releases: map[string]config.Release{
					"3.19": {Image: "/imgs/rbioc-3.19.sif", IDEs: []string{"rstudio", "jupyter"}},
					"3.20": {Image: "/imgs/rbioc-3.20.sif", IDEs: []string{"rstudio", "jupyter"}},
				},
			},
		},
	}
}

func testPolling() config.PollingConfig {
	return config.PollingConfig{
		WaitNodeAttempts:       3,
		WaitNodeInterval:       time.Millisecond,
		ShortCheckAttempts:     2,
		ShortCheckInterval:     time.Millisecond,
		CancelPropagationDelay: time.Millisecond,
	}
}

func jkey(cluster string, ide domain.IDE) string { return cluster + "/" + string(ide) }

// fakeJobs is a scripted JobController; submitted jobs land in the
// queue in stateOnSubmit.
type fakeJobs struct {
	mu            sync.Mutex
	queue         map[string]*domain.JobRecord
	nextID        int
	stateOnSubmit domain.JobState
	nodeOnSubmit  string
	startEstimate string
	cancelFail    map[string]bool
	allJobsErr    map[string]error
	health        *domain.HealthSnapshot
	healthErr     error
	submits       []domain.SubmitRequest
	cancels       []string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		queue:         make(map[string]*domain.JobRecord),
		stateOnSubmit: domain.JobStateRunning,
		nodeOnSubmit:  "gpu-node-07",
		cancelFail:    make(map[string]bool),
		allJobsErr:    make(map[string]error),
	}
}

func (f *fakeJobs) put(cluster string, rec *domain.JobRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[jkey(cluster, rec.IDE)] = rec
}

func (f *fakeJobs) JobInfo(_ domain.Context, cluster string, ide domain.IDE) (*domain.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.queue[jkey(cluster, ide)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeJobs) AllJobs(_ domain.Context, cluster, _ string) (domain.ClusterSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.allJobsErr[cluster]; err != nil {
		return nil, err
	}
	snap := domain.ClusterSnapshot{}
	for k, rec := range f.queue {
		if strings.HasPrefix(k, cluster+"/") {
			cp := *rec
			snap[rec.IDE] = &cp
		}
	}
	return snap, nil
}

func (f *fakeJobs) Submit(_ domain.Context, cluster string, req domain.SubmitRequest) (domain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	f.nextID++
	id := strconv.Itoa(9000 + f.nextID)
	rec := &domain.JobRecord{JobID: id, IDE: req.IDE, State: f.stateOnSubmit}
	if f.stateOnSubmit == domain.JobStateRunning {
		rec.Node = f.nodeOnSubmit
	} else {
		rec.StartTime = f.startEstimate
	}
	f.queue[jkey(cluster, req.IDE)] = rec
	return domain.SubmitResult{JobID: id, AuthToken: "tok-" + id}, nil
}

func (f *fakeJobs) Cancel(_ domain.Context, cluster, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, jobID)
	for k, rec := range f.queue {
		if strings.HasPrefix(k, cluster+"/") && rec.JobID == jobID {
			delete(f.queue, k)
		}
	}
	return nil
}

func (f *fakeJobs) CancelAll(_ domain.Context, cluster string, jobIDs []string) (domain.CancelOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out domain.CancelOutcome
	for _, id := range jobIDs {
		f.cancels = append(f.cancels, id)
		if f.cancelFail[id] {
			out.Failed = append(out.Failed, id)
			continue
		}
		out.Cancelled = append(out.Cancelled, id)
		for k, rec := range f.queue {
			if strings.HasPrefix(k, cluster+"/") && rec.JobID == id {
				delete(f.queue, k)
			}
		}
	}
	return out, nil
}

func (f *fakeJobs) WaitForNode(ctx domain.Context, cluster, jobID string, ide domain.IDE, opts domain.WaitOptions) (domain.WaitResult, error) {
	rec, err := f.JobInfo(ctx, cluster, ide)
	if err != nil {
		return domain.WaitResult{}, err
	}
	if rec == nil || rec.JobID != jobID {
		return domain.WaitResult{}, fmt.Errorf("job %s vanished: %w", jobID, domain.ErrJobGone)
	}
	if rec.State == domain.JobStateRunning && rec.Node != "" {
		return domain.WaitResult{Node: rec.Node, JobID: jobID}, nil
	}
	if opts.ReturnPendingOnTimeout {
		return domain.WaitResult{Pending: true, JobID: jobID}, nil
	}
	return domain.WaitResult{}, fmt.Errorf("job %s still queued: %w", jobID, domain.ErrTimeout)
}

func (f *fakeJobs) IDEPort(_ domain.Context, _ string, _ domain.IDE) (int, error) {
	return 8443, nil
}

func (f *fakeJobs) Health(_ domain.Context, cluster string) (*domain.HealthSnapshot, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	if f.health != nil {
		cp := *f.health
		return &cp, nil
	}
	return &domain.HealthSnapshot{Cluster: cluster, CPUsTotal: 1024, CPUsIdle: 512}, nil
}

type fakeHandle struct {
	pid  int
	port int
}

func (h fakeHandle) PID() int       { return h.pid }
func (h fakeHandle) LocalPort() int { return h.port }

type fakeTunnels struct {
	mu     sync.Mutex
	live   map[domain.SessionKey]fakeHandle
	port   int
	starts int
	stops  []domain.SessionKey
}

func newFakeTunnels() *fakeTunnels {
	return &fakeTunnels{live: make(map[domain.SessionKey]fakeHandle), port: 9443}
}

func (f *fakeTunnels) Start(_ domain.Context, key domain.SessionKey, _ string, _ int) (domain.TunnelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	h := fakeHandle{pid: 4242, port: f.port}
	f.live[key] = h
	return h, nil
}

func (f *fakeTunnels) Stop(key domain.SessionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, key)
	delete(f.live, key)
	return nil
}

func (f *fakeTunnels) Has(key domain.SessionKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[key]
	return ok
}

type fakeCache struct {
	mu          sync.Mutex
	cells       map[string]domain.ClusterSnapshot
	invalidated []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{cells: make(map[string]domain.ClusterSnapshot)}
}

func (f *fakeCache) Get(_ domain.Context, user, cluster string) domain.CacheResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.cells[user+"/"+cluster]
	if !ok {
		return domain.CacheResult{}
	}
	return domain.CacheResult{Valid: true, Age: time.Second, Data: snap.Clone()}
}

func (f *fakeCache) Set(_ domain.Context, user, cluster string, data domain.ClusterSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cells[user+"/"+cluster] = data.Clone()
}

func (f *fakeCache) Invalidate(_ domain.Context, user, cluster string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, user+"/"+cluster)
	if cluster == "" {
		for k := range f.cells {
			if strings.HasPrefix(k, user+"/") {
				delete(f.cells, k)
			}
		}
		return
	}
	delete(f.cells, user+"/"+cluster)
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (f *fakeSink) Record(_ domain.Context, ev domain.SessionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func (f *fakeUsers) Get(_ domain.Context, username string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", username, domain.ErrNotFound)
	}
	return u, nil
}

func (f *fakeUsers) Upsert(_ domain.Context, u domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.Username] = u
	return nil
}

type fakeKeyStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func (f *fakeKeyStore) Unlock(user string, privatePEM []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[user] = privatePEM
	return "/run/keys/" + user + ".key", nil
}

func (f *fakeKeyStore) IdentityPath(user string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[user]; ok {
		return "/run/keys/" + user + ".key", true
	}
	return "", false
}

func (f *fakeKeyStore) Drop(user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, user)
}

// fakeMaterial is a transparent cipher; blobs keep their version
// prefix so Decrypt can dispatch like the real adapter.
type fakeMaterial struct{}

func (fakeMaterial) Generate(comment string) ([]byte, string, error) {
	return []byte("PRIVATE:" + comment), "ssh-ed25519 AAAA " + comment, nil
}

func (fakeMaterial) PublicKey(private []byte, comment string) (string, error) {
	if !strings.HasPrefix(string(private), "PRIVATE:") {
		return "", fmt.Errorf("not a private key: %w", domain.ErrValidation)
	}
	return "ssh-ed25519 AAAA " + comment, nil
}

func (fakeMaterial) EncryptWithPassword(private []byte, password string) (string, error) {
	return "v2|" + password + "|" + string(private), nil
}

func (fakeMaterial) EncryptWithServerSecret(private []byte) (string, error) {
	return "v3|" + string(private), nil
}

func (fakeMaterial) Decrypt(blob, password string) ([]byte, error) {
	switch {
	case strings.HasPrefix(blob, "v2|"):
		rest := strings.TrimPrefix(blob, "v2|")
		pw, private, ok := strings.Cut(rest, "|")
		if !ok || pw != password {
			return nil, fmt.Errorf("wrong password: %w", domain.ErrUnauthorized)
		}
		return []byte(private), nil
	case strings.HasPrefix(blob, "v3|"):
		return []byte(strings.TrimPrefix(blob, "v3|")), nil
	default:
		return nil, fmt.Errorf("unknown blob format: %w", domain.ErrValidation)
	}
}

type env struct {
	store   *session.Store
	jobs    *fakeJobs
	tunnels *fakeTunnels
	cache   *fakeCache
	sink    *fakeSink
	users   *fakeUsers
	keys    *fakeKeyStore
	srv     *Server
	router  http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clusters := testClusters()
	polling := testPolling()
	store := session.New()
	jobs := newFakeJobs()
	tunnels := newFakeTunnels()
	cache := newFakeCache()
	sink := &fakeSink{}
	users := &fakeUsers{users: make(map[string]domain.User)}
	keys := &fakeKeyStore{keys: make(map[string][]byte)}
	cfg := config.Config{TrustedUserHeader: "X-Remote-User", AdminUsersList: []string{"root.admin"}}
	srv := &Server{
		Cfg:      cfg,
		Clusters: clusters,
		Launch:   usecase.NewLaunchService(store, jobs, tunnels, cache, sink, clusters, polling),
		Stop:     usecase.NewStopService(store, jobs, tunnels, cache, sink, clusters, polling),
		Status:   usecase.NewStatusService(store, jobs, cache, sink, clusters, time.Minute),
		Keys:     usecase.NewKeysService(users, keys, fakeMaterial{}, cfg.AdminUsers()),
		Sessions: store,
	}
	e := &env{store: store, jobs: jobs, tunnels: tunnels, cache: cache, sink: sink, users: users, keys: keys, srv: srv}
	e.router = e.mount()
	return e
}

// mount wires the handlers onto the same paths the app router uses so
// chi URL params resolve.
func (e *env) mount() http.Handler {
	r := chi.NewRouter()
	r.Use(RequireUser(e.srv.Cfg.TrustedUserHeader))
	r.Get("/api/status", e.srv.StatusHandler())
	r.Get("/api/cluster-status", e.srv.ClusterStatusHandler())
	r.Post("/api/launch", e.srv.LaunchHandler())
	r.Get("/api/launch/{hpc}/{ide}/stream", e.srv.LaunchStreamHandler())
	r.Post("/api/switch/{hpc}/{ide}", e.srv.SwitchHandler())
	r.Post("/api/stop/{hpc}/{ide}", e.srv.StopHandler())
	r.Get("/api/stop/{hpc}/{ide}/stream", e.srv.StopStreamHandler())
	r.Post("/api/stop-all/{hpc}", e.srv.StopAllHandler())
	r.Get("/api/user", e.srv.UserHandler())
	r.Post("/api/user/keys", e.srv.GenerateKeysHandler())
	r.Post("/api/user/keys/import", e.srv.ImportKeyHandler())
	r.Post("/api/user/unlock", e.srv.UnlockHandler())
	r.Post("/api/logout", e.srv.LogoutHandler())
	r.Get("/api/cluster-health/{hpc}", e.srv.ClusterHealthHandler())
	r.Get("/readyz", e.srv.ReadyzHandler())
	return r
}

// do sends a request through the mounted router as the given user.
func (e *env) do(t *testing.T, user, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	if user != "" {
		req.Header.Set("X-Remote-User", user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return m
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return e.Error.Code
}

// seedRunning installs a running session with a live tunnel and a
// matching queue record.
func (e *env) seedRunning(key domain.SessionKey, jobID, node string) {
	e.jobs.put(key.Cluster, &domain.JobRecord{JobID: jobID, IDE: key.IDE, State: domain.JobStateRunning, Node: node})
	h, _ := e.tunnels.Start(context.Background(), key, node, 8443)
	e.store.Update(key, func(se *domain.Session) {
		se.Status = domain.StatusRunning
		se.JobID = jobID
		se.ComputeNode = node
		se.Tunnel = h
		se.AuthToken = "tok-" + jobID
		se.SubmittedAt = time.Now().Add(-time.Hour)
		se.StartedAt = time.Now().Add(-time.Hour)
	})
}
