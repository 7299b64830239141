package usecase_test

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

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
		DevServerPorts: []int{3000, 5173},
		Clusters: map[string]config.Cluster{
			"gemini": {
				Host:      "gemini.example.org",
				Partition: "compute",
				Account:   "rbioc",
				AdminUser: "svc-rbioc",
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

func qkey(cluster string, ide domain.IDE) string { return cluster + "/" + string(ide) }

// fakeJobs is a scripted JobController backed by an in-memory queue.
// Submitted jobs land in the queue in stateOnSubmit.
type fakeJobs struct {
	mu            sync.Mutex
	queue         map[string]*domain.JobRecord
	nextID        int
	stateOnSubmit domain.JobState
	nodeOnSubmit  string
	startEstimate string
	// dropAfterSubmit makes the job vanish right after sbatch accepts it.
	dropAfterSubmit bool
	submitErr       error
	infoErr         error
	cancelErr       error
	cancelFail      map[string]bool
	portErr         error
	ports           map[domain.IDE]int
	health          *domain.HealthSnapshot
	healthErr       error
	allJobsErr      map[string]error
	submits         []domain.SubmitRequest
	cancels         []string
	allJobsCalls    int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		queue:         make(map[string]*domain.JobRecord),
		stateOnSubmit: domain.JobStateRunning,
		nodeOnSubmit:  "gpu-node-07",
		cancelFail:    make(map[string]bool),
		ports:         make(map[domain.IDE]int),
		allJobsErr:    make(map[string]error),
	}
}

func (f *fakeJobs) put(cluster string, rec *domain.JobRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue[qkey(cluster, rec.IDE)] = rec
}

func (f *fakeJobs) JobInfo(_ domain.Context, cluster string, ide domain.IDE) (*domain.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	rec, ok := f.queue[qkey(cluster, ide)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeJobs) AllJobs(_ domain.Context, cluster, _ string) (domain.ClusterSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allJobsCalls++
	if err := f.allJobsErr[cluster]; err != nil {
		return nil, err
	}
	snap := domain.ClusterSnapshot{}
	for _, ide := range domain.KnownIDEs() {
		if rec, ok := f.queue[qkey(cluster, ide)]; ok {
			cp := *rec
			snap[ide] = &cp
		}
	}
	return snap, nil
}

func (f *fakeJobs) Submit(_ domain.Context, cluster string, req domain.SubmitRequest) (domain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return domain.SubmitResult{}, f.submitErr
	}
	f.submits = append(f.submits, req)
	f.nextID++
	id := strconv.Itoa(9000 + f.nextID)
	rec := &domain.JobRecord{JobID: id, IDE: req.IDE, State: f.stateOnSubmit}
	if f.stateOnSubmit == domain.JobStateRunning {
		rec.Node = f.nodeOnSubmit
	} else {
		rec.StartTime = f.startEstimate
	}
	f.queue[qkey(cluster, req.IDE)] = rec
	if f.dropAfterSubmit {
		delete(f.queue, qkey(cluster, req.IDE))
	}
	return domain.SubmitResult{JobID: id, AuthToken: "tok-" + id}, nil
}

func (f *fakeJobs) Cancel(_ domain.Context, cluster, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, jobID)
	f.removeLocked(cluster, jobID)
	return nil
}

func (f *fakeJobs) CancelAll(_ domain.Context, cluster string, jobIDs []string) (domain.CancelOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return domain.CancelOutcome{}, f.cancelErr
	}
	var out domain.CancelOutcome
	for _, id := range jobIDs {
		if f.cancelFail[id] {
			out.Failed = append(out.Failed, id)
			continue
		}
		f.cancels = append(f.cancels, id)
		f.removeLocked(cluster, id)
		out.Cancelled = append(out.Cancelled, id)
	}
	return out, nil
}

func (f *fakeJobs) removeLocked(cluster, jobID string) {
	for k, rec := range f.queue {
		if rec.JobID == jobID && strings.HasPrefix(k, cluster+"/") {
			delete(f.queue, k)
		}
	}
}

func (f *fakeJobs) WaitForNode(ctx domain.Context, cluster, jobID string, ide domain.IDE, opts domain.WaitOptions) (domain.WaitResult, error) {
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
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
	}
	if opts.ReturnPendingOnTimeout {
		return domain.WaitResult{Pending: true, JobID: jobID}, nil
	}
	return domain.WaitResult{}, fmt.Errorf("no node after %d attempts: %w", opts.MaxAttempts, domain.ErrTimeout)
}

func (f *fakeJobs) IDEPort(_ domain.Context, _ string, ide domain.IDE) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.portErr != nil {
		return 0, f.portErr
	}
	if p, ok := f.ports[ide]; ok {
		return p, nil
	}
	return 8443, nil
}

func (f *fakeJobs) Health(_ domain.Context, cluster string) (*domain.HealthSnapshot, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	if f.health != nil {
		return f.health, nil
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
	mu       sync.Mutex
	live     map[domain.SessionKey]fakeHandle
	startErr error
	nextPID  int
	starts   []domain.SessionKey
	stops    []domain.SessionKey
}

func newFakeTunnels() *fakeTunnels {
	return &fakeTunnels{live: make(map[domain.SessionKey]fakeHandle)}
}

func (f *fakeTunnels) Start(_ domain.Context, key domain.SessionKey, _ string, remotePort int) (domain.TunnelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.nextPID++
	h := fakeHandle{pid: f.nextPID, port: remotePort}
	f.live[key] = h
	f.starts = append(f.starts, key)
	return h, nil
}

func (f *fakeTunnels) Stop(key domain.SessionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, key)
	f.stops = append(f.stops, key)
	return nil
}

func (f *fakeTunnels) Has(key domain.SessionKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.live[key]
	return ok
}

func (f *fakeTunnels) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

type cacheCell struct {
	data domain.ClusterSnapshot
	at   time.Time
}

type fakeCache struct {
	mu          sync.Mutex
	cells       map[string]cacheCell
	ttl         time.Duration
	invalidated []string
}

func newFakeCache(ttl time.Duration) *fakeCache {
	return &fakeCache{cells: make(map[string]cacheCell), ttl: ttl}
}

func (f *fakeCache) Get(_ domain.Context, user, cluster string) domain.CacheResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	cell, ok := f.cells[user+"/"+cluster]
	if !ok {
		return domain.CacheResult{}
	}
	age := time.Since(cell.at)
	valid := f.ttl < 0 || (f.ttl > 0 && age < f.ttl)
	return domain.CacheResult{Valid: valid, Age: age, Data: cell.data.Clone()}
}

func (f *fakeCache) Set(_ domain.Context, user, cluster string, data domain.ClusterSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cells[user+"/"+cluster] = cacheCell{data: data.Clone(), at: time.Now()}
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

func (f *fakeCache) invalidations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidated...)
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.SessionEvent
	err    error
}

func (f *fakeSink) Record(_ domain.Context, ev domain.SessionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) all() []domain.SessionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionEvent(nil), f.events...)
}

type progressRecorder struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (p *progressRecorder) fn() domain.ProgressFunc {
	return func(ev domain.ProgressEvent) {
		p.mu.Lock()
		p.events = append(p.events, ev)
		p.mu.Unlock()
	}
}

func (p *progressRecorder) steps() []domain.ProgressStep {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ProgressStep, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Step)
	}
	return out
}

type fakeUsers struct {
	mu        sync.Mutex
	users     map[string]domain.User
	getErr    error
	upsertErr error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{users: make(map[string]domain.User)}
}

func (f *fakeUsers) Get(_ domain.Context, username string) (domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.User{}, f.getErr
	}
	u, ok := f.users[username]
	if !ok {
		return domain.User{}, fmt.Errorf("user %s: %w", username, domain.ErrNotFound)
	}
	return u, nil
}

func (f *fakeUsers) Upsert(_ domain.Context, u domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.users[u.Username] = u
	return nil
}

type fakeKeyStore struct {
	mu   sync.Mutex
	keys map[string][]byte
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: make(map[string][]byte)}
}

func (f *fakeKeyStore) Unlock(user string, privatePEM []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[user] = append([]byte(nil), privatePEM...)
	return "/run/keys/" + user + ".key", nil
}

func (f *fakeKeyStore) IdentityPath(user string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[user]; !ok {
		return "", false
	}
	return "/run/keys/" + user + ".key", true
}

func (f *fakeKeyStore) Drop(user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, user)
}

// fakeMaterial is a transparent stand-in for the real key cipher so
// tests can assert exactly what was stored.
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
		pw, key, ok := strings.Cut(rest, "|")
		if !ok || pw != password {
			return nil, fmt.Errorf("wrong password: %w", domain.ErrUnauthorized)
		}
		return []byte(key), nil
	case strings.HasPrefix(blob, "v3|"):
		return []byte(strings.TrimPrefix(blob, "v3|")), nil
	default:
		return nil, fmt.Errorf("unknown blob format: %w", domain.ErrValidation)
	}
}

type keysEnv struct {
	users *fakeUsers
	store *fakeKeyStore
	svc   usecase.KeysService
}

func newKeysEnv(t *testing.T) *keysEnv {
	t.Helper()
	e := &keysEnv{users: newFakeUsers(), store: newFakeKeyStore()}
	e.svc = usecase.NewKeysService(e.users, e.store, fakeMaterial{}, []string{"root.admin"})
	return e
}

// env wires the services against the real session store and the fakes.
type env struct {
	store   *session.Store
	jobs    *fakeJobs
	tunnels *fakeTunnels
	cache   *fakeCache
	sink    *fakeSink
	launch  usecase.LaunchService
	stop    usecase.StopService
	status  usecase.StatusService
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:   session.New(),
		jobs:    newFakeJobs(),
		tunnels: newFakeTunnels(),
		cache:   newFakeCache(time.Hour),
		sink:    &fakeSink{},
	}
	clusters := testClusters()
	polling := testPolling()
	e.launch = usecase.NewLaunchService(e.store, e.jobs, e.tunnels, e.cache, e.sink, clusters, polling)
	e.stop = usecase.NewStopService(e.store, e.jobs, e.tunnels, e.cache, e.sink, clusters, polling)
	e.status = usecase.NewStatusService(e.store, e.jobs, e.cache, e.sink, clusters, time.Minute)
	return e
}
