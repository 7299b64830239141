// Package session holds the in-memory session table: one entry per
// (user, cluster, ide) key, the per-user active selection, and the
// named fail-fast launch locks. It is the single writer for session
// state; adapters own processes, the store owns records.
package session

import (
	"sort"
	"sync"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// Store implements domain.SessionStore. One mutex guards all three
// maps; critical sections are map operations only, never SSH or
// tunnel work. Observers run outside the lock so they may call back
// into the store.
type Store struct {
	mu       sync.RWMutex
	sessions map[domain.SessionKey]domain.Session
	active   map[string]domain.SessionKey
	locks    map[string]struct{}

	obsMu     sync.RWMutex
	observers []func(domain.SessionKey, domain.EndReason)
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[domain.SessionKey]domain.Session),
		active:   make(map[string]domain.SessionKey),
		locks:    make(map[string]struct{}),
	}
}

// GetOrCreate returns the session for key, creating an idle one first
// when none exists.
func (s *Store) GetOrCreate(key domain.SessionKey) domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	sess := domain.Session{Key: key, Status: domain.StatusIdle}
	s.sessions[key] = sess
	return sess
}

// Get returns the session for key when one exists.
func (s *Store) Get(key domain.SessionKey) (domain.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// AllForUser returns the user's sessions in stable cluster/ide order.
func (s *Store) AllForUser(user string) []domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Session
	for key, sess := range s.sessions {
		if key.User == user {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Cluster != out[j].Key.Cluster {
			return out[i].Key.Cluster < out[j].Key.Cluster
		}
		return out[i].Key.IDE < out[j].Key.IDE
	})
	return out
}

// Users returns every user holding at least one session, sorted.
func (s *Store) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for key := range s.sessions {
		if !seen[key.User] {
			seen[key.User] = true
			out = append(out, key.User)
		}
	}
	sort.Strings(out)
	return out
}

// Update applies fn under the key's write lock and returns the stored
// result. A missing session starts idle. The key itself is immutable;
// whatever fn writes there is overwritten.
func (s *Store) Update(key domain.SessionKey, fn func(*domain.Session)) domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = domain.Session{Key: key, Status: domain.StatusIdle}
	}
	fn(&sess)
	sess.Key = key
	s.sessions[key] = sess
	return sess
}

// Clear removes the session, drops the user's active selection when it
// pointed at key, and notifies cleared-observers. Clearing an absent
// key is a no-op.
func (s *Store) Clear(key domain.SessionKey, reason domain.EndReason) {
	s.mu.Lock()
	_, ok := s.sessions[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, key)
	if cur, has := s.active[key.User]; has && cur == key {
		delete(s.active, key.User)
	}
	s.mu.Unlock()

	s.obsMu.RLock()
	observers := make([]func(domain.SessionKey, domain.EndReason), len(s.observers))
	copy(observers, s.observers)
	s.obsMu.RUnlock()
	for _, fn := range observers {
		fn(key, reason)
	}
}

// SetActive records key as the user's active session.
func (s *Store) SetActive(user string, key domain.SessionKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[user] = key
}

// Active returns the user's active session key, when one is set.
func (s *Store) Active(user string) (domain.SessionKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.active[user]
	return key, ok
}

// ClearActive drops the user's active selection.
func (s *Store) ClearActive(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, user)
}

// OnCleared registers an observer invoked after a session is removed.
func (s *Store) OnCleared(fn func(key domain.SessionKey, reason domain.EndReason)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

// AcquireLock takes the named lock, failing fast when it is held.
func (s *Store) AcquireLock(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.locks[name]; held {
		return false
	}
	s.locks[name] = struct{}{}
	return true
}

// ReleaseLock frees the named lock.
func (s *Store) ReleaseLock(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, name)
}
