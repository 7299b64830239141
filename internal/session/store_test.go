package session_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drejom/rbiocverse-sub003/internal/domain"
	"github.com/drejom/rbiocverse-sub003/internal/session"
)

func key(user, cluster string, ide domain.IDE) domain.SessionKey {
	return domain.SessionKey{User: user, Cluster: cluster, IDE: ide}
}

func TestGetOrCreateStartsIdle(t *testing.T) {
	s := session.New()
	k := key("asmith", "gemini", domain.IDEVSCode)

	sess := s.GetOrCreate(k)
	assert.Equal(t, k, sess.Key)
	assert.Equal(t, domain.StatusIdle, sess.Status)
	assert.False(t, sess.Exists())

	got, ok := s.Get(k)
	require.True(t, ok)
	assert.Equal(t, sess, got)
}

func TestUpdateStoresResult(t *testing.T) {
	s := session.New()
	k := key("asmith", "gemini", domain.IDEVSCode)

	out := s.Update(k, func(sess *domain.Session) {
		sess.Status = domain.StatusRunning
		sess.JobID = "4811"
		sess.ComputeNode = "node0412"
	})
	assert.Equal(t, domain.StatusRunning, out.Status)

	got, ok := s.Get(k)
	require.True(t, ok)
	assert.Equal(t, "4811", got.JobID)
	assert.Equal(t, "node0412", got.ComputeNode)
}

func TestUpdateCreatesMissingSession(t *testing.T) {
	s := session.New()
	k := key("bjones", "tango", domain.IDEJupyter)

	out := s.Update(k, func(sess *domain.Session) {
		sess.Status = domain.StatusStarting
	})
	assert.Equal(t, k, out.Key)
	assert.Equal(t, domain.StatusStarting, out.Status)
}

func TestUpdateKeyIsImmutable(t *testing.T) {
	s := session.New()
	k := key("asmith", "gemini", domain.IDEVSCode)

	out := s.Update(k, func(sess *domain.Session) {
		sess.Key = key("mallory", "tango", domain.IDERStudio)
		sess.JobID = "99"
	})
	assert.Equal(t, k, out.Key)

	_, hijacked := s.Get(key("mallory", "tango", domain.IDERStudio))
	assert.False(t, hijacked)
}

func TestUpdateSerializesWriters(t *testing.T) {
	s := session.New()
	k := key("asmith", "gemini", domain.IDEVSCode)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(k, func(sess *domain.Session) {
				sess.CPUs++
			})
		}()
	}
	wg.Wait()

	got, _ := s.Get(k)
	assert.Equal(t, 100, got.CPUs)
}

func TestAllForUserFiltersAndSorts(t *testing.T) {
	s := session.New()
	s.Update(key("asmith", "tango", domain.IDEVSCode), func(sess *domain.Session) { sess.JobID = "3" })
	s.Update(key("asmith", "gemini", domain.IDERStudio), func(sess *domain.Session) { sess.JobID = "2" })
	s.Update(key("asmith", "gemini", domain.IDEJupyter), func(sess *domain.Session) { sess.JobID = "1" })
	s.Update(key("bjones", "gemini", domain.IDEVSCode), func(sess *domain.Session) { sess.JobID = "9" })

	got := s.AllForUser("asmith")
	require.Len(t, got, 3)
	assert.Equal(t, "gemini", got[0].Key.Cluster)
	assert.Equal(t, domain.IDEJupyter, got[0].Key.IDE)
	assert.Equal(t, domain.IDERStudio, got[1].Key.IDE)
	assert.Equal(t, "tango", got[2].Key.Cluster)

	assert.Empty(t, s.AllForUser("nobody"))
}

func TestClearRemovesAndNotifies(t *testing.T) {
	s := session.New()
	k := key("asmith", "gemini", domain.IDEVSCode)
	s.Update(k, func(sess *domain.Session) { sess.Status = domain.StatusRunning })
	s.SetActive("asmith", k)

	var gotKey domain.SessionKey
	var gotReason domain.EndReason
	s.OnCleared(func(key domain.SessionKey, reason domain.EndReason) {
		gotKey = key
		gotReason = reason
	})

	s.Clear(k, domain.EndReasonCancelled)

	_, ok := s.Get(k)
	assert.False(t, ok)
	_, activeSet := s.Active("asmith")
	assert.False(t, activeSet, "clearing the active session drops the selection")
	assert.Equal(t, k, gotKey)
	assert.Equal(t, domain.EndReasonCancelled, gotReason)
}

func TestClearKeepsUnrelatedActiveSelection(t *testing.T) {
	s := session.New()
	cleared := key("asmith", "gemini", domain.IDEVSCode)
	active := key("asmith", "tango", domain.IDEJupyter)
	s.Update(cleared, func(sess *domain.Session) { sess.Status = domain.StatusRunning })
	s.Update(active, func(sess *domain.Session) { sess.Status = domain.StatusRunning })
	s.SetActive("asmith", active)

	s.Clear(cleared, domain.EndReasonTimeout)

	got, ok := s.Active("asmith")
	require.True(t, ok)
	assert.Equal(t, active, got)
}

func TestClearAbsentIsNoop(t *testing.T) {
	s := session.New()
	notified := false
	s.OnCleared(func(domain.SessionKey, domain.EndReason) { notified = true })

	s.Clear(key("asmith", "gemini", domain.IDEVSCode), domain.EndReasonCancelled)
	assert.False(t, notified, "clearing nothing must not notify")
}

func TestObserverMayCallBackIntoStore(t *testing.T) {
	s := session.New()
	k := key("asmith", "gemini", domain.IDEVSCode)
	other := key("asmith", "gemini", domain.IDERStudio)
	s.Update(k, func(sess *domain.Session) { sess.Status = domain.StatusRunning })
	s.Update(other, func(sess *domain.Session) { sess.Status = domain.StatusRunning })

	var remaining int
	s.OnCleared(func(domain.SessionKey, domain.EndReason) {
		remaining = len(s.AllForUser("asmith"))
	})

	s.Clear(k, domain.EndReasonCancelled)
	assert.Equal(t, 1, remaining)
}

func TestActiveSelection(t *testing.T) {
	s := session.New()
	first := key("asmith", "gemini", domain.IDEVSCode)
	second := key("asmith", "tango", domain.IDERStudio)

	_, ok := s.Active("asmith")
	assert.False(t, ok)

	s.SetActive("asmith", first)
	got, ok := s.Active("asmith")
	require.True(t, ok)
	assert.Equal(t, first, got)

	s.SetActive("asmith", second)
	got, _ = s.Active("asmith")
	assert.Equal(t, second, got, "one active session per user")

	s.ClearActive("asmith")
	_, ok = s.Active("asmith")
	assert.False(t, ok)
}

func TestUsersEnumeration(t *testing.T) {
	s := session.New()
	assert.Empty(t, s.Users())

	s.GetOrCreate(key("bjones", "gemini", domain.IDERStudio))
	s.GetOrCreate(key("asmith", "gemini", domain.IDEVSCode))
	s.GetOrCreate(key("asmith", "tango", domain.IDEJupyter))
	assert.Equal(t, []string{"asmith", "bjones"}, s.Users())

	s.Clear(key("bjones", "gemini", domain.IDERStudio), domain.EndReasonCancelled)
	assert.Equal(t, []string{"asmith"}, s.Users())
}

func TestLocksFailFast(t *testing.T) {
	s := session.New()
	name := key("asmith", "gemini", domain.IDEVSCode).LockName()

	require.True(t, s.AcquireLock(name))
	assert.False(t, s.AcquireLock(name), "second acquire must fail, not block")
	assert.True(t, s.AcquireLock(key("asmith", "gemini", domain.IDERStudio).LockName()))

	s.ReleaseLock(name)
	assert.True(t, s.AcquireLock(name))
}
