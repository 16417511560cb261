package server

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minismarket/minis-core/internal/platform/audit"
	"github.com/minismarket/minis-core/internal/platform/clock"
)

func newTestGuard(t *testing.T, store *audit.InMemoryStore) *RemoteAccessGuard {
	t.Helper()
	guard, err := NewRemoteAccessGuard(clock.Fixed{At: testNow}, store, []string{"127.0.0.1/32"})
	require.NoError(t, err)
	return guard
}

func guardedRequest(guard *RemoteAccessGuard, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	handler := guard.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/requests", nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestForwardedForIgnoredFromUntrustedPeer(t *testing.T) {
	guard := newTestGuard(t, nil)

	// A direct client claiming a trusted address through the header must
	// still be judged by its socket address.
	rec := guardedRequest(guard, "203.0.113.9:41000", "127.0.0.1")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	activities := guard.Activities()
	require.Len(t, activities, 1)
	assert.Equal(t, "203.0.113.9", activities[0].SourceIP)
	assert.False(t, activities[0].Allowed)
}

func TestForwardedForHonoredBehindTrustedProxy(t *testing.T) {
	guard := newTestGuard(t, nil)
	require.NoError(t, guard.SetTrustedProxies([]string{"10.0.0.0/8"}))

	rec := guardedRequest(guard, "10.1.2.3:7777", "127.0.0.1")
	assert.Equal(t, http.StatusOK, rec.Code)

	// The proxy forwarding an untrusted client is still denied.
	rec = guardedRequest(guard, "10.1.2.3:7777", "203.0.113.9")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The proxy itself, with no forwarded client, counts as the source.
	rec = guardedRequest(guard, "10.1.2.3:7777", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestGuardRejectsBadProxyCIDR(t *testing.T) {
	guard := newTestGuard(t, nil)
	assert.Error(t, guard.SetTrustedProxies([]string{"not-a-cidr"}))
}

func TestGuardAuditIDsUniqueUnderConcurrentRequests(t *testing.T) {
	store := audit.NewInMemoryStore()
	guard := newTestGuard(t, store)

	const requests = 32
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guardedRequest(guard, "203.0.113.9:41000", "")
		}()
	}
	wg.Wait()

	assert.Len(t, guard.Activities(), requests)

	seen := make(map[string]bool)
	events := store.Events()
	require.Len(t, events, requests)
	for _, ev := range events {
		assert.False(t, seen[ev.EventID], "duplicate audit event id %s", ev.EventID)
		seen[ev.EventID] = true
	}
}
