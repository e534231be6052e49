package authboundary

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/coursepulse/internal/models"
	"github.com/wolfeidau/coursepulse/internal/store"
	"github.com/wolfeidau/coursepulse/internal/store/memory"
	"github.com/wolfeidau/coursepulse/internal/store/storetest"
)

type fakeTab struct {
	mu       sync.Mutex
	location string
	visited  []string
}

func (f *fakeTab) Location() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location
}

func (f *fakeTab) Navigate(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.location = path
	f.visited = append(f.visited, path)
}

type fixture struct {
	transport *Transport
	client    *http.Client
	store     store.SharedSessionStore
	tab       *fakeTab
	url       string
}

func setup(t *testing.T, location string, status int) *fixture {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	t.Cleanup(srv.Close)

	st := memory.NewProfile().Attach()
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Write(context.Background(), storetest.SampleRecord(models.RoleStudent)))

	tab := &fakeTab{location: location}
	transport := &Transport{Store: st, Tab: tab}

	return &fixture{
		transport: transport,
		client:    &http.Client{Transport: transport},
		store:     st,
		tab:       tab,
		url:       srv.URL,
	}
}

func (f *fixture) get(t *testing.T) *http.Response {
	t.Helper()
	resp, err := f.client.Get(f.url + "/api/me")
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) sessionPresent() bool {
	_, err := f.store.Read(context.Background())
	return err == nil
}

func TestRejectionOnLoginPageDoesNotRedirect(t *testing.T) {
	f := setup(t, "/login", http.StatusUnauthorized)

	resp := f.get(t)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.Empty(t, f.tab.visited)
	require.True(t, f.sessionPresent())
}

func TestRejectionOnDashboardClearsAndRedirects(t *testing.T) {
	f := setup(t, "/dashboard", http.StatusUnauthorized)

	resp := f.get(t)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.Equal(t, []string{"/login"}, f.tab.visited)
	require.False(t, f.sessionPresent())
}

func TestAllowListPaths(t *testing.T) {
	for _, location := range []string{"/", "/admin-login", "/register", "/login?error_code=expired"} {
		f := setup(t, location, http.StatusUnauthorized)
		f.get(t)

		require.Empty(t, f.tab.visited, location)
		require.True(t, f.sessionPresent(), location)
	}
}

func TestOtherStatusesPassThrough(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusForbidden, http.StatusInternalServerError} {
		f := setup(t, "/dashboard", status)
		resp := f.get(t)

		require.Equal(t, status, resp.StatusCode)
		require.Empty(t, f.tab.visited)
		require.True(t, f.sessionPresent())
	}
}

func TestLocationReadPerRejection(t *testing.T) {
	f := setup(t, "/login", http.StatusUnauthorized)

	f.get(t)
	require.Empty(t, f.tab.visited)

	f.tab.location = "/courses"

	f.get(t)
	require.Equal(t, []string{"/login"}, f.tab.visited)
	require.False(t, f.sessionPresent())
}

func TestCustomAllowList(t *testing.T) {
	f := setup(t, "/courses", http.StatusUnauthorized)
	f.transport.AllowList = []string{"/courses"}

	f.get(t)
	require.Empty(t, f.tab.visited)
	require.True(t, f.sessionPresent())
}

func TestOnRejectRunsAfterRedirect(t *testing.T) {
	f := setup(t, "/dashboard", http.StatusUnauthorized)

	var calls int
	f.transport.OnReject = func() {
		calls++
		require.Equal(t, "/login", f.tab.Location())
		require.False(t, f.sessionPresent())
	}

	f.get(t)
	require.Equal(t, 1, calls)
}

func TestOnRejectSkippedOnPublicPage(t *testing.T) {
	f := setup(t, "/register", http.StatusUnauthorized)

	var calls int
	f.transport.OnReject = func() { calls++ }

	f.get(t)
	require.Zero(t, calls)
}
