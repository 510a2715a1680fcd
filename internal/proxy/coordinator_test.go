package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/any-hub/any-proxy/internal/cache"
	"github.com/any-hub/any-proxy/internal/config"
	"github.com/any-hub/any-proxy/internal/fault"
	"github.com/any-hub/any-proxy/internal/pathkey"
)

type stubRemote struct {
	server *httptest.Server
	gets   atomic.Int32
	heads  atomic.Int32

	mu       sync.Mutex
	status   int
	body     string
	modified time.Time
	delay    time.Duration
	failures int
}

func newStubRemote(t *testing.T) *stubRemote {
	t.Helper()
	s := &stubRemote{status: http.StatusOK, body: "artifact-v1", modified: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			s.heads.Add(1)
		} else {
			s.gets.Add(1)
		}
		s.mu.Lock()
		status, body, modified, delay := s.status, s.body, s.modified, s.delay
		if s.failures > 0 && r.Method == http.MethodGet {
			s.failures--
			status = http.StatusInternalServerError
		}
		s.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		w.Header().Set("Content-Type", "application/java-archive")
		w.WriteHeader(status)
		if r.Method == http.MethodGet && status == http.StatusOK {
			_, _ = io.WriteString(w, body)
		}
	}))
	t.Cleanup(s.server.Close)
	return s
}

func (s *stubRemote) set(fn func(s *stubRemote)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func newTestCoordinator(t *testing.T, remoteURL string, mutate func(*config.RepositoryConfig)) (*Coordinator, *cache.FileStore) {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	negative, err := cache.NewMemoryNegativeCache(1000)
	if err != nil {
		t.Fatalf("negative cache: %v", err)
	}
	t.Cleanup(func() { _ = negative.Close() })

	repo := config.RepositoryConfig{
		Name:             "central",
		RemoteURL:        remoteURL,
		NotFoundCacheTTL: config.Duration(time.Minute),
	}
	if mutate != nil {
		mutate(&repo)
	}
	global := config.GlobalConfig{InitialBackoff: config.Duration(time.Millisecond)}
	coord, err := NewCoordinator(Options{Store: store, Negative: negative}, config.BuildRepositoryRuntime(repo, global))
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	return coord, store
}

func readItem(t *testing.T, item *cache.Item) string {
	t.Helper()
	defer item.Close()
	data, err := io.ReadAll(item.Body)
	if err != nil {
		t.Fatalf("read item: %v", err)
	}
	return string(data)
}

var jarKey = pathkey.MustNew("central", "/org/foo/1.0/foo-1.0.jar")

func TestRetrieveFetchesOnceThenServesLocal(t *testing.T) {
	remote := newStubRemote(t)
	coord, _ := newTestCoordinator(t, remote.server.URL, nil)
	ctx := context.Background()

	item, src, err := coord.RetrieveFrom(ctx, jarKey)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if src != SourceRemote {
		t.Fatalf("first retrieve should come from remote, got %s", src)
	}
	if got := readItem(t, item); got != "artifact-v1" {
		t.Fatalf("unexpected body %q", got)
	}
	if !item.LastModified.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("last modified not preserved: %v", item.LastModified)
	}

	item, src, err = coord.RetrieveFrom(ctx, jarKey)
	if err != nil {
		t.Fatalf("second retrieve: %v", err)
	}
	if src != SourceLocal {
		t.Fatalf("second retrieve should be local, got %s", src)
	}
	if got := readItem(t, item); got != "artifact-v1" {
		t.Fatalf("unexpected cached body %q", got)
	}
	if n := remote.gets.Load(); n != 1 {
		t.Fatalf("expected one remote GET, got %d", n)
	}
}

func TestConcurrentRetrieveIssuesSingleRemoteGet(t *testing.T) {
	remote := newStubRemote(t)
	remote.set(func(s *stubRemote) { s.delay = 50 * time.Millisecond })
	coord, _ := newTestCoordinator(t, remote.server.URL, nil)

	var wg conc.WaitGroup
	var failures atomic.Int32
	for range 16 {
		wg.Go(func() {
			item, err := coord.Retrieve(context.Background(), jarKey)
			if err != nil {
				failures.Add(1)
				return
			}
			defer item.Close()
			data, err := io.ReadAll(item.Body)
			if err != nil || string(data) != "artifact-v1" {
				failures.Add(1)
			}
		})
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Fatalf("%d callers observed a failure or torn item", n)
	}
	if n := remote.gets.Load(); n != 1 {
		t.Fatalf("expected exactly one remote GET, got %d", n)
	}
}

func TestNotFoundIsNegativelyCached(t *testing.T) {
	remote := newStubRemote(t)
	remote.set(func(s *stubRemote) { s.status = http.StatusNotFound })
	coord, _ := newTestCoordinator(t, remote.server.URL, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := coord.Retrieve(ctx, jarKey); !errors.Is(err, fault.NotFound) {
			t.Fatalf("attempt %d: expected NotFound, got %v", i, err)
		}
	}
	if n := remote.gets.Load(); n != 1 {
		t.Fatalf("negative cache should avoid repeated remote GETs, got %d", n)
	}

	upload := &cache.Item{Key: jarKey, Body: io.NopCloser(strings.NewReader("uploaded"))}
	if err := coord.Store(ctx, upload); err != nil {
		t.Fatalf("store: %v", err)
	}
	item, err := coord.Retrieve(ctx, jarKey)
	if err != nil {
		t.Fatalf("retrieve after store: %v", err)
	}
	if got := readItem(t, item); got != "uploaded" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestLocalOnlyNeverGoesRemote(t *testing.T) {
	remote := newStubRemote(t)
	coord, _ := newTestCoordinator(t, remote.server.URL, nil)

	_, err := coord.Retrieve(LocalOnly(context.Background()), jarKey)
	if !errors.Is(err, fault.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if n := remote.gets.Load(); n != 0 {
		t.Fatalf("local-only retrieve contacted the remote %d times", n)
	}
}

func TestRemoteOnlyRefreshesLocalCopy(t *testing.T) {
	remote := newStubRemote(t)
	coord, _ := newTestCoordinator(t, remote.server.URL, nil)
	ctx := context.Background()

	item, err := coord.Retrieve(ctx, jarKey)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	readItem(t, item)

	remote.set(func(s *stubRemote) { s.body = "artifact-v2" })
	item, src, err := coord.RetrieveFrom(RemoteOnly(ctx), jarKey)
	if err != nil {
		t.Fatalf("remote-only retrieve: %v", err)
	}
	if src != SourceRemote || readItem(t, item) != "artifact-v2" {
		t.Fatalf("remote-only retrieve should refetch, src=%s", src)
	}

	item, err = coord.Retrieve(ctx, jarKey)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got := readItem(t, item); got != "artifact-v2" {
		t.Fatalf("local copy not refreshed: %q", got)
	}
}

func TestTransportErrorsAreRetried(t *testing.T) {
	remote := newStubRemote(t)
	remote.set(func(s *stubRemote) { s.failures = 2 })
	coord, _ := newTestCoordinator(t, remote.server.URL, func(r *config.RepositoryConfig) {
		r.RetrievalRetryCount = 2
	})

	item, err := coord.Retrieve(context.Background(), jarKey)
	if err != nil {
		t.Fatalf("retrieve should succeed after retries: %v", err)
	}
	readItem(t, item)
	if n := remote.gets.Load(); n != 3 {
		t.Fatalf("expected 3 GETs, got %d", n)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	remote := newStubRemote(t)
	remote.set(func(s *stubRemote) { s.failures = 5 })
	coord, _ := newTestCoordinator(t, remote.server.URL, func(r *config.RepositoryConfig) {
		r.RetrievalRetryCount = 1
	})

	_, err := coord.Retrieve(context.Background(), jarKey)
	if !errors.Is(err, fault.TransportError) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if n := remote.gets.Load(); n != 2 {
		t.Fatalf("expected 2 GETs, got %d", n)
	}
}

func TestAccessDeniedIsNotRetriedOrCached(t *testing.T) {
	remote := newStubRemote(t)
	remote.set(func(s *stubRemote) { s.status = http.StatusForbidden })
	coord, _ := newTestCoordinator(t, remote.server.URL, func(r *config.RepositoryConfig) {
		r.RetrievalRetryCount = 3
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := coord.Retrieve(ctx, jarKey); !errors.Is(err, fault.AccessDenied) {
			t.Fatalf("expected AccessDenied, got %v", err)
		}
	}
	if n := remote.gets.Load(); n != 2 {
		t.Fatalf("expected one GET per call, got %d", n)
	}
}

func TestStaleItemIsRevalidated(t *testing.T) {
	remote := newStubRemote(t)
	coord, _ := newTestCoordinator(t, remote.server.URL, func(r *config.RepositoryConfig) {
		r.ItemMaxAge = config.Duration(-1)
	})
	ctx := context.Background()

	item, err := coord.Retrieve(ctx, jarKey)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	readItem(t, item)

	item, src, err := coord.RetrieveFrom(ctx, jarKey)
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if src != SourceLocal || readItem(t, item) != "artifact-v1" {
		t.Fatalf("unchanged remote should serve local copy, src=%s", src)
	}
	if remote.heads.Load() == 0 {
		t.Fatalf("stale item should be revalidated with HEAD")
	}
	if n := remote.gets.Load(); n != 1 {
		t.Fatalf("unchanged remote should not be refetched, got %d GETs", n)
	}

	remote.set(func(s *stubRemote) {
		s.body = "artifact-v2"
		s.modified = s.modified.Add(time.Hour)
	})
	item, src, err = coord.RetrieveFrom(ctx, jarKey)
	if err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if src != SourceRemote || readItem(t, item) != "artifact-v2" {
		t.Fatalf("newer remote should be refetched, src=%s", src)
	}
}

func TestStaleItemServedWhenRemoteFails(t *testing.T) {
	remote := newStubRemote(t)
	coord, _ := newTestCoordinator(t, remote.server.URL, func(r *config.RepositoryConfig) {
		r.ItemMaxAge = config.Duration(-1)
	})
	ctx := context.Background()

	item, err := coord.Retrieve(ctx, jarKey)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	readItem(t, item)

	remote.set(func(s *stubRemote) { s.status = http.StatusBadGateway })
	item, src, err := coord.RetrieveFrom(ctx, jarKey)
	if err != nil {
		t.Fatalf("stale copy should be served: %v", err)
	}
	if src != SourceLocal || readItem(t, item) != "artifact-v1" {
		t.Fatalf("unexpected stale result, src=%s", src)
	}
}

func TestRemoveDeletesLocalCopy(t *testing.T) {
	remote := newStubRemote(t)
	coord, store := newTestCoordinator(t, remote.server.URL, nil)
	ctx := context.Background()

	item, err := coord.Retrieve(ctx, jarKey)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	readItem(t, item)

	if err := coord.Remove(ctx, jarKey); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, _ := store.Exists(ctx, jarKey); ok {
		t.Fatalf("item should be removed")
	}
}

func TestUnknownRepository(t *testing.T) {
	remote := newStubRemote(t)
	coord, _ := newTestCoordinator(t, remote.server.URL, nil)

	_, err := coord.Retrieve(context.Background(), pathkey.MustNew("other", "/a.jar"))
	if !errors.Is(err, fault.NotFound) {
		t.Fatalf("expected NotFound for unknown repository, got %v", err)
	}
}

func TestCheckAvailableAndStatus(t *testing.T) {
	remote := newStubRemote(t)
	coord, _ := newTestCoordinator(t, remote.server.URL, nil)
	ctx := context.Background()

	ok, err := coord.CheckAvailable(ctx, jarKey, time.Time{}, true)
	if err != nil || !ok {
		t.Fatalf("expected available, got %v %v", ok, err)
	}

	statuses := coord.Status(ctx)
	if len(statuses) != 1 || statuses[0].Name != "central" || !statuses[0].Reachable {
		t.Fatalf("unexpected status: %+v", statuses)
	}
}

func TestUpdateRepositorySwapsRemote(t *testing.T) {
	first := newStubRemote(t)
	second := newStubRemote(t)
	second.set(func(s *stubRemote) { s.body = "from-second" })
	coord, _ := newTestCoordinator(t, first.server.URL, nil)

	repo := config.RepositoryConfig{Name: "central", RemoteURL: second.server.URL}
	if err := coord.UpdateRepository(config.BuildRepositoryRuntime(repo, config.GlobalConfig{})); err != nil {
		t.Fatalf("update: %v", err)
	}
	item, err := coord.Retrieve(context.Background(), jarKey)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got := readItem(t, item); got != "from-second" {
		t.Fatalf("expected new remote to serve, got %q", got)
	}
	if first.gets.Load() != 0 {
		t.Fatalf("old remote should not be used")
	}
	if rt := coord.Repositories(); len(rt) != 1 || rt[0].Remote.RemoteURL != second.server.URL {
		t.Fatalf("unexpected repositories: %+v", rt)
	}
}

func TestCancelledRetrieve(t *testing.T) {
	remote := newStubRemote(t)
	remote.set(func(s *stubRemote) { s.delay = 200 * time.Millisecond })
	coord, _ := newTestCoordinator(t, remote.server.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := coord.Retrieve(ctx, jarKey)
	if !errors.Is(err, fault.Cancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if locks := coord.Locks(); len(locks) != 0 {
		t.Fatalf("locks should be released, got %+v", locks)
	}
}

func TestStalledRemoteReleasesItemLock(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-done:
		}
	}))
	t.Cleanup(func() {
		close(done)
		srv.Close()
	})

	coord, store := newTestCoordinator(t, srv.URL, func(r *config.RepositoryConfig) {
		r.SocketTimeout = config.Duration(200 * time.Millisecond)
	})

	result := make(chan error, 1)
	go func() {
		item, err := coord.Retrieve(context.Background(), jarKey)
		if item != nil {
			_ = item.Close()
		}
		result <- err
	}()
	select {
	case err := <-result:
		if !errors.Is(err, fault.TransportError) {
			t.Fatalf("expected TransportError, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("retrieve should fail once the remote body stalls")
	}
	if locks := coord.Locks(); len(locks) != 0 {
		t.Fatalf("locks should be released, got %+v", locks)
	}
	if ok, _ := store.Exists(context.Background(), jarKey); ok {
		t.Fatalf("partial body must not be stored")
	}
}
