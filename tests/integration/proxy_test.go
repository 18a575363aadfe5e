package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lovell/rampart/internal/testutil"
	"github.com/lovell/rampart/pkg/cache"
	"github.com/lovell/rampart/pkg/metrics"
	"github.com/lovell/rampart/pkg/proxy"
	"github.com/lovell/rampart/pkg/urlkey"
)

// setupMemcached starts a memcached container for integration testing.
func setupMemcached(t *testing.T) (*cache.Memcached, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "memcached:1.6-alpine",
		ExposedPorts: []string{"11211/tcp"},
		WaitingFor:   wait.ForListeningPort("11211/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start memcached container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "11211")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	store := cache.NewMemcached([]string{host + ":" + port.Port()}, time.Second)

	cleanup := func() {
		store.Close()
		container.Terminate(ctx)
	}
	return store, cleanup
}

// newInstance builds one proxy instance on the shared cache.
func newInstance(t *testing.T, store cache.Cache, origin *testutil.MockOrigin) (*proxy.Handler, *metrics.Counters) {
	t.Helper()

	canon, err := urlkey.NewCanonicaliser(origin.Host(), nil)
	if err != nil {
		t.Fatalf("Failed to build canonicaliser: %v", err)
	}
	counters := &metrics.Counters{}
	handler := proxy.NewHandler(proxy.Config{
		Cache:         store,
		Canonicaliser: canon,
		Counters:      counters,
		OriginTimeout: 10 * time.Second,
		LockTTL:       30 * time.Second,
	})
	return handler, counters
}

func get(handler http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
	return rec
}

// TestCrossInstanceSharing verifies that an entry admitted by one
// instance is served as a hit by another instance on the same
// cluster.
func TestCrossInstanceSharing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	store, cleanup := setupMemcached(t)
	defer cleanup()

	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/shared", testutil.OriginResponse{
		Body: "shared body",
		Headers: map[string]string{
			"Content-Type":  "text/plain",
			"Cache-Control": "max-age=30",
		},
	})

	instanceA, _ := newInstance(t, store, origin)
	instanceB, countersB := newInstance(t, store, origin)

	// Instance A takes the cold miss and admits the response.
	recA := get(instanceA, "/shared")
	if recA.Code != http.StatusOK {
		t.Fatalf("instance A status = %d", recA.Code)
	}
	if got := recA.Header().Get(proxy.HeaderRampart); got != proxy.DecisionMiss {
		t.Errorf("instance A X-Rampart = %q, want miss", got)
	}

	// Instance B must serve from the shared cache.
	recB := get(instanceB, "/shared")
	if recB.Code != http.StatusOK {
		t.Fatalf("instance B status = %d", recB.Code)
	}
	if got := recB.Header().Get(proxy.HeaderRampart); got != proxy.DecisionHit {
		t.Errorf("instance B X-Rampart = %q, want hit", got)
	}
	if recB.Body.String() != "shared body" {
		t.Errorf("instance B body = %q", recB.Body.String())
	}
	if origin.RequestCount() != 1 {
		t.Errorf("origin contacted %d times, want 1", origin.RequestCount())
	}
	if countersB.Snapshot().Hits != 1 {
		t.Errorf("instance B hits = %d, want 1", countersB.Snapshot().Hits)
	}
}

// TestDogpileLockVisibleAcrossInstances verifies that a lock taken by
// one instance turns the other instance's refresh into a stale serve.
func TestDogpileLockVisibleAcrossInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	store, cleanup := setupMemcached(t)
	defer cleanup()

	origin := testutil.NewMockOrigin()
	defer origin.Close()

	canon, err := urlkey.NewCanonicaliser(origin.Host(), nil)
	if err != nil {
		t.Fatal(err)
	}
	target, err := canon.Canonicalise("/expired")
	if err != nil {
		t.Fatal(err)
	}
	keys := cache.KeysFor(target.Fingerprint)

	// Seed an expired entry and a foreign lock directly.
	ctx := context.Background()
	meta := &cache.Meta{
		ExpiresAt:   time.Now().Add(-time.Second).UnixMilli(),
		ContentType: "text/plain",
	}
	encoded, err := meta.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, keys.Data, []byte("stale body"), 0); err != nil {
		t.Fatalf("seed data: %v", err)
	}
	if err := store.Set(ctx, keys.Meta, encoded, 0); err != nil {
		t.Fatalf("seed meta: %v", err)
	}
	if err := store.Set(ctx, keys.Lock, cache.LockSentinel, 0); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	instance, _ := newInstance(t, store, origin)

	rec := get(instance, "/expired")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get(proxy.HeaderRampart); got != proxy.DecisionStale {
		t.Errorf("X-Rampart = %q, want stale", got)
	}
	if rec.Body.String() != "stale body" {
		t.Errorf("body = %q, want stale body", rec.Body.String())
	}
	if origin.RequestCount() != 0 {
		t.Errorf("origin contacted %d times, want 0", origin.RequestCount())
	}
}

// TestAtomicLockAdd verifies the backend's add is a true
// create-if-absent.
func TestAtomicLockAdd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	store, cleanup := setupMemcached(t)
	defer cleanup()

	ctx := context.Background()
	key := "rampart-1-lock"

	if err := store.Add(ctx, key, cache.LockSentinel, 30*time.Second); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := store.Add(ctx, key, cache.LockSentinel, 30*time.Second); err != cache.ErrNotStored {
		t.Errorf("second add error = %v, want ErrNotStored", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Add(ctx, key, cache.LockSentinel, 30*time.Second); err != nil {
		t.Errorf("add after delete: %v", err)
	}
}
