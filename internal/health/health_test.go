package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trellislabs/trellis/internal/bus"
	"github.com/trellislabs/trellis/internal/graph/graphtest"
	"github.com/trellislabs/trellis/internal/storage/sqlite"
)

func newHealthEnv(t *testing.T) (*Server, *miniredis.Miniredis, *graphtest.Fake) {
	t.Helper()
	store, err := sqlite.New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	b := bus.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = b.Close() })

	fake := graphtest.New()
	return New(store, b, fake, zap.NewNop(), ":0"), mr, fake
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthzAlwaysOK(t *testing.T) {
	srv, _, _ := newHealthEnv(t)
	rec := get(t, srv.Router(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestReadyzReflectsBackends(t *testing.T) {
	srv, mr, fake := newHealthEnv(t)
	router := srv.Router()

	if rec := get(t, router, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("readyz with healthy backends = %d: %s", rec.Code, rec.Body)
	}

	fake.PingErr = context.DeadlineExceeded
	if rec := get(t, router, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing graph = %d", rec.Code)
	}
	fake.PingErr = nil

	mr.Close()
	if rec := get(t, router, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing bus = %d", rec.Code)
	}
}

func TestStatusReportsQueueDepths(t *testing.T) {
	srv, _, _ := newHealthEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := srv.bus.Enqueue(ctx, bus.QueueFileAnalysis, bus.JobAnalyzeFile, map[string]string{"n": "x"}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	rec := get(t, srv.Router(), "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if snapshot.Stats == nil {
		t.Fatal("status carries no stats")
	}
	q, ok := snapshot.Queues[bus.QueueFileAnalysis]
	if !ok {
		t.Fatalf("file-analysis queue missing from %v", snapshot.Queues)
	}
	if q.Depth != 3 {
		t.Errorf("file-analysis depth = %d, want 3", q.Depth)
	}
}
