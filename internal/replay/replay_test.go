package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"forkwatch/internal/events"
	"forkwatch/internal/graphstore"
)

type fakeSetter struct {
	mu     sync.Mutex
	target uint64
	hash   string
}

func (f *fakeSetter) SetConfirmedAfterRecovery(target uint64, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target, f.hash = target, hash
}

func blockHandler(blocks map[uint64]map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		var num uint64
		if _, err := fmt.Sscanf(r.URL.Path, "/api/block/%d", &num); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, ok := blocks[num]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
}

func testEngine(t *testing.T, srv *httptest.Server, store graphstore.Store, setter ConfirmedSetter) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.PeerBaseURLs = []string{srv.URL}
	cfg.HealthCheckEvery = 0
	cfg.FetchRetries = 2
	cfg.RetryBackoff = time.Millisecond
	e, err := New(cfg, store, nil, nil, setter, events.NewBus(), nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestFetchBlockAcceptsFieldNameSynonyms(t *testing.T) {
	blocks := map[uint64]map[string]interface{}{
		1: {"block_num": 1, "hash": "H1", "ops": []map[string]interface{}{{"Kind": "put", "Path": "/x"}}},
		2: {"number": 2, "blockHash": "H2", "operations": []map[string]interface{}{}},
	}
	srv := httptest.NewServer(blockHandler(blocks))
	defer srv.Close()

	e := testEngine(t, srv, graphstore.NewInMemory(), nil)

	rec1, err := e.FetchBlock(context.Background(), 1)
	if err != nil {
		t.Fatalf("fetch 1: %v", err)
	}
	if rec1.BlockNum != 1 || rec1.BlockHash != "H1" || len(rec1.Operations) != 1 {
		t.Fatalf("unexpected record: %+v", rec1)
	}

	rec2, err := e.FetchBlock(context.Background(), 2)
	if err != nil {
		t.Fatalf("fetch 2: %v", err)
	}
	if rec2.BlockNum != 2 || rec2.BlockHash != "H2" {
		t.Fatalf("unexpected record: %+v", rec2)
	}
}

func TestFetchBlockCachesResult(t *testing.T) {
	var hits int
	blocks := map[uint64]map[string]interface{}{
		1: {"blockNum": 1, "hash": "H1", "operations": []map[string]interface{}{}},
	}
	base := blockHandler(blocks)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		base(w, r)
	}))
	defer srv.Close()

	e := testEngine(t, srv, graphstore.NewInMemory(), nil)
	for i := 0; i < 3; i++ {
		if _, err := e.FetchBlock(context.Background(), 1); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if hits != 1 {
		t.Fatalf("expected a single HTTP round trip, got %d", hits)
	}
	if e.CacheLen() != 1 {
		t.Fatalf("expected cache len 1, got %d", e.CacheLen())
	}
}

func TestFetchBlockCoalescesConcurrentCallers(t *testing.T) {
	var hits int
	var mu sync.Mutex
	blocks := map[uint64]map[string]interface{}{
		1: {"blockNum": 1, "hash": "H1", "operations": []map[string]interface{}{}},
	}
	base := blockHandler(blocks)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		base(w, r)
	}))
	defer srv.Close()

	e := testEngine(t, srv, graphstore.NewInMemory(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.FetchBlock(context.Background(), 1); err != nil {
				t.Errorf("fetch: %v", err)
			}
		}()
	}
	wg.Wait()
	if hits != 1 {
		t.Fatalf("expected concurrent fetches to coalesce into a single round trip, got %d", hits)
	}
}

func TestFetchBlockRejectsMismatchedBlockNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		// Always answers with block 2's body, regardless of the requested number.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"blockNum": 2, "hash": "H2", "operations": []map[string]interface{}{},
		})
	}))
	defer srv.Close()

	e := testEngine(t, srv, graphstore.NewInMemory(), nil)
	if _, err := e.FetchBlock(context.Background(), 1); err == nil {
		t.Fatal("expected error when the peer returns a mismatched block number")
	}
}

func TestFetchBlockFallsBackToSecondPeer(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()
	blocks := map[uint64]map[string]interface{}{
		1: {"blockNum": 1, "hash": "H1", "operations": []map[string]interface{}{}},
	}
	up := httptest.NewServer(blockHandler(blocks))
	defer up.Close()

	cfg := DefaultConfig()
	cfg.PeerBaseURLs = []string{down.URL, up.URL}
	cfg.HealthCheckEvery = 0
	cfg.FetchRetries = 1
	cfg.RetryBackoff = time.Millisecond
	e, err := New(cfg, graphstore.NewInMemory(), nil, nil, nil, events.NewBus(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer e.Close()

	rec, err := e.FetchBlock(context.Background(), 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rec.Source != up.URL {
		t.Fatalf("expected fallback peer as source, got %s", rec.Source)
	}
}

func TestRecoverRollsBackDownloadsAndReplays(t *testing.T) {
	blocks := map[uint64]map[string]interface{}{
		11: {"blockNum": 11, "hash": "H11", "operations": []map[string]interface{}{{"Kind": "put", "Path": "/a", "Block": 11}}},
		12: {"blockNum": 12, "hash": "H12", "operations": []map[string]interface{}{{"Kind": "put", "Path": "/b", "Block": 12}}},
	}
	srv := httptest.NewServer(blockHandler(blocks))
	defer srv.Close()

	store := graphstore.NewInMemory()
	setter := &fakeSetter{}
	e := testEngine(t, srv, store, setter)

	err := e.Recover(context.Background(), 10, 12, "fork-x", "H12")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}

	batches := store.Batches()
	if len(batches) != 2 {
		t.Fatalf("expected 2 written batches, got %d", len(batches))
	}
	if batches[0].Context.Block != 11 || batches[1].Context.Block != 12 {
		t.Fatalf("expected batches replayed in ascending block order, got %+v", batches)
	}
	for _, b := range batches {
		if !b.Context.Replay {
			t.Fatalf("expected replay flag set on write context, got %+v", b.Context)
		}
	}

	setter.mu.Lock()
	defer setter.mu.Unlock()
	if setter.target != 12 || setter.hash != "H12" {
		t.Fatalf("expected confirmed set to (12, H12), got (%d, %s)", setter.target, setter.hash)
	}
}

func TestRecoverFailsWhenPeerUnavailable(t *testing.T) {
	blocks := map[uint64]map[string]interface{}{
		11: {"blockNum": 11, "hash": "H11", "operations": []map[string]interface{}{}},
	}
	srv := httptest.NewServer(blockHandler(blocks))
	defer srv.Close()

	e := testEngine(t, srv, graphstore.NewInMemory(), nil)
	bus := e.bus
	ch, unsub := bus.Subscribe(events.KindRecoveryFailed)
	defer unsub()

	err := e.Recover(context.Background(), 10, 12, "fork-x", "H12")
	if err == nil {
		t.Fatal("expected error when block 12 is unavailable from every peer")
	}
	select {
	case <-ch:
	default:
		t.Fatal("expected recovery:failed event")
	}
}
