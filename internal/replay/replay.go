// Package replay implements the Block Replay Engine: on divergence, roll
// back to a snapshot, download canonical blocks from peers with
// retry/fallback/caching, and replay them into the graph store.
//
// Concurrent callers asking for the same block share one in-flight fetch
// rather than issuing duplicate peer requests.
package replay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"forkwatch/internal/events"
	"forkwatch/internal/graphstore"
	"forkwatch/internal/snapshot"
	"forkwatch/pkg/retry"
)

// Config bounds the Block Replay Engine.
type Config struct {
	PeerBaseURLs       []string
	MaxConcurrentFetch int
	FetchTimeout       time.Duration
	FetchRetries       int
	RetryBackoff       time.Duration
	CacheSize          int
	HealthCheckEvery   time.Duration
}

// DefaultConfig returns conservative production defaults: 5-way concurrent
// fetch, a 30s peer timeout, 3 attempts per peer with a linear 1s backoff,
// and a 1000-block cache.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentFetch: 5,
		FetchTimeout:       30 * time.Second,
		FetchRetries:       3,
		RetryBackoff:       time.Second,
		CacheSize:          1_000,
		HealthCheckEvery:   30 * time.Second,
	}
}

// ConfirmedSetter lets the replay engine finalize the Arbiter's confirmed
// map after a successful recovery, without the Arbiter and the replay
// engine importing each other directly.
type ConfirmedSetter interface {
	SetConfirmedAfterRecovery(target uint64, hash string)
}

// RecoveryComplete is the payload of events.KindRecoveryComplete.
type RecoveryComplete struct {
	From, To     uint64
	Count        int
	CanonicalHash string
}

// RecoveryFailed is the payload of events.KindRecoveryFailed.
type RecoveryFailed struct {
	From, To uint64
	Reason   string
}

// BlockReplayed / BlockReplayFailed are the payloads of the matching events.
type BlockReplayed struct {
	Block   uint64
	OpCount int
}

type BlockReplayFailed struct {
	Block  uint64
	Reason string
}

// Engine is the Block Replay Engine.
type Engine struct {
	cfg   Config
	log   *logrus.Logger
	bus   *events.Bus
	snap  snapshot.Capability
	store graphstore.Store
	tr    graphstore.Transformer
	arb   ConfirmedSetter

	fetcher *peerFetcher

	cache   *lru.Cache[uint64, BlockRecord]
	cacheMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[uint64]*inflightFetch
}

type inflightFetch struct {
	done   chan struct{}
	result BlockRecord
	err    error
}

// New creates a Block Replay Engine. snap and arb may be nil (snapshot
// capability is optional; arb is optional for engines used only in
// isolated fetch tests).
func New(cfg Config, store graphstore.Store, tr graphstore.Transformer, snap snapshot.Capability, arb ConfirmedSetter, bus *events.Bus, log *logrus.Logger) (*Engine, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if tr == nil {
		tr = graphstore.IdentityTransformer{}
	}
	cache, err := lru.New[uint64, BlockRecord](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	e := &Engine{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		snap:     snap,
		store:    store,
		tr:       tr,
		arb:      arb,
		fetcher:  newPeerFetcher(cfg, log),
		cache:    cache,
		inflight: make(map[uint64]*inflightFetch),
	}
	go e.healthLoop()
	return e, nil
}

// Close stops the engine's background health-check loop.
func (e *Engine) Close() { e.fetcher.close() }

// Recover rolls back to a snapshot and replays forward to the divergent
// block. checkpointBlock is the last confirmed block (the rollback
// target); target is the divergent block whose canonical hash must be
// adopted.
func (e *Engine) Recover(ctx context.Context, checkpointBlock, target uint64, forkHash, canonicalHash string) error {
	if e.snap != nil {
		if err := e.snap.RollbackToCheckpoint(ctx, checkpointBlock); err != nil {
			e.bus.Emit(events.KindRecoveryFailed, RecoveryFailed{From: checkpointBlock, To: target, Reason: "rollback-failed"})
			return fmt.Errorf("rollback to %d: %w", checkpointBlock, err)
		}
	}

	blocks := make([]uint64, 0, target-checkpointBlock)
	for n := checkpointBlock + 1; n <= target; n++ {
		blocks = append(blocks, n)
	}

	records, err := e.downloadAll(ctx, blocks)
	if err != nil {
		e.bus.Emit(events.KindRecoveryFailed, RecoveryFailed{From: checkpointBlock, To: target, Reason: err.Error()})
		return err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].BlockNum < records[j].BlockNum })

	count := 0
	for _, rec := range records {
		wctx := graphstore.WriteContext{Block: rec.BlockNum, Hash: rec.BlockHash, Replay: true}
		muts, err := e.tr.Transform(ctx, rec.Operations, wctx)
		if err != nil {
			e.bus.Emit(events.KindBlockReplayFailed, BlockReplayFailed{Block: rec.BlockNum, Reason: err.Error()})
			e.bus.Emit(events.KindRecoveryFailed, RecoveryFailed{From: checkpointBlock, To: target, Reason: "transformer-failure"})
			return fmt.Errorf("transform block %d: %w", rec.BlockNum, err)
		}
		if err := e.store.WriteBatch(ctx, muts, wctx); err != nil {
			e.bus.Emit(events.KindBlockReplayFailed, BlockReplayFailed{Block: rec.BlockNum, Reason: err.Error()})
			e.bus.Emit(events.KindRecoveryFailed, RecoveryFailed{From: checkpointBlock, To: target, Reason: "graph-write-failure"})
			return fmt.Errorf("write block %d: %w", rec.BlockNum, err)
		}
		e.bus.Emit(events.KindBlockReplayed, BlockReplayed{Block: rec.BlockNum, OpCount: len(rec.Operations)})
		count += len(rec.Operations)
	}

	if e.snap != nil {
		if _, err := e.snap.CreateCheckpoint(ctx, target, canonicalHash); err != nil {
			e.bus.Emit(events.KindRecoveryFailed, RecoveryFailed{From: checkpointBlock, To: target, Reason: "snapshot-create-failed"})
			return fmt.Errorf("create snapshot at %d: %w", target, err)
		}
	}

	if e.arb != nil {
		e.arb.SetConfirmedAfterRecovery(target, canonicalHash)
	}

	e.bus.Emit(events.KindRecoveryComplete, RecoveryComplete{From: checkpointBlock, To: target, Count: count, CanonicalHash: canonicalHash})
	return nil
}

// downloadAll fetches every block in blocks with concurrency capped at
// cfg.MaxConcurrentFetch.
func (e *Engine) downloadAll(ctx context.Context, blocks []uint64) ([]BlockRecord, error) {
	sem := make(chan struct{}, e.cfg.MaxConcurrentFetch)
	var wg sync.WaitGroup
	results := make([]BlockRecord, len(blocks))
	errs := make([]error, len(blocks))

	for i, n := range blocks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, n uint64) {
			defer wg.Done()
			defer func() { <-sem }()
			rec, err := e.FetchBlock(ctx, n)
			results[i] = rec
			errs[i] = err
		}(i, n)
	}
	wg.Wait()

	out := make([]BlockRecord, 0, len(blocks))
	for i, err := range errs {
		if err != nil {
			e.log.WithError(err).WithField("block", blocks[i]).Warn("block fetch failed")
			return nil, fmt.Errorf("block %d unavailable: %w", blocks[i], err)
		}
		out = append(out, results[i])
	}
	return out, nil
}

// FetchBlock returns the block record for num, consulting the cache first,
// then coalescing concurrent requests for the same block, then downloading
// from peers.
func (e *Engine) FetchBlock(ctx context.Context, num uint64) (BlockRecord, error) {
	if rec, ok := e.cacheGet(num); ok {
		return rec, nil
	}

	e.inflightMu.Lock()
	if f, ok := e.inflight[num]; ok {
		e.inflightMu.Unlock()
		<-f.done
		return f.result, f.err
	}
	f := &inflightFetch{done: make(chan struct{})}
	e.inflight[num] = f
	e.inflightMu.Unlock()

	rec, err := e.fetcher.fetch(ctx, num)
	if err == nil {
		e.cacheInsert(num, rec)
	}

	f.result, f.err = rec, err
	close(f.done)

	e.inflightMu.Lock()
	delete(e.inflight, num)
	e.inflightMu.Unlock()

	return rec, err
}

func (e *Engine) cacheGet(num uint64) (BlockRecord, bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.cache.Get(num)
}

// cacheInsert adds rec, evicting the least-recently-used entry once the
// cache is at CacheSize. Since blocks are fetched once and never re-read
// during steady-state replay, access recency and fetch-time recency
// coincide in practice; evicted entries are simply re-downloaded from
// peers if ever needed again.
func (e *Engine) cacheInsert(num uint64, rec BlockRecord) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache.Add(num, rec)
}

// CacheLen returns the current cache size, for tests.
func (e *Engine) CacheLen() int {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.cache.Len()
}

func (e *Engine) healthLoop() {
	if e.cfg.HealthCheckEvery <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.HealthCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.fetcher.refreshHealth(context.Background())
		case <-e.fetcher.closing:
			return
		}
	}
}

// retryPolicy builds the per-block fetch backoff schedule from cfg.
func (cfg Config) retryPolicy() retry.Policy {
	return retry.Linear(cfg.FetchRetries, cfg.RetryBackoff)
}
