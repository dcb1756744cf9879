package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"forkwatch/internal/graphstore"
	"forkwatch/pkg/retry"
)

// BlockRecord is a downloaded, validated canonical block.
type BlockRecord struct {
	BlockNum   uint64
	BlockHash  string
	Operations []graphstore.Operation
	Source     string
	FetchedAt  time.Time
}

type peerState struct {
	url         string
	healthy     bool
	lastSuccess time.Time
}

// peerFetcher downloads blocks from a configured set of peer base URLs,
// trying each in order and falling back on failure.
type peerFetcher struct {
	cfg    Config
	log    *logrus.Logger
	client *http.Client

	mu      sync.Mutex
	peers   []*peerState
	closing chan struct{}
}

func newPeerFetcher(cfg Config, log *logrus.Logger) *peerFetcher {
	peers := make([]*peerState, 0, len(cfg.PeerBaseURLs))
	for _, u := range cfg.PeerBaseURLs {
		peers = append(peers, &peerState{url: u, healthy: true})
	}
	return &peerFetcher{
		cfg:     cfg,
		log:     log,
		client:  &http.Client{Timeout: cfg.FetchTimeout},
		peers:   peers,
		closing: make(chan struct{}),
	}
}

func (pf *peerFetcher) close() {
	select {
	case <-pf.closing:
	default:
		close(pf.closing)
	}
}

// orderedPeers returns peer URLs with healthy ones first, preserving
// relative order within each group.
func (pf *peerFetcher) orderedPeers() []string {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	var healthy, unhealthy []string
	for _, p := range pf.peers {
		if p.healthy {
			healthy = append(healthy, p.url)
		} else {
			unhealthy = append(unhealthy, p.url)
		}
	}
	return append(healthy, unhealthy...)
}

func (pf *peerFetcher) markResult(url string, ok bool) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	for _, p := range pf.peers {
		if p.url == url {
			p.healthy = ok
			if ok {
				p.lastSuccess = time.Now()
			}
			return
		}
	}
}

// refreshHealth probes every peer's /api/health endpoint and updates its
// tracked health state.
func (pf *peerFetcher) refreshHealth(ctx context.Context) {
	for _, url := range pf.orderedPeers() {
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		req, err := http.NewRequestWithContext(hctx, http.MethodGet, url+"/api/health", nil)
		if err != nil {
			cancel()
			continue
		}
		resp, err := pf.client.Do(req)
		ok := err == nil && resp != nil && resp.StatusCode == http.StatusOK
		if resp != nil {
			resp.Body.Close()
		}
		cancel()
		pf.markResult(url, ok)
		if !ok {
			pf.log.WithField("peer", url).Warn("peer health probe failed")
		}
	}
}

// fetch downloads block num, trying every configured peer in health order
// with a linear retry policy per peer.
func (pf *peerFetcher) fetch(ctx context.Context, num uint64) (BlockRecord, error) {
	peers := pf.orderedPeers()
	if len(peers) == 0 {
		return BlockRecord{}, fmt.Errorf("no peers configured")
	}

	var lastErr error
	for _, base := range peers {
		rec, err := pf.fetchFromPeer(ctx, base, num)
		if err == nil {
			pf.markResult(base, true)
			return rec, nil
		}
		pf.markResult(base, false)
		lastErr = err
		pf.log.WithError(err).WithField("peer", base).WithField("block", num).Warn("peer fetch failed, trying next peer")
	}
	return BlockRecord{}, fmt.Errorf("block %d unavailable from all peers: %w", num, lastErr)
}

func (pf *peerFetcher) fetchFromPeer(ctx context.Context, base string, num uint64) (BlockRecord, error) {
	var rec BlockRecord
	err := retry.Do(ctx, pf.cfg.retryPolicy(), func(attempt int) error {
		url := fmt.Sprintf("%s/api/block/%d", base, num)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := pf.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<12))
			return fmt.Errorf("peer %s returned status %d: %s", base, resp.StatusCode, string(body))
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		parsed, err := parseBlockResponse(body)
		if err != nil {
			return err
		}
		if parsed.BlockNum != num {
			return fmt.Errorf("peer %s returned block %d for requested block %d", base, parsed.BlockNum, num)
		}
		parsed.Source = base
		parsed.FetchedAt = time.Now()
		rec = parsed
		return nil
	})
	return rec, err
}

// parseBlockResponse tolerates a handful of field-name variations for the
// block-number and operations-list fields, since different peer
// implementations spell them differently.
func parseBlockResponse(body []byte) (BlockRecord, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return BlockRecord{}, fmt.Errorf("malformed block response: %w", err)
	}

	blockField, ok := firstPresent(raw, "blockNum", "block_num", "number")
	if !ok {
		return BlockRecord{}, fmt.Errorf("block response missing block-number field")
	}
	var blockNum uint64
	if err := json.Unmarshal(blockField, &blockNum); err != nil {
		return BlockRecord{}, fmt.Errorf("invalid block-number field: %w", err)
	}

	var hash string
	if hashField, ok := firstPresent(raw, "blockHash", "block_hash", "hash"); ok {
		_ = json.Unmarshal(hashField, &hash)
	}

	opsField, ok := firstPresent(raw, "operations", "ops")
	if !ok {
		return BlockRecord{}, fmt.Errorf("block response missing operations field")
	}
	var ops []graphstore.Operation
	if err := json.Unmarshal(opsField, &ops); err != nil {
		return BlockRecord{}, fmt.Errorf("invalid operations field: %w", err)
	}

	return BlockRecord{BlockNum: blockNum, BlockHash: hash, Operations: ops}, nil
}

func firstPresent(raw map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := raw[k]; ok {
			return v, true
		}
	}
	return nil, false
}
