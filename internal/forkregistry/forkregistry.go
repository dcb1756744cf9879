// Package forkregistry implements the in-memory fork registry: it owns
// every Fork exclusively, buffers operations under a per-registry lock,
// enforces the write-marker boundary, and exposes the lookups the
// Checkpoint Arbiter needs.
//
// Forks are keyed by fork-hash, each with a FIFO-bounded operation buffer
// and write-marker boundary tracking.
package forkregistry

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// OperationKind enumerates the mutation kinds a publisher can report.
type OperationKind string

const (
	KindPut         OperationKind = "put"
	KindDelete      OperationKind = "delete"
	KindWriteMarker OperationKind = "write_marker"
)

// Operation is a single state mutation reported by a publisher.
type Operation struct {
	ForkHash           string
	Index              uint64
	Kind               OperationKind
	Block              uint64
	Path               string
	Payload            interface{}
	PrevCheckpointHash string
	Timestamp          time.Time
	NodeID             string
	Token              string
}

// Fork is an in-memory aggregation of operations sharing a fork-hash. It is
// owned exclusively by the Registry; callers outside this package hold only
// the fork-hash string handle.
type Fork struct {
	ForkHash         string
	Block            uint64
	NodeIDs          map[string]struct{}
	Buffer           []Operation
	OpCount          uint64
	LastWriteMarker  *Operation
	BoundaryViolated bool
	Confirmed        bool
	FirstSeen        time.Time
	LastUpdate       time.Time
}

// BoundaryReason names why a checkpoint-boundary validation failed.
type BoundaryReason string

const (
	ReasonEmpty              BoundaryReason = "empty"
	ReasonMissingWriteMarker BoundaryReason = "missing_write_marker"
	ReasonOpsAfterMarker     BoundaryReason = "ops_after_marker"
	ReasonWrongBlock         BoundaryReason = "wrong_block"
)

// ErrTooManyForks is returned by Append when a block already holds
// MaxForksPerBlock distinct forks and the operation would start a new one.
type ErrTooManyForks struct {
	Block uint64
	Max   int
}

func (e *ErrTooManyForks) Error() string {
	return fmt.Sprintf("block %d already has %d forks", e.Block, e.Max)
}

// Config bounds the registry.
type Config struct {
	MaxForksPerBlock int
	BufferCapacity   int
	Retention        time.Duration
	SweepInterval    time.Duration
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() Config {
	return Config{
		MaxForksPerBlock: 10,
		BufferCapacity:   10_000,
		Retention:        time.Hour,
		SweepInterval:    5 * time.Minute,
	}
}

// Registry is the in-memory fork map. All mutating operations take the
// write lock; read-only iteration takes the read lock.
type Registry struct {
	cfg Config
	log *logrus.Logger

	mu           sync.RWMutex
	forks        map[string]*Fork
	forksByBlock map[uint64]map[string]struct{}
	activeFork   map[string]string // node-id -> fork-hash

	closing chan struct{}
	closeOnce sync.Once
}

// New creates a Registry and starts its periodic sweep goroutine.
func New(cfg Config, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Registry{
		cfg:          cfg,
		log:          log,
		forks:        make(map[string]*Fork),
		forksByBlock: make(map[uint64]map[string]struct{}),
		activeFork:   make(map[string]string),
		closing:      make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the background sweep goroutine.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.closing) })
}

// Append adds op to the fork identified by forkHash, creating it lazily if
// absent.
func (r *Registry) Append(op Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fork, ok := r.forks[op.ForkHash]
	if !ok {
		if blocks := r.forksByBlock[op.Block]; len(blocks) >= r.cfg.MaxForksPerBlock {
			return &ErrTooManyForks{Block: op.Block, Max: r.cfg.MaxForksPerBlock}
		}
		fork = &Fork{
			ForkHash:   op.ForkHash,
			Block:      op.Block,
			NodeIDs:    make(map[string]struct{}),
			FirstSeen:  time.Now(),
			LastUpdate: time.Now(),
		}
		r.forks[op.ForkHash] = fork
		if r.forksByBlock[op.Block] == nil {
			r.forksByBlock[op.Block] = make(map[string]struct{})
		}
		r.forksByBlock[op.Block][op.ForkHash] = struct{}{}
	}

	fork.NodeIDs[op.NodeID] = struct{}{}
	r.activeFork[op.NodeID] = op.ForkHash

	if fork.LastWriteMarker != nil {
		if op.Kind != KindWriteMarker || op.Block <= fork.LastWriteMarker.Block {
			fork.BoundaryViolated = true
		}
	}

	fork.Buffer = append(fork.Buffer, op)
	if len(fork.Buffer) > r.cfg.BufferCapacity {
		fork.Buffer = fork.Buffer[len(fork.Buffer)-r.cfg.BufferCapacity:]
	}
	fork.OpCount++
	fork.LastUpdate = time.Now()
	if op.Kind == KindWriteMarker {
		opCopy := op
		fork.LastWriteMarker = &opCopy
	}
	return nil
}

// ValidateCheckpointBoundary checks whether forkHash's buffered state
// satisfies the write-marker boundary for checkpointBlock. ok is false with
// a BoundaryReason when invalid.
func (r *Registry) ValidateCheckpointBoundary(forkHash string, checkpointBlock uint64) (ok bool, reason BoundaryReason) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fork, exists := r.forks[forkHash]
	if !exists || len(fork.Buffer) == 0 {
		return false, ReasonEmpty
	}
	if fork.BoundaryViolated {
		return false, ReasonOpsAfterMarker
	}
	last := fork.Buffer[len(fork.Buffer)-1]
	if last.Kind != KindWriteMarker {
		return false, ReasonMissingWriteMarker
	}
	if last.Block != checkpointBlock-1 {
		return false, ReasonWrongBlock
	}
	return true, ""
}

// Lookup returns a shallow copy of the fork for read-only inspection, and
// whether it exists. The copy's Buffer slice and NodeIDs map share storage
// with the registry's fork.
func (r *Registry) Lookup(forkHash string) (Fork, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fork, ok := r.forks[forkHash]
	if !ok {
		return Fork{}, false
	}
	return *fork, true
}

// ForksForBlock returns the fork-hashes currently tracked for block.
func (r *Registry) ForksForBlock(block uint64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.forksByBlock[block]
	out := make([]string, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// ActiveFork returns the fork-hash the given node last appended to.
func (r *Registry) ActiveFork(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.activeFork[nodeID]
	return h, ok
}

// CleanupForBlock deletes every fork for block whose hash is not winner,
// and clears any node's active-fork pointer that referenced a deleted fork.
func (r *Registry) CleanupForBlock(block uint64, winner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashes := r.forksByBlock[block]
	for h := range hashes {
		if h == winner {
			continue
		}
		delete(r.forks, h)
		delete(hashes, h)
		for node, active := range r.activeFork {
			if active == h {
				delete(r.activeFork, node)
			}
		}
		r.log.WithFields(logrus.Fields{"block": block, "fork": h, "winner": winner}).Info("pruned losing fork")
	}
}

// sweep deletes every fork whose LastUpdate predates the retention window.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.Retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, fork := range r.forks {
		if fork.LastUpdate.Before(cutoff) {
			delete(r.forks, hash)
			if set := r.forksByBlock[fork.Block]; set != nil {
				delete(set, hash)
			}
			for node, active := range r.activeFork {
				if active == hash {
					delete(r.activeFork, node)
				}
			}
			r.log.WithFields(logrus.Fields{"fork": hash, "block": fork.Block}).Info("swept stale fork")
		}
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.closing:
			return
		}
	}
}
