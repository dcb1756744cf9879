// Package arbiter implements the Checkpoint Arbiter: it maintains the
// confirmed-checkpoint history, detects divergence, decides the canonical
// winner for a block, and triggers recovery through the Block Replay
// Engine.
//
// A checkpoint whose declared previous-hash no longer matches what was
// confirmed for the prior block signals divergence; the first checkpoint
// seen for a block wins ties, and any later conflicting report for an
// already-confirmed block is refused rather than silently overwritten.
package arbiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"forkwatch/internal/events"
	"forkwatch/internal/forkregistry"
)

// Checkpoint is a reported block-terminal state.
type Checkpoint struct {
	Block     uint64
	Hash      string
	Prev      string
	NodeID    string
	Timestamp time.Time
}

// CheckpointEvent carries the fork-hash the reporting node was actively
// appending to, resolved by the Protocol Adapter via the Fork Registry's
// active-fork pointer before the checkpoint reaches the Arbiter.
type CheckpointEvent struct {
	Checkpoint
	ForkHash string
}

// Recoverer is the Block Replay Engine's contract as seen by the Arbiter:
// roll back to checkpointBlock and replay forward to target, adopting
// canonicalHash as the new confirmed hash.
type Recoverer interface {
	Recover(ctx context.Context, checkpointBlock, target uint64, forkHash, canonicalHash string) error
}

// InvalidReason names why a checkpoint:invalid event fired.
type InvalidReason string

// ForkDetected is the payload of events.KindForkDetected.
type ForkDetected struct {
	Block         uint64
	CanonicalHash string
	ForkHash      string
	NodeID        string
}

// CheckpointConfirmed is the payload of events.KindCheckpointConfirmed.
type CheckpointConfirmed struct {
	Block uint64
	Hash  string
}

// CheckpointInvalid is the payload of events.KindCheckpointInvalid.
type CheckpointInvalid struct {
	Reason forkregistry.BoundaryReason
	Fork   string
	Block  uint64
	NodeID string
}

// CheckpointConflict is the payload of events.KindCheckpointConflict.
type CheckpointConflict struct {
	Block       uint64
	Existing    string
	Incoming    string
	NodeID      string
}

// cleaner is the subset of *forkregistry.Registry the Arbiter depends on.
type cleaner interface {
	ValidateCheckpointBoundary(forkHash string, checkpointBlock uint64) (bool, forkregistry.BoundaryReason)
	CleanupForBlock(block uint64, winner string)
}

// Arbiter owns the confirmed-checkpoint history. The confirmed map is
// guarded by its own mutex, distinct from the Fork Registry's lock; the
// Arbiter never holds both at once: it always finishes with the registry
// before taking its own lock.
type Arbiter struct {
	log      *logrus.Logger
	bus      *events.Bus
	registry cleaner
	replay   Recoverer

	mu        sync.Mutex
	confirmed map[uint64]Checkpoint
	last      Checkpoint
	haveLast  bool

	// recoveryGate serializes checkpoint handling so that confirmation of
	// block N+1 never proceeds until recovery triggered by its divergence
	// has returned.
	recoveryGate sync.Mutex
}

// New creates an Arbiter wired to registry and replay.
func New(registry cleaner, replay Recoverer, bus *events.Bus, log *logrus.Logger) *Arbiter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Arbiter{
		log:       log,
		bus:       bus,
		registry:  registry,
		replay:    replay,
		confirmed: make(map[uint64]Checkpoint),
	}
}

// Confirmed returns the checkpoint confirmed for block, if any.
func (a *Arbiter) Confirmed(block uint64) (Checkpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp, ok := a.confirmed[block]
	return cp, ok
}

// LastConfirmed returns the highest-block checkpoint confirmed so far, for
// the operator status surface.
func (a *Arbiter) LastConfirmed() (Checkpoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.haveLast
}

func (a *Arbiter) recordLast(cp Checkpoint) {
	if !a.haveLast || cp.Block >= a.last.Block {
		a.last, a.haveLast = cp, true
	}
}

// HandleCheckpoint runs the divergence-detection and confirmation
// algorithm for a single reported checkpoint.
func (a *Arbiter) HandleCheckpoint(ctx context.Context, ev CheckpointEvent) error {
	a.recoveryGate.Lock()
	defer a.recoveryGate.Unlock()

	// Step 1: optional boundary revalidation.
	if ev.ForkHash != "" {
		if ok, reason := a.registry.ValidateCheckpointBoundary(ev.ForkHash, ev.Block); !ok {
			a.bus.Emit(events.KindCheckpointInvalid, CheckpointInvalid{
				Reason: reason, Fork: ev.ForkHash, Block: ev.Block, NodeID: ev.NodeID,
			})
			return fmt.Errorf("checkpoint boundary invalid for fork %s block %d: %s", ev.ForkHash, ev.Block, reason)
		}
	}

	// Step 2: divergence check against confirmed[N-1].
	a.mu.Lock()
	prevConfirmed, havePrev := a.confirmed[ev.Block-1]
	a.mu.Unlock()

	if havePrev && ev.Prev != prevConfirmed.Hash {
		a.bus.Emit(events.KindForkDetected, ForkDetected{
			Block: ev.Block, CanonicalHash: ev.Hash, ForkHash: ev.Prev, NodeID: ev.NodeID,
		})
		if a.replay == nil {
			a.bus.Emit(events.KindForkRecoveryFailed, ForkDetected{Block: ev.Block, CanonicalHash: ev.Hash, ForkHash: ev.Prev, NodeID: ev.NodeID})
			return fmt.Errorf("divergence detected at block %d with no replay engine configured", ev.Block)
		}
		if err := a.replay.Recover(ctx, ev.Block-1, ev.Block, ev.ForkHash, ev.Hash); err != nil {
			a.bus.Emit(events.KindForkRecoveryFailed, ForkDetected{Block: ev.Block, CanonicalHash: ev.Hash, ForkHash: ev.Prev, NodeID: ev.NodeID})
			return fmt.Errorf("recovery for block %d failed: %w", ev.Block, err)
		}
	}

	// Step 3: set confirmed[N], refusing to silently overwrite a conflict
	// (see DESIGN.md Open Question decisions).
	a.mu.Lock()
	existing, ok := a.confirmed[ev.Block]
	if ok {
		if existing.Hash == ev.Hash {
			a.mu.Unlock()
			return nil
		}
		a.mu.Unlock()
		a.bus.Emit(events.KindCheckpointConflict, CheckpointConflict{
			Block: ev.Block, Existing: existing.Hash, Incoming: ev.Hash, NodeID: ev.NodeID,
		})
		return fmt.Errorf("checkpoint conflict at block %d: existing=%s incoming=%s", ev.Block, existing.Hash, ev.Hash)
	}
	cp := Checkpoint{Block: ev.Block, Hash: ev.Hash, Prev: ev.Prev, NodeID: ev.NodeID, Timestamp: ev.Timestamp}
	a.confirmed[ev.Block] = cp
	a.recordLast(cp)
	a.mu.Unlock()

	// Step 4: prune losing forks. The forks competing for this checkpoint
	// are buffered under block N-1 (boundary validation requires the last
	// op's block to be checkpointBlock-1), with ev.Prev naming the winner.
	a.registry.CleanupForBlock(ev.Block-1, ev.Prev)

	// Step 5: announce confirmation.
	a.bus.Emit(events.KindCheckpointConfirmed, CheckpointConfirmed{Block: ev.Block, Hash: ev.Hash})
	return nil
}

// SetConfirmedAfterRecovery installs confirmed[target] and erases every
// confirmed[K] for K>target. It is called by the Block Replay Engine once
// recovery completes successfully.
func (a *Arbiter) SetConfirmedAfterRecovery(target uint64, hash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k := range a.confirmed {
		if k > target {
			delete(a.confirmed, k)
		}
	}
	cp := Checkpoint{Block: target, Hash: hash, Timestamp: time.Now()}
	a.confirmed[target] = cp
	a.recordLast(cp)
}
