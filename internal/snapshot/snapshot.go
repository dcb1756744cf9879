// Package snapshot describes the out-of-core snapshot/rollback capability:
// create/rollback/list by block number, backed in production by
// out-of-process commands (filesystem snapshots, container restarts). The
// core only ever talks to the Capability interface; this package also
// provides a filesystem-backed test double so the engine can be exercised
// without privileged commands, built on the internal/testutil sandbox
// pattern for isolated scratch directories.
package snapshot

import (
	"context"
	"fmt"
)

// Ref identifies a created snapshot.
type Ref struct {
	Block uint64
	Hash  string
}

// Capability is the contract the Block Replay Engine and Replication Queue
// depend on. CloneCheckpoint is used by surrounding non-core code only and
// is intentionally omitted from the core's dependency.
type Capability interface {
	CreateCheckpoint(ctx context.Context, block uint64, hash string) (Ref, error)
	RollbackToCheckpoint(ctx context.Context, block uint64) error
	List(ctx context.Context) ([]Ref, error)
}

// ErrRollbackFailed marks a rollback that could not complete; the Block
// Replay Engine treats this as fatal to the recovery run.
type ErrRollbackFailed struct {
	Block uint64
	Cause error
}

func (e *ErrRollbackFailed) Error() string {
	return fmt.Sprintf("rollback to block %d failed: %v", e.Block, e.Cause)
}

func (e *ErrRollbackFailed) Unwrap() error { return e.Cause }
