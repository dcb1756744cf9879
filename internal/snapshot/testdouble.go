package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"forkwatch/internal/testutil"
)

// FileCapability is a filesystem-backed Capability test double: each
// checkpoint is a small JSON marker file under a sandbox directory. It lets
// the engine be exercised end to end without the privileged out-of-process
// commands a production snapshot capability would issue.
type FileCapability struct {
	mu      sync.Mutex
	sandbox *testutil.Sandbox
	current uint64

	// RollbackErr, when set, makes the next RollbackToCheckpoint call fail;
	// used to exercise the rollback-failed fatal path.
	RollbackErr error
}

// NewFileCapability creates a FileCapability rooted at a fresh sandbox
// directory. Callers should Close() it when done to remove the directory.
func NewFileCapability() (*FileCapability, error) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		return nil, err
	}
	return &FileCapability{sandbox: sb}, nil
}

// Close removes the sandbox directory.
func (f *FileCapability) Close() error {
	return f.sandbox.Cleanup()
}

func markerName(block uint64) string {
	return fmt.Sprintf("checkpoint-%020d.json", block)
}

func (f *FileCapability) CreateCheckpoint(_ context.Context, block uint64, hash string) (Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ref := Ref{Block: block, Hash: hash}
	data, err := json.Marshal(ref)
	if err != nil {
		return Ref{}, err
	}
	if err := f.sandbox.WriteFile(markerName(block), data, 0o600); err != nil {
		return Ref{}, err
	}
	if block > f.current {
		f.current = block
	}
	return ref, nil
}

func (f *FileCapability) RollbackToCheckpoint(_ context.Context, block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RollbackErr != nil {
		err := f.RollbackErr
		f.RollbackErr = nil
		return &ErrRollbackFailed{Block: block, Cause: err}
	}

	entries, err := os.ReadDir(f.sandbox.Root)
	if err != nil {
		return &ErrRollbackFailed{Block: block, Cause: err}
	}
	for _, e := range entries {
		var ref Ref
		data, err := f.sandbox.ReadFile(e.Name())
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, &ref); err != nil {
			continue
		}
		if ref.Block > block {
			if err := os.Remove(filepath.Join(f.sandbox.Root, e.Name())); err != nil {
				return &ErrRollbackFailed{Block: block, Cause: err}
			}
		}
	}
	f.current = block
	return nil
}

func (f *FileCapability) List(_ context.Context) ([]Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.sandbox.Root)
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(entries))
	for _, e := range entries {
		data, err := f.sandbox.ReadFile(e.Name())
		if err != nil {
			continue
		}
		var ref Ref
		if err := json.Unmarshal(data, &ref); err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Block < refs[j].Block })
	return refs, nil
}

var _ Capability = (*FileCapability)(nil)
