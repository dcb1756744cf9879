// Package graphstore describes the downstream graph store as a narrow
// external contract: a batch-mutation sink with a query capability. The
// concrete store and the operation-to-graph transformation are explicitly
// out of scope; this package only defines the interface the Replication
// Queue and Block Replay Engine depend on, plus an in-memory test double
// for exercising them without a real store.
package graphstore

import (
	"context"
	"sync"
)

// WriteContext carries the block metadata a write is scoped to.
type WriteContext struct {
	Block   uint64
	Hash    string
	Replay  bool
}

// Mutation is one opaque change to apply to the graph. Its shape is defined
// entirely by the (out of scope) operation-to-graph transformer; the store
// only needs to apply it atomically as part of a batch.
type Mutation struct {
	Path  string
	Value interface{}
	Kind  string // "put", "delete", or transformer-defined
}

// Query is an opaque request understood by the (out of scope) resolver
// layer; the store need only route it.
type Query struct {
	Expression string
	Args       []interface{}
}

// Store is the contract the core depends on. Schema alteration is used
// only by surrounding non-core code and is intentionally not part of this
// interface.
type Store interface {
	WriteBatch(ctx context.Context, mutations []Mutation, wctx WriteContext) error
	Query(ctx context.Context, q Query) (interface{}, error)
}

// InMemory is a test double satisfying Store, recording every batch it
// receives. It is safe for concurrent use.
type InMemory struct {
	mu      sync.Mutex
	batches []recordedBatch
	failNext error
}

// Batch is a single recorded WriteBatch call, kept for test assertions.
type Batch struct {
	Mutations []Mutation
	Context   WriteContext
}

type recordedBatch = Batch

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

// FailNext makes the next WriteBatch call return err instead of succeeding.
// Pass nil to clear a pending failure.
func (s *InMemory) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *InMemory) WriteBatch(ctx context.Context, mutations []Mutation, wctx WriteContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	cp := append([]Mutation(nil), mutations...)
	s.batches = append(s.batches, recordedBatch{Mutations: cp, Context: wctx})
	return nil
}

func (s *InMemory) Query(ctx context.Context, q Query) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mutation, 0)
	for _, b := range s.batches {
		out = append(out, b.Mutations...)
	}
	return out, nil
}

// Batches returns a copy of every batch written so far, for test assertions.
func (s *InMemory) Batches() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Batch(nil), s.batches...)
}

// Transformer turns a batch of raw operations plus block context into the
// mutation batch the Store applies. The real transformation is an
// application-specific pure function out of scope for this core; callers
// inject whichever implementation fits.
type Transformer interface {
	Transform(ctx context.Context, ops []Operation, wctx WriteContext) ([]Mutation, error)
}

// Operation mirrors the ingestion-side operation shape closely enough for
// the transformer boundary; see the forkregistry package for the canonical
// definition used inside the engine.
type Operation struct {
	ForkHash string
	Index    uint64
	Kind     string
	Block    uint64
	Path     string
	Payload  interface{}
}

// IdentityTransformer passes operations straight through as put/delete
// mutations. It is a reasonable default test double; real deployments
// inject their own Transformer.
type IdentityTransformer struct{}

func (IdentityTransformer) Transform(_ context.Context, ops []Operation, _ WriteContext) ([]Mutation, error) {
	out := make([]Mutation, 0, len(ops))
	for _, op := range ops {
		out = append(out, Mutation{Path: op.Path, Value: op.Payload, Kind: op.Kind})
	}
	return out, nil
}
