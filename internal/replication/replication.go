// Package replication implements the Replication Queue: a lane-sharded,
// retrying worker pool that delivers transformed operation batches to the
// graph store in fork-scoped order and processes checkpoint boundaries.
//
// Each (token, fork-hash) pair gets its own buffered channel drained by one
// dedicated worker goroutine, so ordering is guaranteed within a lane while
// different lanes proceed fully concurrently.
package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"forkwatch/internal/events"
	"forkwatch/internal/graphstore"
	"forkwatch/internal/snapshot"
	"forkwatch/pkg/retry"
)

// Config bounds the Replication Queue.
type Config struct {
	WorkersPerToken int
	WriteRetries    int
	RetryBackoff    time.Duration
	QueueDepth      int
}

// DefaultConfig returns conservative production defaults.
func DefaultConfig() Config {
	return Config{
		WorkersPerToken: 1,
		WriteRetries:    5,
		RetryBackoff:    200 * time.Millisecond,
		QueueDepth:      1_000,
	}
}

// Item is a unit of work enqueued onto a (token, fork-hash) lane. Exactly one
// of Op or the checkpoint fields is meaningful, selected by IsCheckpoint.
type Item struct {
	Token    string
	ForkHash string

	IsCheckpoint bool

	Op graphstore.Operation

	CheckpointBlock uint64
	CheckpointHash  string
}

// DeadLetterItem records an item that exhausted its write retries.
type DeadLetterItem struct {
	Item   Item
	Reason string
	At     time.Time
}

// ReplicationFailed is the payload of events.KindReplicationFailed.
type ReplicationFailed struct {
	Token    string
	ForkHash string
	Reason   string
}

type laneKey struct {
	token    string
	forkHash string
}

func (k laneKey) String() string { return k.token + "/" + k.forkHash }

type lane struct {
	key   laneKey
	items chan Item
}

// Queue is the Replication Queue: one ordered lane per (token, fork-hash),
// each drained by its own worker goroutine so per-lane order is preserved
// while different lanes proceed concurrently.
type Queue struct {
	cfg   Config
	log   *logrus.Logger
	bus   *events.Bus
	store graphstore.Store
	tr    graphstore.Transformer
	snap  snapshot.Capability

	mu    sync.Mutex
	lanes map[laneKey]*lane

	deadMu     sync.Mutex
	deadLetter []DeadLetterItem

	wg      sync.WaitGroup
	closing chan struct{}

	metrics *metrics
}

type metrics struct {
	queueDepth *prometheus.GaugeVec
	retries    *prometheus.CounterVec
	deadLetter *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forkwatch_replication_queue_depth",
			Help: "Current number of buffered items per replication lane.",
		}, []string{"lane"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forkwatch_replication_retry_total",
			Help: "Total graph-store write retries attempted per lane.",
		}, []string{"lane"}),
		deadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forkwatch_replication_dead_letter_total",
			Help: "Total items dead-lettered after exhausting write retries.",
		}, []string{"lane"}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.retries, m.deadLetter)
	}
	return m
}

// New creates a Replication Queue. reg may be nil, in which case metrics are
// registered against prometheus.DefaultRegisterer.
func New(cfg Config, store graphstore.Store, tr graphstore.Transformer, snap snapshot.Capability, bus *events.Bus, log *logrus.Logger, reg prometheus.Registerer) *Queue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if tr == nil {
		tr = graphstore.IdentityTransformer{}
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Queue{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   store,
		tr:      tr,
		snap:    snap,
		lanes:   make(map[laneKey]*lane),
		closing: make(chan struct{}),
		metrics: newMetrics(reg),
	}
}

// Enqueue adds a mutation-producing operation to the (token, forkHash) lane.
func (q *Queue) Enqueue(token, forkHash string, op graphstore.Operation) error {
	return q.push(token, forkHash, Item{Token: token, ForkHash: forkHash, Op: op})
}

// Checkpoint marks an ordering boundary on the (token, forkHash) lane; the
// worker processes it once every earlier item on that lane has been
// delivered, invoking snapshot creation if configured.
func (q *Queue) Checkpoint(token, forkHash string, block uint64, hash string) error {
	return q.push(token, forkHash, Item{
		Token: token, ForkHash: forkHash, IsCheckpoint: true,
		CheckpointBlock: block, CheckpointHash: hash,
	})
}

func (q *Queue) push(token, forkHash string, item Item) error {
	l := q.laneFor(token, forkHash)
	select {
	case <-q.closing:
		return fmt.Errorf("replication queue closed")
	case l.items <- item:
		q.metrics.queueDepth.WithLabelValues(l.key.String()).Set(float64(len(l.items)))
		return nil
	}
}

func (q *Queue) laneFor(token, forkHash string) *lane {
	key := laneKey{token: token, forkHash: forkHash}
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	if ok {
		return l
	}
	l = &lane{key: key, items: make(chan Item, q.cfg.QueueDepth)}
	q.lanes[key] = l
	q.wg.Add(1)
	go q.runLane(l)
	return l
}

// Close stops accepting new items and waits for every lane worker to drain
// its buffered items before returning.
func (q *Queue) Close() {
	select {
	case <-q.closing:
		return
	default:
		close(q.closing)
	}
	q.mu.Lock()
	for _, l := range q.lanes {
		close(l.items)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// DeadLetter returns a copy of every item dead-lettered so far, for the
// operator status surface.
func (q *Queue) DeadLetter() []DeadLetterItem {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	return append([]DeadLetterItem(nil), q.deadLetter...)
}

func (q *Queue) runLane(l *lane) {
	defer q.wg.Done()
	ctx := context.Background()
	for item := range l.items {
		q.metrics.queueDepth.WithLabelValues(l.key.String()).Set(float64(len(l.items)))
		if item.IsCheckpoint {
			q.processCheckpoint(ctx, l, item)
			continue
		}
		q.processOp(ctx, l, item)
	}
}

func (q *Queue) processOp(ctx context.Context, l *lane, item Item) {
	wctx := graphstore.WriteContext{Block: item.Op.Block}
	policy := retry.Exponential(q.cfg.WriteRetries, q.cfg.RetryBackoff)

	attempts := 0
	err := retry.Do(ctx, policy, func(attempt int) error {
		attempts = attempt
		muts, terr := q.tr.Transform(ctx, []graphstore.Operation{item.Op}, wctx)
		if terr != nil {
			return terr
		}
		return q.store.WriteBatch(ctx, muts, wctx)
	})

	if attempts > 1 {
		q.metrics.retries.WithLabelValues(l.key.String()).Add(float64(attempts - 1))
	}

	if err != nil {
		q.metrics.deadLetter.WithLabelValues(l.key.String()).Inc()
		q.deadMu.Lock()
		q.deadLetter = append(q.deadLetter, DeadLetterItem{Item: item, Reason: err.Error(), At: time.Now()})
		q.deadMu.Unlock()
		q.log.WithFields(logrus.Fields{
			"token": item.Token, "fork": item.ForkHash, "path": item.Op.Path, "error": err,
		}).Error("replication write exhausted retries, dead-lettering")
		q.bus.Emit(events.KindReplicationFailed, ReplicationFailed{Token: item.Token, ForkHash: item.ForkHash, Reason: err.Error()})
	}
}

func (q *Queue) processCheckpoint(ctx context.Context, l *lane, item Item) {
	if q.snap == nil {
		return
	}
	if _, err := q.snap.CreateCheckpoint(ctx, item.CheckpointBlock, item.CheckpointHash); err != nil {
		q.log.WithFields(logrus.Fields{
			"token": item.Token, "fork": item.ForkHash, "block": item.CheckpointBlock, "error": err,
		}).Error("snapshot create failed at checkpoint boundary")
		q.bus.Emit(events.KindReplicationFailed, ReplicationFailed{Token: item.Token, ForkHash: item.ForkHash, Reason: "snapshot-create-failed"})
	}
}
