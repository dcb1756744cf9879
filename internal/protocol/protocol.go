// Package protocol implements the Protocol Adapter: terminates one
// publisher's websocket stream, maintains per-connection state, decodes and
// normalizes inbound frames, and routes them into the Fork Registry,
// Checkpoint Arbiter and Replication Queue.
//
// Each connection runs its own read loop goroutine plus an idle-watcher
// goroutine that pings and evicts on inactivity.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"forkwatch/internal/arbiter"
	"forkwatch/internal/events"
	"forkwatch/internal/forkregistry"
	"forkwatch/internal/graphstore"
	"forkwatch/internal/replication"
	"forkwatch/pkg/utils"
)

// Config bounds the Protocol Adapter's connection lifecycle.
type Config struct {
	IdleTimeout    time.Duration
	PingInterval   time.Duration
	MaxBatch       uint64
	MaxErrorBudget int
}

// DefaultConfig returns a 60s idle timeout with a 30s ping probe, a
// reasonable request_missing batch bound, and a 20-strike error budget.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxBatch:       500,
		MaxErrorBudget: 20,
	}
}

// registryAppender and checkpointHandler are the narrow dependency
// interfaces the Adapter needs from the Fork Registry and Arbiter, so tests
// can fake either independently.
type registryAppender interface {
	Append(op forkregistry.Operation) error
	ActiveFork(nodeID string) (string, bool)
}

type checkpointHandler interface {
	HandleCheckpoint(ctx context.Context, ev arbiter.CheckpointEvent) error
}

type enqueuer interface {
	Enqueue(token, forkHash string, op graphstore.Operation) error
	Checkpoint(token, forkHash string, block uint64, hash string) error
}

// Connection is the per-publisher state the Adapter tracks.
type Connection struct {
	ID         string
	RemoteAddr string
	Source     string
	Version    string
	Token      string
	Prefix     string
	Identified bool
	LastIndex  uint64
	AcceptedAt time.Time

	ws *websocket.Conn

	mu           sync.Mutex
	writeMu      sync.Mutex
	lastActivity time.Time
	errorBudget  int
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

func (c *Connection) send(f outFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

// strike increments the connection's error budget and reports whether it has
// been exhausted.
func (c *Connection) strike(max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorBudget++
	return c.errorBudget >= max
}

// Adapter is the Protocol Adapter. One Adapter serves every accepted
// connection for a process.
type Adapter struct {
	cfg      Config
	log      *logrus.Logger
	bus      *events.Bus
	registry registryAppender
	arb      checkpointHandler
	queue    enqueuer

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Connection

	serverIndexMu sync.Mutex
	serverIndex   map[string]uint64 // token -> last committed index
}

// NetworkIdentified is the payload of events.KindNetworkIdentified.
type NetworkIdentified struct {
	NodeID  string
	Source  string
	Token   string
	Prefix  string
	Version string
}

// New creates a Protocol Adapter wired to registry, arb and queue. queue may
// be nil if the deployment only needs fork-registry buffering without a
// downstream replication path (e.g. in isolated tests).
func New(cfg Config, registry registryAppender, arb checkpointHandler, queue enqueuer, bus *events.Bus, log *logrus.Logger) *Adapter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Adapter{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		registry:    registry,
		arb:         arb,
		queue:       queue,
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		conns:       make(map[string]*Connection),
		serverIndex: make(map[string]uint64),
	}
}

// ServeHTTP upgrades an inbound HTTP request to a websocket connection and
// runs its per-connection loop until the connection closes.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	a.Serve(r.Context(), ws, r.RemoteAddr)
}

// Serve runs the read loop for an already-established websocket connection.
// The connection ID is derived from the remote address and accept
// timestamp. It blocks until the connection closes.
func (a *Adapter) Serve(ctx context.Context, ws *websocket.Conn, remoteAddr string) {
	now := time.Now()
	conn := &Connection{
		ID:           uuid.NewSHA1(uuid.NameSpaceOID, []byte(remoteAddr+now.String())).String(),
		RemoteAddr:   remoteAddr,
		AcceptedAt:   now,
		lastActivity: now,
		ws:           ws,
	}

	a.mu.Lock()
	a.conns[conn.ID] = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.conns, conn.ID)
		a.mu.Unlock()
		ws.Close()
	}()

	idleCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.watchIdle(idleCtx, conn)

	ws.SetPongHandler(func(string) error { conn.touch(); return nil })

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		conn.touch()
		a.handleFrame(ctx, conn, raw)
	}
}

func (a *Adapter) watchIdle(ctx context.Context, conn *Connection) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	pinged := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := conn.idleSince()
			if idle >= a.cfg.IdleTimeout {
				conn.ws.Close()
				return
			}
			if idle >= a.cfg.PingInterval && !pinged {
				conn.writeMu.Lock()
				conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				conn.writeMu.Unlock()
				pinged = true
			}
			if idle < a.cfg.PingInterval {
				pinged = false
			}
		}
	}
}

// recordError classifies a transport or protocol failure, logs it with that
// classification, sends an error frame, and counts it against the
// connection's error budget. The connection stays open until the budget is
// exhausted, at which point it is closed.
func (a *Adapter) recordError(conn *Connection, kind utils.Kind, message string, cause error) {
	if cause == nil {
		cause = errors.New(message)
	} else {
		cause = fmt.Errorf("%s: %w", message, cause)
	}
	kerr := utils.NewKindError(kind, cause)
	k, _ := utils.KindOf(kerr)
	a.log.WithFields(logrus.Fields{"conn": conn.ID, "kind": k.String()}).Warn(kerr.Error())
	conn.send(errorFrame(message))
	if conn.strike(a.cfg.MaxErrorBudget) {
		a.log.WithField("conn", conn.ID).Warn("error budget exhausted, closing connection")
		conn.ws.Close()
	}
}

func (a *Adapter) handleFrame(ctx context.Context, conn *Connection, raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		a.recordError(conn, utils.KindTransport, "bad-frame", err)
		return
	}

	kind := detectKind(f)

	conn.mu.Lock()
	identified := conn.Identified
	conn.mu.Unlock()

	if !identified && kind != FrameIdentify {
		a.recordError(conn, utils.KindProtocol, "unknown-connection", nil)
		conn.ws.Close()
		return
	}

	switch kind {
	case FrameIdentify:
		a.handleIdentify(conn, f)
	case FrameSyncStatus:
		a.handleSyncStatus(conn, f)
	case FramePut, FrameDelete, FrameWriteMarker:
		a.handleOperation(conn, f, kind)
	case FrameBatch:
		for _, sub := range f.Operations {
			subKind := detectKind(sub)
			switch subKind {
			case FrameWriteMarker, FramePut, FrameDelete:
				a.handleOperation(conn, sub, subKind)
			default:
				a.recordError(conn, utils.KindProtocol, "unknown frame kind inside batch", nil)
			}
		}
	case FrameCheckpoint:
		a.handleCheckpoint(ctx, conn, f)
	default:
		a.recordError(conn, utils.KindProtocol, "unknown frame kind", nil)
	}
}

func (a *Adapter) handleIdentify(conn *Connection, f inFrame) {
	prefix := f.Prefix
	if prefix == "" {
		prefix = derivePrefix(f.Token)
	}

	conn.mu.Lock()
	conn.Source = f.Source
	conn.Version = f.Version
	conn.Token = f.Token
	conn.Prefix = prefix
	conn.Identified = true
	conn.mu.Unlock()

	a.bus.Emit(events.KindNetworkIdentified, NetworkIdentified{
		NodeID: conn.ID, Source: f.Source, Token: f.Token, Prefix: prefix, Version: f.Version,
	})
	conn.send(connectedFrame(conn.ID, time.Now()))
}

func (a *Adapter) handleSyncStatus(conn *Connection, f inFrame) {
	var publisherLast uint64
	if f.LastIndex != nil {
		publisherLast = *f.LastIndex
	}

	conn.mu.Lock()
	conn.LastIndex = publisherLast
	token := conn.Token
	conn.mu.Unlock()

	a.serverIndexMu.Lock()
	serverLast := a.serverIndex[token]
	a.serverIndexMu.Unlock()

	conn.send(syncStatusFrame(serverLast, "ok"))

	if serverLast > publisherLast {
		to := serverLast
		if a.cfg.MaxBatch > 0 && to-publisherLast > a.cfg.MaxBatch {
			to = publisherLast + a.cfg.MaxBatch
		}
		conn.send(requestMissingFrame(publisherLast+1, to))
	}
}

func (a *Adapter) handleOperation(conn *Connection, f inFrame, kind FrameKind) {
	op := normalize(f, kind)

	conn.mu.Lock()
	nodeID, token := conn.ID, conn.Token
	conn.mu.Unlock()

	var opKind forkregistry.OperationKind
	switch kind {
	case FrameWriteMarker:
		opKind = forkregistry.KindWriteMarker
	case FrameDelete:
		opKind = forkregistry.KindDelete
	default:
		opKind = forkregistry.KindPut
	}

	var payload interface{}
	if len(op.Payload) > 0 {
		_ = json.Unmarshal(op.Payload, &payload)
	}

	regOp := forkregistry.Operation{
		ForkHash:  op.ForkHash,
		Index:     op.Index,
		Kind:      opKind,
		Block:     op.Block,
		Path:      op.Path,
		Payload:   payload,
		Timestamp: op.Timestamp,
		NodeID:    nodeID,
		Token:     token,
	}

	err := a.registry.Append(regOp)
	if err != nil {
		conn.send(ackFrame(op.Index, false, err.Error()))
		return
	}
	conn.send(ackFrame(op.Index, true, ""))

	if a.queue != nil {
		gsOp := graphstore.Operation{
			ForkHash: op.ForkHash, Index: op.Index, Kind: string(opKind), Block: op.Block, Path: op.Path, Payload: payload,
		}
		if qerr := a.queue.Enqueue(token, op.ForkHash, gsOp); qerr != nil {
			a.log.WithError(qerr).WithFields(logrus.Fields{"fork": op.ForkHash, "token": token}).Warn("replication enqueue failed")
		}
	}
}

func (a *Adapter) handleCheckpoint(ctx context.Context, conn *Connection, f inFrame) {
	conn.mu.Lock()
	nodeID := conn.ID
	conn.mu.Unlock()

	forkHash, _ := a.registry.ActiveFork(nodeID)

	ts := time.Now()
	if f.Timestamp != nil {
		ts = *f.Timestamp
	}
	var blockNum uint64
	if f.BlockNum != nil {
		blockNum = *f.BlockNum
	}

	ev := arbiter.CheckpointEvent{
		Checkpoint: arbiter.Checkpoint{
			Block: blockNum, Hash: f.Hash, Prev: f.PrevHash, NodeID: nodeID, Timestamp: ts,
		},
		ForkHash: forkHash,
	}

	if err := a.arb.HandleCheckpoint(ctx, ev); err != nil {
		conn.send(ackFrame(0, false, err.Error()))
		return
	}
	conn.send(ackFrame(0, true, ""))

	if a.queue != nil {
		conn.mu.Lock()
		token := conn.Token
		conn.mu.Unlock()
		if qerr := a.queue.Checkpoint(token, forkHash, blockNum, f.Hash); qerr != nil {
			a.log.WithError(qerr).Warn("replication checkpoint enqueue failed")
		}
	}
}

// ConnectionCount returns the number of currently tracked connections, for
// the operator status surface.
func (a *Adapter) ConnectionCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.conns)
}

// _ ensures *replication.Queue satisfies enqueuer without an import cycle.
var _ enqueuer = (*replication.Queue)(nil)
