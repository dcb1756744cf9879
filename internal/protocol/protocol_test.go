package protocol

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"forkwatch/internal/arbiter"
	"forkwatch/internal/events"
	"forkwatch/internal/forkregistry"
	"forkwatch/internal/graphstore"
)

type fakeRegistry struct {
	mu         sync.Mutex
	appended   []forkregistry.Operation
	active     map[string]string
	appendErr  error
}

func (f *fakeRegistry) Append(op forkregistry.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.appended = append(f.appended, op)
	return nil
}

func (f *fakeRegistry) ActiveFork(nodeID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.active[nodeID]
	return h, ok
}

type fakeArbiter struct {
	mu      sync.Mutex
	handled []arbiter.CheckpointEvent
	err     error
}

func (f *fakeArbiter) HandleCheckpoint(_ context.Context, ev arbiter.CheckpointEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, ev)
	return f.err
}

type fakeQueue struct {
	mu          sync.Mutex
	enqueued    []graphstore.Operation
	checkpoints int
}

func (f *fakeQueue) Enqueue(token, forkHash string, op graphstore.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, op)
	return nil
}

func (f *fakeQueue) Checkpoint(token, forkHash string, block uint64, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints++
	return nil
}

func testServer(t *testing.T, reg *fakeRegistry, arb *fakeArbiter, q *fakeQueue) (*Adapter, string) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.IdleTimeout = 2 * time.Second
	cfg.PingInterval = time.Second
	a := New(cfg, reg, arb, q, events.NewBus(), nil)
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return a, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestIdentifyEmitsNetworkIdentifiedAndAck(t *testing.T) {
	reg := &fakeRegistry{active: map[string]string{}}
	a, url := testServer(t, reg, &fakeArbiter{}, &fakeQueue{})

	ch, unsub := a.bus.Subscribe(events.KindNetworkIdentified)
	defer unsub()

	conn := dial(t, url)
	if err := conn.WriteJSON(map[string]interface{}{"kind": "identify", "source": "nodeA", "version": "1", "token": "SPK"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp map[string]interface{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp["type"] != "connected" {
		t.Fatalf("expected connected frame, got %+v", resp)
	}

	select {
	case ev := <-ch:
		ni := ev.Payload.(NetworkIdentified)
		if ni.Token != "SPK" || ni.Prefix != "spkcc_" {
			t.Fatalf("unexpected identified event: %+v", ni)
		}
	case <-time.After(time.Second):
		t.Fatal("expected network-identified event")
	}
}

func TestOperationAppendsAndAcksAndEnqueues(t *testing.T) {
	reg := &fakeRegistry{active: map[string]string{}}
	q := &fakeQueue{}
	_, url := testServer(t, reg, &fakeArbiter{}, q)

	conn := dial(t, url)
	mustIdentify(t, conn)

	if err := conn.WriteJSON(map[string]interface{}{"kind": "put", "index": 1, "blockNum": 10, "forkHash": "A", "path": "/x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack map[string]interface{}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ack["type"] != "ack" || ack["success"] != true {
		t.Fatalf("expected successful ack, got %+v", ack)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		reg.mu.Lock()
		n := len(reg.appended)
		reg.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.appended) != 1 || reg.appended[0].ForkHash != "A" || reg.appended[0].Block != 10 {
		t.Fatalf("expected op appended to registry, got %+v", reg.appended)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.enqueued) != 1 {
		t.Fatalf("expected op enqueued to replication queue, got %+v", q.enqueued)
	}
}

func TestSentinelWriteMarkerDetected(t *testing.T) {
	reg := &fakeRegistry{active: map[string]string{}}
	_, url := testServer(t, reg, &fakeArbiter{}, &fakeQueue{})

	conn := dial(t, url)
	mustIdentify(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`"W"`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack map[string]interface{}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		reg.mu.Lock()
		n := len(reg.appended)
		reg.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.appended) != 1 || reg.appended[0].Kind != forkregistry.KindWriteMarker {
		t.Fatalf("expected write-marker op, got %+v", reg.appended)
	}
}

func TestCheckpointForwardedToArbiter(t *testing.T) {
	reg := &fakeRegistry{active: map[string]string{}}
	arb := &fakeArbiter{}
	_, url := testServer(t, reg, arb, &fakeQueue{})

	conn := dial(t, url)
	mustIdentify(t, conn)

	if err := conn.WriteJSON(map[string]interface{}{"kind": "checkpoint", "blockNum": 100, "hash": "H", "prevHash": "P"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack map[string]interface{}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ack["type"] != "ack" || ack["success"] != true {
		t.Fatalf("expected successful ack, got %+v", ack)
	}

	arb.mu.Lock()
	defer arb.mu.Unlock()
	if len(arb.handled) != 1 || arb.handled[0].Block != 100 || arb.handled[0].Hash != "H" {
		t.Fatalf("expected checkpoint forwarded to arbiter, got %+v", arb.handled)
	}
}

func TestBadFrameKeepsConnectionOpen(t *testing.T) {
	reg := &fakeRegistry{active: map[string]string{}}
	_, url := testServer(t, reg, &fakeArbiter{}, &fakeQueue{})

	conn := dial(t, url)
	mustIdentify(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{not-json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp map[string]interface{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp["type"] != "error" {
		t.Fatalf("expected error frame, got %+v", resp)
	}

	// connection must still be usable afterward
	if err := conn.WriteJSON(map[string]interface{}{"kind": "sync_status", "lastIndex": 0}); err != nil {
		t.Fatalf("write after bad frame: %v", err)
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("expected response after bad frame, connection must stay open: %v", err)
	}
}

func TestErrorBudgetExhaustionClosesConnection(t *testing.T) {
	reg := &fakeRegistry{active: map[string]string{}}
	cfg := DefaultConfig()
	cfg.MaxErrorBudget = 2
	a := New(cfg, reg, &fakeArbiter{}, &fakeQueue{}, events.NewBus(), nil)
	srv := httptest.NewServer(a)
	t.Cleanup(srv.Close)
	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	mustIdentify(t, conn)

	var resp map[string]interface{}
	for i := 0; i < cfg.MaxErrorBudget; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{not-json`)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		if err := conn.ReadJSON(&resp); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if resp["type"] != "error" {
			t.Fatalf("expected error frame, got %+v", resp)
		}
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed once the error budget is exhausted")
	}
}

func TestUnidentifiedFrameClosesConnection(t *testing.T) {
	reg := &fakeRegistry{active: map[string]string{}}
	_, url := testServer(t, reg, &fakeArbiter{}, &fakeQueue{})

	conn := dial(t, url)
	if err := conn.WriteJSON(map[string]interface{}{"kind": "sync_status", "lastIndex": 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var resp map[string]interface{}
	_ = conn.ReadJSON(&resp)
	if resp["type"] != "error" {
		t.Fatalf("expected error frame before close, got %+v", resp)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after unknown-connection error")
	}
}

func mustIdentify(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteJSON(map[string]interface{}{"kind": "identify", "source": "n", "version": "1", "token": "TOK"}); err != nil {
		t.Fatalf("identify write: %v", err)
	}
	var resp map[string]interface{}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("identify read: %v", err)
	}
}
