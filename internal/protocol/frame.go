package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameKind enumerates the inbound frame kinds a publisher connection speaks.
type FrameKind string

const (
	FrameIdentify    FrameKind = "identify"
	FrameSyncStatus  FrameKind = "sync_status"
	FramePut         FrameKind = "put"
	FrameDelete      FrameKind = "del"
	FrameWriteMarker FrameKind = "write_marker"
	FrameBatch       FrameKind = "batch"
	FrameCheckpoint  FrameKind = "checkpoint"
	FrameUnknown     FrameKind = "unknown"
)

// sentinelWriteMarker is the bare JSON string accepted in place of a
// {"kind":"write_marker"} object.
const sentinelWriteMarker = `"W"`

// inFrame is the wire shape of an inbound frame. All fields are optional;
// decodeFrame fills in defaults for whatever is missing.
type inFrame struct {
	Kind       string          `json:"kind,omitempty"`
	Source     string          `json:"source,omitempty"`
	Version    string          `json:"version,omitempty"`
	Token      string          `json:"token,omitempty"`
	Prefix     string          `json:"prefix,omitempty"`
	LastIndex  *uint64         `json:"lastIndex,omitempty"`
	Index      *uint64         `json:"index,omitempty"`
	BlockNum   *uint64         `json:"blockNum,omitempty"`
	ForkHash   string          `json:"forkHash,omitempty"`
	Path       string          `json:"path,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  *time.Time      `json:"timestamp,omitempty"`
	Operations []inFrame       `json:"operations,omitempty"`
	Hash       string          `json:"hash,omitempty"`
	PrevHash   string          `json:"prevHash,omitempty"`
}

// decodeFrame parses a single inbound message. It accepts the bare sentinel
// string "W" as a write-marker shorthand alongside the structured object
// form.
func decodeFrame(raw []byte) (inFrame, error) {
	if string(trimSpace(raw)) == sentinelWriteMarker {
		return inFrame{Kind: string(FrameWriteMarker)}, nil
	}
	var f inFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return inFrame{}, fmt.Errorf("bad-frame: %w", err)
	}
	return f, nil
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// detectKind applies the operation-detection and normalization rules to a
// decoded frame whose Kind may be empty, a control kind, or one of the
// recognized operation aliases.
func detectKind(f inFrame) FrameKind {
	switch FrameKind(f.Kind) {
	case FrameIdentify, FrameSyncStatus, FrameBatch, FrameCheckpoint, FrameWriteMarker:
		return FrameKind(f.Kind)
	case FramePut, FrameDelete:
		return FrameKind(f.Kind)
	case "op", "operation":
		return FramePut
	}
	if (f.Index != nil || f.BlockNum != nil) && (f.Path != "" || f.Kind != "") {
		return FramePut
	}
	return FrameUnknown
}

// normalizedOp fills in the default for a missing field on an
// operation/write-marker frame.
type normalizedOp struct {
	ForkHash  string
	Index     uint64
	Kind      FrameKind
	Block     uint64
	Path      string
	Payload   json.RawMessage
	Timestamp time.Time
}

func normalize(f inFrame, kind FrameKind) normalizedOp {
	op := normalizedOp{
		ForkHash:  f.ForkHash,
		Kind:      kind,
		Path:      f.Path,
		Payload:   f.Data,
		Timestamp: time.Now(),
	}
	if op.ForkHash == "" {
		op.ForkHash = "pending"
	}
	if op.Kind == "" {
		op.Kind = FramePut
	}
	if f.Index != nil {
		op.Index = *f.Index
	}
	if f.BlockNum != nil {
		op.Block = *f.BlockNum
	}
	if f.Timestamp != nil {
		op.Timestamp = *f.Timestamp
	}
	return op
}

// Outbound frame constructors.

type outFrame map[string]interface{}

func connectedFrame(nodeID string, ts time.Time) outFrame {
	return outFrame{"type": "connected", "nodeId": nodeID, "timestamp": ts}
}

func ackFrame(index uint64, success bool, errMsg string) outFrame {
	f := outFrame{"type": "ack", "index": index, "success": success}
	if errMsg != "" {
		f["error"] = errMsg
	}
	return f
}

func syncStatusFrame(lastIndex uint64, status string) outFrame {
	return outFrame{"type": "sync_status", "lastIndex": lastIndex, "status": status}
}

func requestMissingFrame(from, to uint64) outFrame {
	return outFrame{"type": "request_missing", "from": from, "to": to}
}

func errorFrame(message string) outFrame {
	return outFrame{"type": "error", "error": message}
}

// derivePrefix implements the token-to-network-prefix rule.
func derivePrefix(token string) string {
	switch token {
	case "SPK", "LARYNX", "BROCA":
		return "spkcc_"
	default:
		return "dlux_"
	}
}
