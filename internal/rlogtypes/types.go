// Package rlogtypes defines the wire-level and in-memory data model shared
// by the upstream client, bootstrap client, applier, and replica state
// machine: shards, checkpoints, agent handles, and transaction batches.
package rlogtypes

import (
	"encoding/json"

	"github.com/jfoltran/rlogreplicant/pkg/seqno"
)

// Shard identifies the unit of replication by an opaque name.
type Shard string

// Checkpoint is an opaque token produced by the upstream core that marks a
// point in its log from which incremental resumption is valid. The zero
// value represents "no checkpoint yet" (initial attach).
type Checkpoint []byte

// IsZero reports whether no checkpoint has been recorded.
func (c Checkpoint) IsZero() bool { return len(c) == 0 }

// AgentHandle is an opaque reference to the upstream streaming peer that
// pushes transaction batches to this follower. Equality of AgentHandle
// values is used to detect stale batches from a prior subscription.
type AgentHandle string

// TableSpec describes one table learned from the upstream at subscribe
// time. Schema is an opaque descriptor forwarded to the post-connect
// schema-convergence hook; the replica never interprets it.
type TableSpec struct {
	Name   string            `json:"name"`
	Schema map[string]string `json:"schema,omitempty"`
}

// TxKind distinguishes a dirty (untracked) apply from a transactional one
// that must be committed atomically and acknowledged as a unit.
type TxKind int

const (
	// TxDirty batches are applied outside of any transaction boundary.
	TxDirty TxKind = iota
	// TxTransactional batches must be applied atomically; the commit runs
	// in its own goroutine, but the actor waits for it and handles no other
	// event (agent death included) until Apply returns.
	TxTransactional
)

func (k TxKind) String() string {
	if k == TxTransactional {
		return "transactional"
	}
	return "dirty"
}

// OpKind is the kind of table mutation carried by an Op.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Op is a single table operation inside a transaction batch.
type Op struct {
	Kind    OpKind            `json:"kind"`
	Table   string            `json:"table"`
	Key     map[string]any    `json:"key,omitempty"`
	Columns map[string]any    `json:"columns,omitempty"`
}

// Batch is the tuple (agent_handle, seqno, tx_kind, ops) delivered by the
// upstream.
type Batch struct {
	Agent   AgentHandle  `json:"agent"`
	SeqNo   seqno.SeqNo  `json:"seqno"`
	TxID    string       `json:"tx_id,omitempty"`
	Kind    TxKind       `json:"kind"`
	Ops     []Op         `json:"ops"`
}

// Marshal/Unmarshal let a Batch cross the spill-queue disk boundary and the
// upstream wire protocol using the same encoding.
func (b Batch) Marshal() ([]byte, error)    { return json.Marshal(b) }
func UnmarshalBatch(data []byte) (Batch, error) {
	var b Batch
	err := json.Unmarshal(data, &b)
	return b, err
}
