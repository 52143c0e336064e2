// Package readroute owns the per-table "where to read" directive consulted
// by the read path. It is a first-class in-memory map, written only by the
// owning replica and read concurrently by the read path, so a lookup never
// pays query latency.
package readroute

import (
	"sync"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
)

// Direction is where reads for a table should currently be served from.
type Direction int

const (
	// Remote routes reads to the upstream core node. This is the
	// direction during {disconnected, bootstrap, local_replay}.
	Remote Direction = iota
	// Local routes reads to this node's own table store. This is the
	// direction only once a shard's replica reaches state normal.
	Local
)

func (d Direction) String() string {
	if d == Local {
		return "local"
	}
	return "remote"
}

type key struct {
	shard rlogtypes.Shard
	table string
}

// Table is the read-direction directory for every (shard, table) pair this
// node knows about. The zero value is ready to use.
type Table struct {
	mu  sync.RWMutex
	dir map[key]Direction
}

// NewTable creates an empty directive table.
func NewTable() *Table {
	return &Table{dir: make(map[key]Direction)}
}

// SetShard atomically points every table belonging to shard at dir. This is
// the only mutation entry point, and is meant to be called exactly once per
// replica state transition that changes read admission, never from more
// than one goroutine concurrently for a given shard.
func (t *Table) SetShard(shard rlogtypes.Shard, tables []string, dir Direction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dir == nil {
		t.dir = make(map[key]Direction)
	}
	for _, tbl := range tables {
		t.dir[key{shard, tbl}] = dir
	}
}

// Get returns the current read direction for (shard, table). Unknown pairs
// default to Remote, the safe choice before a shard has ever subscribed.
func (t *Table) Get(shard rlogtypes.Shard, table string) Direction {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.dir[key{shard, table}]
	if !ok {
		return Remote
	}
	return d
}
