// Package spillqueue implements the optionally disk-backed FIFO used to
// hold real-time transaction batches while historical data is being
// bootstrapped. Neither backend has a capacity limit: Append never rejects
// or blocks because of queue size. Both backends are implemented directly
// against the standard library — see DESIGN.md for the justification.
package spillqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
)

// Options configures a Queue.
type Options struct {
	MemOnly bool
	Dir     string // base directory for spilled segments, used when !MemOnly
	// Forward is an opaque set of backend tuning knobs, forwarded from
	// config without interpretation at this layer. The disk backend
	// currently recognizes "fsync" ("true" to sync the segment file after
	// every append); unrecognized keys are ignored.
	Forward map[string]string
}

// AckRef identifies one popped item so it can be acknowledged once the
// caller has durably applied it.
type AckRef int64

// Queue is an append-only FIFO of transaction batches.
type Queue interface {
	Append(b rlogtypes.Batch) error
	// Pop returns the next unpopped batch and a ref to Ack once it has
	// been applied. ok is false if the queue is empty.
	Pop() (b rlogtypes.Batch, ref AckRef, ok bool, err error)
	Ack(ref AckRef) error
	Count() int
	IsEmpty() bool
	Close() error
}

// Open creates a fresh queue for shard under opts, choosing the memory-only
// or disk-backed implementation.
func Open(shard rlogtypes.Shard, opts Options, logger zerolog.Logger) (Queue, error) {
	if opts.MemOnly {
		return newMemQueue(), nil
	}
	dir := filepath.Join(opts.Dir, sanitize(string(shard)))
	fsync, _ := strconv.ParseBool(opts.Forward["fsync"])
	return newDiskQueue(dir, fsync, logger)
}

func sanitize(name string) string {
	return filepath.Clean(string(filepath.Separator) + name)[1:]
}

// memQueue is a mutex-guarded in-memory slice FIFO.
type memQueue struct {
	mu      sync.Mutex
	items   []rlogtypes.Batch
	popped  int // index of the next item to pop
	nextRef AckRef
	pending map[AckRef]struct{}
	closed  bool
}

func newMemQueue() *memQueue {
	return &memQueue{pending: make(map[AckRef]struct{})}
}

func (q *memQueue) Append(b rlogtypes.Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("spillqueue: append on closed queue")
	}
	q.items = append(q.items, b)
	return nil
}

func (q *memQueue) Pop() (rlogtypes.Batch, AckRef, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.popped >= len(q.items) {
		return rlogtypes.Batch{}, 0, false, nil
	}
	b := q.items[q.popped]
	q.popped++
	q.nextRef++
	ref := q.nextRef
	q.pending[ref] = struct{}{}
	return b, ref, true, nil
}

func (q *memQueue) Ack(ref AckRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, ref)
	// Compact once every item up to `popped` has been acked, so a long
	// bootstrap doesn't hold every historical batch in memory forever.
	if len(q.pending) == 0 && q.popped > 0 {
		q.items = append([]rlogtypes.Batch(nil), q.items[q.popped:]...)
		q.popped = 0
	}
	return nil
}

func (q *memQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.popped
}

func (q *memQueue) IsEmpty() bool { return q.Count() == 0 }

func (q *memQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	return nil
}

// diskQueue is an append-only on-disk FIFO: one JSON record per line in a
// single segment file. A crash discards the queue along with the partially
// bootstrapped state, so no write-ahead log is used and the file is only
// fsynced when the "fsync" option is set — this is a scratch spill area,
// not a durability mechanism.
type diskQueue struct {
	mu      sync.Mutex
	dir     string
	logger  zerolog.Logger
	file    *os.File
	enc     *json.Encoder
	fsync   bool
	records []rlogtypes.Batch // in-memory index mirroring the file, for Pop/Count
	popped  int
	pending map[AckRef]struct{}
	nextRef AckRef
}

func newDiskQueue(dir string, fsync bool, logger zerolog.Logger) (*diskQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("spillqueue: create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "segment.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spillqueue: open segment: %w", err)
	}
	return &diskQueue{
		dir:     dir,
		logger:  logger.With().Str("component", "spillqueue").Str("dir", dir).Logger(),
		file:    f,
		enc:     json.NewEncoder(f),
		fsync:   fsync,
		pending: make(map[AckRef]struct{}),
	}, nil
}

func (q *diskQueue) Append(b rlogtypes.Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.enc.Encode(b); err != nil {
		return fmt.Errorf("spillqueue: append: %w", err)
	}
	if q.fsync {
		if err := q.file.Sync(); err != nil {
			return fmt.Errorf("spillqueue: fsync: %w", err)
		}
	}
	q.records = append(q.records, b)
	return nil
}

func (q *diskQueue) Pop() (rlogtypes.Batch, AckRef, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.popped >= len(q.records) {
		return rlogtypes.Batch{}, 0, false, nil
	}
	b := q.records[q.popped]
	q.popped++
	q.nextRef++
	ref := q.nextRef
	q.pending[ref] = struct{}{}
	return b, ref, true, nil
}

func (q *diskQueue) Ack(ref AckRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, ref)
	if len(q.pending) == 0 && q.popped > 0 {
		q.records = append([]rlogtypes.Batch(nil), q.records[q.popped:]...)
		q.popped = 0
	}
	return nil
}

func (q *diskQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records) - q.popped
}

func (q *diskQueue) IsEmpty() bool { return q.Count() == 0 }

func (q *diskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.file.Close()
	if rmErr := os.RemoveAll(q.dir); rmErr != nil {
		q.logger.Warn().Err(rmErr).Msg("failed to remove spill dir on close")
	}
	return err
}
