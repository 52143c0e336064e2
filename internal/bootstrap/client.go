// Package bootstrap implements the bootstrap client task spawned on entry
// to the replica's bootstrap state: it pulls a full copy of every table
// for a shard from the remote core node and reports
// bootstrap_complete(checkpoint) once the dump is durable in the local
// table store. Table dumps are pulled over a coder/websocket connection
// to the remote core, one stream per table, fanned out across a small
// worker pool.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
)

// dumpRequest opens a bulk-copy stream for one table.
type dumpRequest struct {
	Shard rlogtypes.Shard `json:"shard"`
	Table string          `json:"table"`
}

// dumpFrame is one frame of the bulk-copy stream: either a page of rows or,
// on the final frame, the shard's checkpoint.
type dumpFrame struct {
	Columns    []string             `json:"columns,omitempty"`
	Rows       [][]any              `json:"rows,omitempty"`
	Done       bool                 `json:"done,omitempty"`
	Checkpoint rlogtypes.Checkpoint `json:"checkpoint,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// TableResult is the outcome of dumping a single table.
type TableResult struct {
	Table      string
	RowsCopied int64
	Err        error
}

// RowWriter is the subset of *store.Store the bootstrap client needs,
// narrowed to an interface so tests can substitute a fake instead of a real
// Postgres connection.
type RowWriter interface {
	CopyRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
}

// Client pulls a bulk copy of a shard's tables from one core node address.
type Client struct {
	addr    string
	writer  RowWriter
	workers int
	logger  zerolog.Logger
}

// New creates a bootstrap Client targeting addr, writing into writer.
func New(addr string, writer RowWriter, workers int, logger zerolog.Logger) *Client {
	if workers < 1 {
		workers = 1
	}
	return &Client{
		addr:    addr,
		writer:  writer,
		workers: workers,
		logger:  logger.With().Str("component", "bootstrap").Str("addr", addr).Logger(),
	}
}

// Run dumps every table in tables for shard, in parallel across c.workers,
// and returns the checkpoint reported by the last table to finish (every
// table stream ends on the same consistent checkpoint, since the remote
// took one snapshot for the whole shard). The caller is the replica's
// bootstrap-state entry action; the returned checkpoint becomes the
// bootstrap_complete(checkpoint) event.
func (c *Client) Run(ctx context.Context, shard rlogtypes.Shard, tables []rlogtypes.TableSpec) (rlogtypes.Checkpoint, []TableResult, error) {
	work := make(chan rlogtypes.TableSpec, len(tables))
	for _, t := range tables {
		work <- t
	}
	close(work)

	var (
		mu         sync.Mutex
		results    []TableResult
		checkpoint rlogtypes.Checkpoint
		wg         sync.WaitGroup
	)

	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for spec := range work {
				cp, result := c.dumpTable(ctx, shard, spec, workerID)
				mu.Lock()
				results = append(results, result)
				if len(cp) > 0 {
					checkpoint = cp
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if r.Err != nil {
			return nil, results, fmt.Errorf("bootstrap: table %s: %w", r.Table, r.Err)
		}
	}
	if checkpoint.IsZero() {
		return nil, results, fmt.Errorf("bootstrap: remote never reported a checkpoint")
	}
	return checkpoint, results, nil
}

func (c *Client) dumpTable(ctx context.Context, shard rlogtypes.Shard, spec rlogtypes.TableSpec, workerID int) (rlogtypes.Checkpoint, TableResult) {
	log := c.logger.With().Str("table", spec.Name).Int("worker", workerID).Logger()
	log.Info().Msg("starting table dump")

	conn, _, err := websocket.Dial(ctx, c.addr, nil)
	if err != nil {
		return nil, TableResult{Table: spec.Name, Err: fmt.Errorf("dial: %w", err)}
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := dumpRequest{Shard: shard, Table: spec.Name}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, TableResult{Table: spec.Name, Err: fmt.Errorf("marshal dump request: %w", err)}
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return nil, TableResult{Table: spec.Name, Err: fmt.Errorf("send dump request: %w", err)}
	}

	var total int64
	var checkpoint rlogtypes.Checkpoint
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, TableResult{Table: spec.Name, RowsCopied: total, Err: fmt.Errorf("read dump frame: %w", err)}
		}
		var frame dumpFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, TableResult{Table: spec.Name, RowsCopied: total, Err: fmt.Errorf("decode dump frame: %w", err)}
		}
		if frame.Error != "" {
			return nil, TableResult{Table: spec.Name, RowsCopied: total, Err: fmt.Errorf("remote error: %s", frame.Error)}
		}
		if len(frame.Rows) > 0 {
			n, err := c.writer.CopyRows(ctx, spec.Name, frame.Columns, frame.Rows)
			total += n
			if err != nil {
				return nil, TableResult{Table: spec.Name, RowsCopied: total, Err: err}
			}
		}
		if frame.Done {
			checkpoint = frame.Checkpoint
			break
		}
	}

	log.Info().Int64("rows", total).Msg("table dump complete")
	return checkpoint, TableResult{Table: spec.Name, RowsCopied: total}
}
