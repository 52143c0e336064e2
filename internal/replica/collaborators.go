// Collaborator interfaces let the actor (replica.go) stay decoupled from
// the concrete upstream/bootstrap/applier/spillqueue implementations, so
// tests can fake each one independently.
package replica

import (
	"context"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/internal/spillqueue"
	"github.com/jfoltran/rlogreplicant/pkg/seqno"
)

// Subscription is a live connection to an upstream agent, satisfied by
// *upstream.Client.
type Subscription interface {
	Agent() rlogtypes.AgentHandle
	Batches() <-chan rlogtypes.Batch
	Down() <-chan AgentDownSignal
	Close()
}

// AgentDownSignal mirrors upstream.AgentDown without importing that
// package's concrete type, so fakes in tests need not construct one.
type AgentDownSignal struct {
	Agent rlogtypes.AgentHandle
	Err   error
}

// SubscribeResult mirrors upstream.SubscribeResult.
type SubscribeResult struct {
	BootstrapNeeded bool
	Agent           rlogtypes.AgentHandle
	Tables          []rlogtypes.TableSpec
	StartingSeqNo   seqno.SeqNo
}

// Connector performs try_connect: shuffle candidates, dial each in turn,
// return the first accepted subscription.
type Connector interface {
	TryConnect(ctx context.Context, candidates []string, shard rlogtypes.Shard, checkpoint rlogtypes.Checkpoint, originID string) (Subscription, SubscribeResult, error)
}

// Bootstrapper pulls a full table dump for shard and reports the
// checkpoint the upstream considers consistent as of that dump.
type Bootstrapper interface {
	Run(ctx context.Context, shard rlogtypes.Shard, tables []rlogtypes.TableSpec) (rlogtypes.Checkpoint, error)
}

// BatchApplier applies one batch's ops to the local table store.
type BatchApplier interface {
	Apply(ctx context.Context, b rlogtypes.Batch) error
}

// SchemaConverger ensures every table named by a subscribe handshake
// exists locally before the first batch lands.
type SchemaConverger interface {
	Converge(ctx context.Context, specs []rlogtypes.TableSpec) error
}

// SpillOpener opens a fresh spill queue on entry to bootstrap.
type SpillOpener interface {
	Open(shard rlogtypes.Shard) (spillqueue.Queue, error)
}

// TableClearer clears a table's local contents before a bootstrap copy.
// A no-op on a table with no rows yet, so it's safe before the first
// bootstrap too.
type TableClearer interface {
	ClearTable(ctx context.Context, table string) error
}
