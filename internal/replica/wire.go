// Wiring that bridges the concrete transport/storage packages to the
// actor's narrow collaborator interfaces (collaborators.go). Kept in its
// own file, separate from replica.go itself, so replica.go never imports a
// concrete transport or storage package directly.
package replica

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/bootstrap"
	"github.com/jfoltran/rlogreplicant/internal/discovery"
	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/internal/schema"
	"github.com/jfoltran/rlogreplicant/internal/spillqueue"
	"github.com/jfoltran/rlogreplicant/internal/upstream"
)

// subscriptionAdapter adapts *upstream.Client to the Subscription
// interface, translating its AgentDown values onto the actor-local
// AgentDownSignal type so the replica package never imports upstream's
// concrete error type into its public surface.
type subscriptionAdapter struct {
	client *upstream.Client
	down   chan AgentDownSignal
}

func newSubscriptionAdapter(client *upstream.Client) *subscriptionAdapter {
	a := &subscriptionAdapter{client: client, down: make(chan AgentDownSignal, 1)}
	go func() {
		if d, ok := <-client.Down(); ok {
			a.down <- AgentDownSignal{Agent: d.Agent, Err: d.Err}
		}
		close(a.down)
	}()
	return a
}

func (a *subscriptionAdapter) Agent() rlogtypes.AgentHandle    { return a.client.Agent() }
func (a *subscriptionAdapter) Batches() <-chan rlogtypes.Batch { return a.client.Batches() }
func (a *subscriptionAdapter) Down() <-chan AgentDownSignal    { return a.down }
func (a *subscriptionAdapter) Close()                          { a.client.Close() }

// connectorAdapter implements Connector on top of discovery.TryConnect and
// upstream.Dial.
type connectorAdapter struct {
	logger zerolog.Logger
}

// NewConnector returns a Connector backed by the real upstream websocket
// transport and candidate shuffling.
func NewConnector(logger zerolog.Logger) Connector {
	return &connectorAdapter{logger: logger}
}

func (c *connectorAdapter) TryConnect(ctx context.Context, candidates []string, shard rlogtypes.Shard, checkpoint rlogtypes.Checkpoint, originID string) (Subscription, SubscribeResult, error) {
	client, result, err := discovery.TryConnect(ctx, candidates, shard, checkpoint, originID, upstream.Dial, c.logger)
	if err != nil {
		return nil, SubscribeResult{}, err
	}
	return newSubscriptionAdapter(client), SubscribeResult{
		BootstrapNeeded: result.BootstrapNeeded,
		Agent:           result.Agent,
		Tables:          result.Tables,
		StartingSeqNo:   result.StartingSeqNo,
	}, nil
}

// bootstrapperAdapter implements Bootstrapper on top of *bootstrap.Client,
// logging per-table results the narrower interface has no room for.
type bootstrapperAdapter struct {
	client *bootstrap.Client
	logger zerolog.Logger
}

// NewBootstrapper returns a Bootstrapper that pulls table dumps from addr
// into writer, fanned out across workers concurrent table streams.
func NewBootstrapper(addr string, writer bootstrap.RowWriter, workers int, logger zerolog.Logger) Bootstrapper {
	return &bootstrapperAdapter{
		client: bootstrap.New(addr, writer, workers, logger),
		logger: logger,
	}
}

func (b *bootstrapperAdapter) Run(ctx context.Context, shard rlogtypes.Shard, tables []rlogtypes.TableSpec) (rlogtypes.Checkpoint, error) {
	checkpoint, results, err := b.client.Run(ctx, shard, tables)
	for _, r := range results {
		b.logger.Info().Str("table", r.Table).Int64("rows", r.RowsCopied).Err(r.Err).Msg("bootstrap table result")
	}
	if err != nil {
		return nil, err
	}
	return checkpoint, nil
}

// schemaConvergerAdapter implements SchemaConverger on top of
// schema.Converge, which takes its logger per call rather than storing one.
type schemaConvergerAdapter struct {
	ensurer schema.TableEnsurer
	logger  zerolog.Logger
}

// NewSchemaConverger returns a SchemaConverger that ensures every table
// named by a subscribe handshake exists in ensurer.
func NewSchemaConverger(ensurer schema.TableEnsurer, logger zerolog.Logger) SchemaConverger {
	return &schemaConvergerAdapter{ensurer: ensurer, logger: logger}
}

func (s *schemaConvergerAdapter) Converge(ctx context.Context, specs []rlogtypes.TableSpec) error {
	return schema.Converge(ctx, s.ensurer, specs, s.logger)
}

// spillOpenerAdapter implements SpillOpener on top of spillqueue.Open.
type spillOpenerAdapter struct {
	opts   spillqueue.Options
	logger zerolog.Logger
}

// NewSpillOpener returns a SpillOpener that opens memory- or disk-backed
// queues per opts.
func NewSpillOpener(opts spillqueue.Options, logger zerolog.Logger) SpillOpener {
	return &spillOpenerAdapter{opts: opts, logger: logger}
}

func (s *spillOpenerAdapter) Open(shard rlogtypes.Shard) (spillqueue.Queue, error) {
	q, err := spillqueue.Open(shard, s.opts, s.logger)
	if err != nil {
		return nil, fmt.Errorf("open spill queue for shard %s: %w", shard, err)
	}
	return q, nil
}
