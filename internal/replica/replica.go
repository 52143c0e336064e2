// Package replica implements the per-shard replica state machine: a
// single-goroutine actor that attaches to a remote core node, bootstraps a
// shard's tables if needed, then streams committed transactions while
// preserving strict per-agent ordering. It is rendered as a closed-event,
// tagged-state actor: a buffered channel inbox, a typed event set dispatched
// via a type switch, and time.AfterFunc timers posting synthetic events so
// their delivery is serialized with inbound batches.
package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/readroute"
	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/internal/spillqueue"
	"github.com/jfoltran/rlogreplicant/internal/status"
	"github.com/jfoltran/rlogreplicant/pkg/seqno"
)

type state int

const (
	stateDisconnected state = iota
	stateBootstrap
	stateLocalReplay
	stateNormal
)

func (s state) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateBootstrap:
		return "bootstrap"
	case stateLocalReplay:
		return "local_replay"
	case stateNormal:
		return "normal"
	default:
		return "unknown"
	}
}

// Config holds the per-shard parameters the actor needs.
type Config struct {
	Shard             rlogtypes.Shard
	CoreAddrs         []string
	OriginID          string
	ReconnectInterval time.Duration
}

// Replica is the actor for one shard. Every field below this point in the
// struct is touched only by the goroutine running Run; nothing is shared
// across goroutines except through the inbox channel.
type Replica struct {
	cfg    Config
	logger zerolog.Logger

	connector    Connector
	bootstrapper Bootstrapper
	applier      BatchApplier
	schema       SchemaConverger
	spillOpener  SpillOpener
	clearer      TableClearer
	routes       *readroute.Table
	status       *status.Registry

	inbox chan event

	// actor-owned state; never touched outside the run loop.
	st         state
	agent      rlogtypes.AgentHandle
	nextSeqNo  seqno.SeqNo
	checkpoint rlogtypes.Checkpoint
	tables     []rlogtypes.TableSpec
	sub        Subscription
	spill      spillqueue.Queue
}

// New creates a Replica for one shard. checkpoint may be nil for a cold
// start; it is passed to the first subscribe attempt and updated whenever
// bootstrap completes.
func New(
	cfg Config,
	checkpoint rlogtypes.Checkpoint,
	connector Connector,
	bootstrapper Bootstrapper,
	batchApplier BatchApplier,
	schema SchemaConverger,
	spillOpener SpillOpener,
	clearer TableClearer,
	routes *readroute.Table,
	statusRegistry *status.Registry,
	logger zerolog.Logger,
) *Replica {
	return &Replica{
		cfg:          cfg,
		logger:       logger.With().Str("component", "replica").Str("shard", string(cfg.Shard)).Logger(),
		connector:    connector,
		bootstrapper: bootstrapper,
		applier:      batchApplier,
		schema:       schema,
		spillOpener:  spillOpener,
		clearer:      clearer,
		routes:       routes,
		status:       statusRegistry,
		inbox:        make(chan event, 256),
		checkpoint:   checkpoint,
	}
}

// Run drives the actor until ctx is cancelled or a fatal condition is
// reached, in which case it returns a non-nil error. The caller
// (internal/supervisor) is expected to restart the shard from a fresh
// Replica on any fatal return: an agent dying mid-bootstrap or mid-replay
// leaves the spill queue and checkpoint in a state only a restart can
// reconcile cleanly.
func (r *Replica) Run(ctx context.Context) error {
	r.enterDisconnected(ctx)

	for {
		select {
		case <-ctx.Done():
			r.teardown()
			return ctx.Err()
		case ev := <-r.inbox:
			if _, ok := ev.(evStop); ok {
				r.teardown()
				return nil
			}
			if err := r.handle(ctx, ev); err != nil {
				r.teardown()
				return err
			}
		}
	}
}

// Checkpoint returns the last checkpoint the actor observed. Only safe to
// call once Run has returned: the supervisor persists it immediately before
// restarting the shard from scratch.
func (r *Replica) Checkpoint() rlogtypes.Checkpoint { return r.checkpoint }

// Stop requests a clean shutdown; Run returns nil shortly after.
func (r *Replica) Stop() {
	select {
	case r.inbox <- evStop{}:
	default:
	}
}

func (r *Replica) teardown() {
	if r.sub != nil {
		r.sub.Close()
		r.sub = nil
	}
	if r.spill != nil {
		r.spill.Close()
		r.spill = nil
	}
}

// post delivers ev to the actor's inbox from any goroutine, abandoning the
// send if ctx is already done so background goroutines (connect attempts,
// bootstrap runs, forwarders) don't leak past shutdown.
func (r *Replica) post(ctx context.Context, ev event) {
	select {
	case r.inbox <- ev:
	case <-ctx.Done():
	}
}

func (r *Replica) handle(ctx context.Context, ev event) error {
	switch e := ev.(type) {
	case evReconnect:
		return r.onReconnect(ctx)
	case evSubscribeFailed:
		return r.onSubscribeFailed(ctx, e)
	case evSubscribed:
		return r.onSubscribed(ctx, e)
	case evBatch:
		return r.ingest(ctx, e.batch)
	case evBootstrapComplete:
		return r.onBootstrapComplete(ctx, e)
	case evReplayTick:
		return r.onReplayTick(ctx)
	case evAgentDown:
		return r.onAgentDown(ctx, e)
	default:
		return fmt.Errorf("%w: state=%s event=%T", ErrUnexpectedEvent, r.st, ev)
	}
}

// --- disconnected ---

func (r *Replica) enterDisconnected(ctx context.Context) {
	r.st = stateDisconnected
	if len(r.tables) > 0 {
		names := make([]string, len(r.tables))
		for i, t := range r.tables {
			names[i] = t.Name
		}
		r.routes.SetShard(r.cfg.Shard, names, readroute.Remote)
	}
	r.status.ShardDown(r.cfg.Shard)
	r.status.SetState(r.cfg.Shard, r.st.String())
	r.scheduleReconnect(ctx, 0)
}

func (r *Replica) scheduleReconnect(ctx context.Context, delay time.Duration) {
	time.AfterFunc(delay, func() { r.post(ctx, evReconnect{}) })
}

func (r *Replica) onReconnect(ctx context.Context) error {
	if r.st != stateDisconnected {
		return nil // stale timer fired after a transition; ignore
	}
	go r.tryConnect(ctx)
	return nil
}

func (r *Replica) tryConnect(ctx context.Context) {
	sub, result, err := r.connector.TryConnect(ctx, r.cfg.CoreAddrs, r.cfg.Shard, r.checkpoint, r.cfg.OriginID)
	if err != nil {
		r.post(ctx, evSubscribeFailed{err: err})
		return
	}
	r.post(ctx, evSubscribed{sub: sub, result: result})
}

func (r *Replica) onSubscribeFailed(ctx context.Context, e evSubscribeFailed) error {
	if r.st != stateDisconnected {
		return nil
	}
	r.logger.Warn().Err(e.err).Msg("subscribe attempt failed, rescheduling")
	r.scheduleReconnect(ctx, r.cfg.ReconnectInterval)
	return nil
}

func (r *Replica) onSubscribed(ctx context.Context, e evSubscribed) error {
	if r.st != stateDisconnected {
		e.sub.Close()
		return nil
	}

	r.sub = e.sub
	r.agent = e.result.Agent
	r.tables = e.result.Tables
	r.nextSeqNo = e.result.StartingSeqNo
	r.forwardFrom(ctx, e.sub)

	if err := r.schema.Converge(ctx, r.tables); err != nil {
		return fmt.Errorf("%w: converge schema: %v", ErrBadApplyResult, err)
	}

	if e.result.BootstrapNeeded {
		return r.enterBootstrap(ctx)
	}
	return r.enterNormal(ctx)
}

// forwardFrom spawns the two goroutines that turn a Subscription's channels
// into inbox events: one relays batches, the other watches for the serving
// agent going down.
func (r *Replica) forwardFrom(ctx context.Context, sub Subscription) {
	go func() {
		for b := range sub.Batches() {
			r.post(ctx, evBatch{batch: b})
		}
	}()
	go func() {
		if down, ok := <-sub.Down(); ok {
			r.post(ctx, evAgentDown{agent: down.Agent, err: down.Err})
		}
	}()
}

// --- bootstrap ---

func (r *Replica) enterBootstrap(ctx context.Context) error {
	r.st = stateBootstrap
	tableNames := make([]string, len(r.tables))
	for i, t := range r.tables {
		tableNames[i] = t.Name
	}
	r.routes.SetShard(r.cfg.Shard, tableNames, readroute.Remote)

	for _, t := range r.tables {
		if err := r.clearer.ClearTable(ctx, t.Name); err != nil {
			return fmt.Errorf("%w: clear table %s: %v", ErrBadApplyResult, t.Name, err)
		}
	}

	spill, err := r.spillOpener.Open(r.cfg.Shard)
	if err != nil {
		return fmt.Errorf("%w: open spill queue: %v", ErrBadApplyResult, err)
	}
	r.spill = spill

	r.status.SetState(r.cfg.Shard, r.st.String())
	go r.runBootstrap(ctx)
	return nil
}

func (r *Replica) runBootstrap(ctx context.Context) {
	cp, err := r.bootstrapper.Run(ctx, r.cfg.Shard, r.tables)
	r.post(ctx, evBootstrapComplete{checkpoint: cp, err: err})
}

func (r *Replica) onBootstrapComplete(ctx context.Context, e evBootstrapComplete) error {
	if r.st != stateBootstrap {
		r.logger.Warn().Str("state", r.st.String()).Msg("ignoring stale bootstrap_complete")
		return nil
	}
	if e.err != nil {
		return fmt.Errorf("%w: bootstrap: %v", ErrAgentDiedDuringSync, e.err)
	}
	r.checkpoint = e.checkpoint
	return r.enterLocalReplay(ctx)
}

// --- local_replay ---

func (r *Replica) enterLocalReplay(ctx context.Context) error {
	r.st = stateLocalReplay
	r.status.SetState(r.cfg.Shard, r.st.String())
	r.post(ctx, evReplayTick{})
	return nil
}

func (r *Replica) onReplayTick(ctx context.Context) error {
	if r.st != stateLocalReplay {
		return nil
	}

	b, ref, ok, err := r.spill.Pop()
	if err != nil {
		return fmt.Errorf("%w: pop spill queue: %v", ErrBadApplyResult, err)
	}
	if !ok {
		if err := r.spill.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("error closing drained spill queue")
		}
		r.spill = nil
		return r.enterNormal(ctx)
	}

	b.Kind = rlogtypes.TxDirty // local replay always drains in dirty mode
	if err := r.applier.Apply(ctx, b); err != nil {
		return fmt.Errorf("%w: apply replayed batch %s: %v", ErrBadApplyResult, b.TxID, err)
	}
	if err := r.spill.Ack(ref); err != nil {
		return fmt.Errorf("%w: ack spill queue: %v", ErrBadApplyResult, err)
	}
	r.status.ReplayqLen(r.cfg.Shard, r.spill.Count())

	r.post(ctx, evReplayTick{})
	return nil
}

// --- normal ---

func (r *Replica) enterNormal(ctx context.Context) error {
	r.st = stateNormal
	tableNames := make([]string, len(r.tables))
	for i, t := range r.tables {
		tableNames[i] = t.Name
	}
	r.routes.SetShard(r.cfg.Shard, tableNames, readroute.Local)
	r.status.ShardUp(r.cfg.Shard, r.agent)
	r.status.SetState(r.cfg.Shard, r.st.String())
	r.logger.Info().Str("agent", string(r.agent)).Msg("shard is now serving local reads")
	return nil
}

func (r *Replica) onAgentDown(ctx context.Context, e evAgentDown) error {
	if e.agent != r.agent {
		return nil // stale connection's death; already superseded
	}

	switch r.st {
	case stateBootstrap, stateLocalReplay:
		return fmt.Errorf("%w: agent %s: %v", ErrAgentDiedDuringSync, e.agent, e.err)
	case stateNormal:
		r.logger.Warn().Err(e.err).Str("agent", string(e.agent)).Msg("agent died, reconnecting")
		if r.sub != nil {
			r.sub.Close()
			r.sub = nil
		}
		r.agent = ""
		r.enterDisconnected(ctx)
		return nil
	default:
		return nil
	}
}

// --- ingestion ---

func (r *Replica) ingest(ctx context.Context, b rlogtypes.Batch) error {
	if b.Agent != r.agent {
		r.logger.Warn().Str("batch_agent", string(b.Agent)).Str("current_agent", string(r.agent)).Msg("dropping batch from stale agent")
		return nil
	}
	switch {
	case b.SeqNo.Compare(r.nextSeqNo) < 0:
		r.logger.Warn().Stringer("seqno", b.SeqNo).Stringer("next_seqno", r.nextSeqNo).Msg("dropping stale batch")
		return nil
	case b.SeqNo.Compare(r.nextSeqNo) > 0:
		return fmt.Errorf("%w: expected=%s got=%s agent=%s", ErrGapInTlog, r.nextSeqNo, b.SeqNo, b.Agent)
	}

	switch r.st {
	case stateNormal:
		if err := r.applier.Apply(ctx, b); err != nil {
			return fmt.Errorf("%w: apply batch %s: %v", ErrBadApplyResult, b.TxID, err)
		}
	case stateBootstrap, stateLocalReplay:
		if err := r.spill.Append(b); err != nil {
			return fmt.Errorf("%w: append to spill queue: %v", ErrBadApplyResult, err)
		}
		r.status.ReplayqLen(r.cfg.Shard, r.spill.Count())
	default:
		return fmt.Errorf("%w: state=%s event=batch", ErrUnexpectedEvent, r.st)
	}

	r.status.ImportTrans(r.cfg.Shard, b.SeqNo)
	r.nextSeqNo = r.nextSeqNo.Next()
	return nil
}
