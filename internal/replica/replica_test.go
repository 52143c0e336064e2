package replica

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/readroute"
	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/internal/spillqueue"
	"github.com/jfoltran/rlogreplicant/internal/status"
	"github.com/jfoltran/rlogreplicant/pkg/seqno"
)

// fakeSubscription is a hand-fed Subscription for driving the actor under
// test without a real upstream.Client.
type fakeSubscription struct {
	agent   rlogtypes.AgentHandle
	batches chan rlogtypes.Batch
	down    chan AgentDownSignal
	closed  chan struct{}
	once    sync.Once
}

func newFakeSubscription(agent rlogtypes.AgentHandle) *fakeSubscription {
	return &fakeSubscription{
		agent:   agent,
		batches: make(chan rlogtypes.Batch, 16),
		down:    make(chan AgentDownSignal, 1),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSubscription) Agent() rlogtypes.AgentHandle        { return f.agent }
func (f *fakeSubscription) Batches() <-chan rlogtypes.Batch     { return f.batches }
func (f *fakeSubscription) Down() <-chan AgentDownSignal        { return f.down }
func (f *fakeSubscription) Close() {
	f.once.Do(func() { close(f.closed) })
}

// fakeConnector hands out pre-scripted connect outcomes, one per call.
type fakeConnector struct {
	mu      sync.Mutex
	outcome []connectOutcome
	calls   int
}

type connectOutcome struct {
	sub    Subscription
	result SubscribeResult
	err    error
}

func (f *fakeConnector) TryConnect(ctx context.Context, candidates []string, shard rlogtypes.Shard, checkpoint rlogtypes.Checkpoint, originID string) (Subscription, SubscribeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.outcome) {
		idx = len(f.outcome) - 1
	}
	f.calls++
	o := f.outcome[idx]
	return o.sub, o.result, o.err
}

type fakeBootstrapper struct {
	checkpoint rlogtypes.Checkpoint
	err        error
	delay      time.Duration
	block      bool // if set, Run blocks until ctx is cancelled and never returns on its own
}

func (f *fakeBootstrapper) Run(ctx context.Context, shard rlogtypes.Shard, tables []rlogtypes.TableSpec) (rlogtypes.Checkpoint, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.checkpoint, f.err
}

type fakeApplier struct {
	mu      sync.Mutex
	applied []rlogtypes.Batch
}

func (f *fakeApplier) Apply(ctx context.Context, b rlogtypes.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, b)
	return nil
}

func (f *fakeApplier) snapshot() []rlogtypes.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]rlogtypes.Batch, len(f.applied))
	copy(out, f.applied)
	return out
}

type fakeSchema struct{}

func (fakeSchema) Converge(ctx context.Context, specs []rlogtypes.TableSpec) error { return nil }

type fakeClearer struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeClearer) ClearTable(ctx context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, table)
	return nil
}

type memSpillOpener struct{}

func (memSpillOpener) Open(shard rlogtypes.Shard) (spillqueue.Queue, error) {
	return spillqueue.Open(shard, spillqueue.Options{MemOnly: true}, zerolog.Nop())
}

func testConfig(shard string) Config {
	return Config{
		Shard:             rlogtypes.Shard(shard),
		CoreAddrs:         []string{"a", "b"},
		OriginID:          "test-origin",
		ReconnectInterval: 10 * time.Millisecond,
	}
}

func waitForApplied(t *testing.T, ap *fakeApplier, n int) []rlogtypes.Batch {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := ap.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d applied batches, got %d", n, len(ap.snapshot()))
	return nil
}

func batch(agent rlogtypes.AgentHandle, seq uint64) rlogtypes.Batch {
	return rlogtypes.Batch{
		Agent: agent,
		SeqNo: seqno.SeqNo(seq),
		TxID:  "tx",
		Kind:  rlogtypes.TxDirty,
		Ops:   []rlogtypes.Op{{Kind: rlogtypes.OpInsert, Table: "t1"}},
	}
}

// TestColdStartBootstrapPath implements scenario S1: subscribe reports
// bootstrap_needed, batches arrive and spill while bootstrapping, then
// local_replay drains them in order and the shard reaches normal.
func TestColdStartBootstrapPath(t *testing.T) {
	sub := newFakeSubscription("alpha")
	connector := &fakeConnector{outcome: []connectOutcome{{
		sub: sub,
		result: SubscribeResult{
			BootstrapNeeded: true,
			Agent:           "alpha",
			Tables:          []rlogtypes.TableSpec{{Name: "t1"}},
			StartingSeqNo:   0,
		},
	}}}
	bootstrapper := &fakeBootstrapper{checkpoint: rlogtypes.Checkpoint("cp1"), delay: 20 * time.Millisecond}
	applier := &fakeApplier{}
	clearer := &fakeClearer{}
	routes := readroute.NewTable()
	st := status.NewRegistry(zerolog.Nop())

	r := New(testConfig("s1"), nil, connector, bootstrapper, applier, fakeSchema{}, memSpillOpener{}, clearer, routes, st, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	sub.batches <- batch("alpha", 0)
	sub.batches <- batch("alpha", 1)
	sub.batches <- batch("alpha", 2)

	applied := waitForApplied(t, applier, 3)
	for i, b := range applied {
		if b.SeqNo != seqno.SeqNo(i) {
			t.Fatalf("applied out of order: %+v", applied)
		}
		if b.Kind != rlogtypes.TxDirty {
			t.Fatalf("replayed batch %d not forced dirty: %v", i, b.Kind)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && routes.Get("s1", "t1") != readroute.Local {
		time.Sleep(5 * time.Millisecond)
	}
	if got := routes.Get(rlogtypes.Shard("s1"), "t1"); got != readroute.Local {
		t.Fatalf("where_to_read(t1) = %v, want local", got)
	}
	if len(clearer.cleared) != 1 || clearer.cleared[0] != "t1" {
		t.Fatalf("expected t1 cleared once, got %v", clearer.cleared)
	}
}

// TestWarmResumeNoBootstrap implements scenario S2.
func TestWarmResumeNoBootstrap(t *testing.T) {
	sub := newFakeSubscription("beta")
	connector := &fakeConnector{outcome: []connectOutcome{{
		sub: sub,
		result: SubscribeResult{
			BootstrapNeeded: false,
			Agent:           "beta",
			Tables:          []rlogtypes.TableSpec{{Name: "t1"}},
			StartingSeqNo:   7,
		},
	}}}
	applier := &fakeApplier{}
	routes := readroute.NewTable()
	st := status.NewRegistry(zerolog.Nop())

	r := New(testConfig("s2"), rlogtypes.Checkpoint("cp1"), connector, &fakeBootstrapper{}, applier, fakeSchema{}, memSpillOpener{}, &fakeClearer{}, routes, st, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	sub.batches <- batch("beta", 7)
	sub.batches <- batch("beta", 8)

	applied := waitForApplied(t, applier, 2)
	if applied[0].SeqNo != 7 || applied[1].SeqNo != 8 {
		t.Fatalf("unexpected applied sequence: %+v", applied)
	}
}

// TestGapDetection implements scenario S3: a seqno ahead of next_seqno is
// fatal.
func TestGapDetection(t *testing.T) {
	sub := newFakeSubscription("gamma")
	connector := &fakeConnector{outcome: []connectOutcome{{
		sub: sub,
		result: SubscribeResult{
			Agent:         "gamma",
			Tables:        []rlogtypes.TableSpec{{Name: "t1"}},
			StartingSeqNo: 10,
		},
	}}}
	routes := readroute.NewTable()
	st := status.NewRegistry(zerolog.Nop())
	r := New(testConfig("s3"), nil, connector, &fakeBootstrapper{}, &fakeApplier{}, fakeSchema{}, memSpillOpener{}, &fakeClearer{}, routes, st, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	sub.batches <- batch("gamma", 12)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrGapInTlog) {
			t.Fatalf("expected ErrGapInTlog, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replica did not exit fatally on gap")
	}
}

// TestAgentDeathInNormal implements scenario S4: death in normal reconnects.
func TestAgentDeathInNormal(t *testing.T) {
	sub1 := newFakeSubscription("delta1")
	sub2 := newFakeSubscription("delta2")
	connector := &fakeConnector{outcome: []connectOutcome{
		{sub: sub1, result: SubscribeResult{Agent: "delta1", Tables: []rlogtypes.TableSpec{{Name: "t1"}}, StartingSeqNo: 0}},
		{sub: sub2, result: SubscribeResult{Agent: "delta2", Tables: []rlogtypes.TableSpec{{Name: "t1"}}, StartingSeqNo: 5}},
	}}
	routes := readroute.NewTable()
	st := status.NewRegistry(zerolog.Nop())
	r := New(testConfig("s4"), nil, connector, &fakeBootstrapper{}, &fakeApplier{}, fakeSchema{}, memSpillOpener{}, &fakeClearer{}, routes, st, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && st.Snapshot().Shards == nil {
		time.Sleep(5 * time.Millisecond)
	}

	sub1.down <- AgentDownSignal{Agent: "delta1", Err: errors.New("connection reset")}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := st.Snapshot()
		if len(snap.Shards) == 1 && snap.Shards[0].State == "normal" && snap.Shards[0].Agent == "delta2" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("replica did not reconnect to delta2 after delta1 died")
}

// TestAgentDeathDuringBootstrap implements scenario S5: fatal exit.
func TestAgentDeathDuringBootstrap(t *testing.T) {
	sub := newFakeSubscription("epsilon")
	connector := &fakeConnector{outcome: []connectOutcome{{
		sub: sub,
		result: SubscribeResult{
			BootstrapNeeded: true,
			Agent:           "epsilon",
			Tables:          []rlogtypes.TableSpec{{Name: "t1"}},
		},
	}}}
	bootstrapper := &fakeBootstrapper{block: true} // never completes on its own
	routes := readroute.NewTable()
	st := status.NewRegistry(zerolog.Nop())
	r := New(testConfig("s5"), nil, connector, bootstrapper, &fakeApplier{}, fakeSchema{}, memSpillOpener{}, &fakeClearer{}, routes, st, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := st.Snapshot()
		if len(snap.Shards) == 1 && snap.Shards[0].State == "bootstrap" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	sub.down <- AgentDownSignal{Agent: "epsilon", Err: errors.New("agent crashed")}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAgentDiedDuringSync) {
			t.Fatalf("expected ErrAgentDiedDuringSync, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replica did not exit fatally on agent death during bootstrap")
	}
}

// TestStaleBootstrapComplete implements scenario S6: a late
// bootstrap_complete arriving in normal is ignored; state is unchanged.
func TestStaleBootstrapComplete(t *testing.T) {
	sub := newFakeSubscription("zeta")
	connector := &fakeConnector{outcome: []connectOutcome{{
		sub: sub,
		result: SubscribeResult{
			Agent:         "zeta",
			Tables:        []rlogtypes.TableSpec{{Name: "t1"}},
			StartingSeqNo: 0,
		},
	}}}
	routes := readroute.NewTable()
	st := status.NewRegistry(zerolog.Nop())
	r := New(testConfig("s6"), nil, connector, &fakeBootstrapper{}, &fakeApplier{}, fakeSchema{}, memSpillOpener{}, &fakeClearer{}, routes, st, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := st.Snapshot()
		if len(snap.Shards) == 1 && snap.Shards[0].State == "normal" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.post(ctx, evBootstrapComplete{checkpoint: rlogtypes.Checkpoint("cpX")})

	time.Sleep(50 * time.Millisecond)
	snap := st.Snapshot()
	if len(snap.Shards) != 1 || snap.Shards[0].State != "normal" {
		t.Fatalf("state changed after stale bootstrap_complete: %+v", snap)
	}
}
