package discovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/internal/upstream"
)

func TestTryConnect_NoCandidates(t *testing.T) {
	_, _, err := TryConnect(context.Background(), nil, "orders", nil, "self",
		func(ctx context.Context, addr string, shard rlogtypes.Shard, checkpoint rlogtypes.Checkpoint, originID string, logger zerolog.Logger) (*upstream.Client, upstream.SubscribeResult, error) {
			t.Fatal("dial should not be called with no candidates")
			return nil, upstream.SubscribeResult{}, nil
		}, zerolog.Nop())
	if err != ErrNoCoreAvailable {
		t.Fatalf("err = %v, want ErrNoCoreAvailable", err)
	}
}

func TestTryConnect_AllFail(t *testing.T) {
	calls := 0
	_, _, err := TryConnect(context.Background(), []string{"a", "b", "c"}, "orders", nil, "self",
		func(ctx context.Context, addr string, shard rlogtypes.Shard, checkpoint rlogtypes.Checkpoint, originID string, logger zerolog.Logger) (*upstream.Client, upstream.SubscribeResult, error) {
			calls++
			return nil, upstream.SubscribeResult{}, fmt.Errorf("connection refused")
		}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error when every candidate fails")
	}
	if calls != 3 {
		t.Fatalf("expected all 3 candidates tried, got %d", calls)
	}
}

func TestTryConnect_FirstSuccessWins(t *testing.T) {
	var tried []string
	want := upstream.SubscribeResult{BootstrapNeeded: true, Agent: "agent-1"}
	_, got, err := TryConnect(context.Background(), []string{"a", "b", "c"}, "orders", nil, "self",
		func(ctx context.Context, addr string, shard rlogtypes.Shard, checkpoint rlogtypes.Checkpoint, originID string, logger zerolog.Logger) (*upstream.Client, upstream.SubscribeResult, error) {
			tried = append(tried, addr)
			if len(tried) < 2 {
				return nil, upstream.SubscribeResult{}, fmt.Errorf("refused")
			}
			return nil, want, nil
		}, zerolog.Nop())
	if err != nil {
		t.Fatalf("TryConnect: %v", err)
	}
	if got.Agent != want.Agent || got.BootstrapNeeded != want.BootstrapNeeded {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if len(tried) != 2 {
		t.Fatalf("expected to stop after first success, tried %d candidates", len(tried))
	}
}

func TestShuffled_PreservesElementsAndLength(t *testing.T) {
	in := []string{"a", "b", "c", "d"}
	out := shuffled(in)
	if len(out) != len(in) {
		t.Fatalf("shuffled() length = %d, want %d", len(out), len(in))
	}
	counts := map[string]int{}
	for _, s := range out {
		counts[s]++
	}
	for _, s := range in {
		if counts[s] != 1 {
			t.Errorf("shuffled() missing or duplicated %q", s)
		}
	}
}
