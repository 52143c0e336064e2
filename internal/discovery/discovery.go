// Package discovery tries each candidate core node in randomized order
// until one accepts a subscribe request, with no backoff between
// candidates within a single attempt — the first success wins.
package discovery

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/internal/upstream"
)

// ErrNoCoreAvailable is returned when every candidate refused or was
// unreachable.
var ErrNoCoreAvailable = fmt.Errorf("discovery: no_core_available")

// Dialer abstracts upstream.Dial so tests can substitute fakes without a
// real network connection.
type Dialer func(ctx context.Context, addr string, shard rlogtypes.Shard, checkpoint rlogtypes.Checkpoint, originID string, logger zerolog.Logger) (*upstream.Client, upstream.SubscribeResult, error)

// TryConnect shuffles candidates and subscribes to the first one that
// accepts, returning its connected Client and handshake result.
func TryConnect(ctx context.Context, candidates []string, shard rlogtypes.Shard, checkpoint rlogtypes.Checkpoint, originID string, dial Dialer, logger zerolog.Logger) (*upstream.Client, upstream.SubscribeResult, error) {
	if len(candidates) == 0 {
		return nil, upstream.SubscribeResult{}, ErrNoCoreAvailable
	}

	order := shuffled(candidates)
	var lastErr error
	for _, addr := range order {
		client, result, err := dial(ctx, addr, shard, checkpoint, originID, logger)
		if err != nil {
			logger.Warn().Err(err).Str("shard", string(shard)).Str("candidate", addr).Msg("subscribe attempt failed")
			lastErr = err
			continue
		}
		return client, result, nil
	}

	if lastErr != nil {
		return nil, upstream.SubscribeResult{}, fmt.Errorf("%w: last error: %v", ErrNoCoreAvailable, lastErr)
	}
	return nil, upstream.SubscribeResult{}, ErrNoCoreAvailable
}

// shuffled returns a randomized copy of candidates, reshuffled per call so
// repeated failed attempts spread load across the candidate set.
func shuffled(candidates []string) []string {
	out := append([]string(nil), candidates...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
