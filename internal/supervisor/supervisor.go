// Package supervisor restarts a shard's replica actor after a fatal error:
// a gap in the transaction log, an agent dying mid-sync, or a bad apply
// result all end the actor, and something above it has to bring the shard
// back to disconnected with its last known checkpoint. This supervises at
// the goroutine level rather than the OS-process level: the whole daemon
// already runs as one process, so what needs restarting is the actor
// goroutine, not the binary itself.
package supervisor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
)

// Factory builds a fresh Replica for shard, starting from the given
// checkpoint (nil on a cold start or when no checkpoint was ever persisted).
type Factory func(checkpoint rlogtypes.Checkpoint) Actor

// Actor is the subset of *replica.Replica the supervisor drives. Narrowed to
// an interface so tests can supervise a fake actor without a real
// connector/bootstrapper/applier stack.
type Actor interface {
	Run(ctx context.Context) error
	Checkpoint() rlogtypes.Checkpoint
}

// Supervisor restarts one shard's actor on every fatal return, persisting
// the actor's last checkpoint to disk first so the restart resumes as close
// as possible to where the previous attempt left off.
type Supervisor struct {
	dataDir string
	backoff time.Duration
	logger  zerolog.Logger
}

// New creates a Supervisor that persists checkpoints under dataDir and
// waits backoff between a fatal exit and the next restart attempt.
func New(dataDir string, backoff time.Duration, logger zerolog.Logger) *Supervisor {
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Supervisor{
		dataDir: dataDir,
		backoff: backoff,
		logger:  logger.With().Str("component", "supervisor").Logger(),
	}
}

// RunShard loads shard's persisted checkpoint (if any), then builds and runs
// actors from factory in a loop until ctx is cancelled: a clean return (nil,
// or ctx.Err()) stops the loop; any other error persists the actor's
// checkpoint and restarts after the backoff.
func (s *Supervisor) RunShard(ctx context.Context, shard rlogtypes.Shard, factory Factory) error {
	checkpoint, err := s.loadCheckpoint(shard)
	if err != nil {
		s.logger.Warn().Err(err).Str("shard", string(shard)).Msg("failed to load persisted checkpoint, starting cold")
		checkpoint = nil
	}

	for {
		a := factory(checkpoint)
		log := s.logger.With().Str("shard", string(shard)).Logger()
		log.Info().Msg("starting replica")

		runErr := a.Run(ctx)
		checkpoint = a.Checkpoint()

		if saveErr := s.saveCheckpoint(shard, checkpoint); saveErr != nil {
			log.Warn().Err(saveErr).Msg("failed to persist checkpoint")
		}

		if runErr == nil || errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return runErr
		}

		log.Error().Err(runErr).Dur("backoff", s.backoff).Msg("replica exited fatally, restarting shard")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff):
		}
	}
}

func (s *Supervisor) checkpointPath(shard rlogtypes.Shard) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s.checkpoint", sanitize(string(shard))))
}

func (s *Supervisor) loadCheckpoint(shard rlogtypes.Shard) (rlogtypes.Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(shard))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return rlogtypes.Checkpoint(decoded), nil
}

func (s *Supervisor) saveCheckpoint(shard rlogtypes.Shard, checkpoint rlogtypes.Checkpoint) error {
	if checkpoint.IsZero() {
		return nil
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(checkpoint)
	path := s.checkpointPath(shard)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(encoded), 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return os.Rename(tmp, path)
}

func sanitize(name string) string {
	return filepath.Clean(string(filepath.Separator) + name)[1:]
}
