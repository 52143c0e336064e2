// Package status implements the replica's outbound status notifications:
// shard_down, shard_up, replicant_import_trans, replicant_replayq_len, and
// replicant_state. It is written only by the owning replica and fans out
// snapshots to subscribers (the HTTP/WebSocket API, the TUI).
package status

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
	"github.com/jfoltran/rlogreplicant/pkg/seqno"
)

// ShardStatus is a point-in-time view of one shard's replication state.
type ShardStatus struct {
	Shard        rlogtypes.Shard `json:"shard"`
	State        string          `json:"state"`
	Up           bool            `json:"up"`
	Agent        string          `json:"agent,omitempty"`
	LastSeqNo    seqno.SeqNo     `json:"last_seqno"`
	SpillLen     int             `json:"spill_len"`
	LastUpdateAt time.Time       `json:"last_update_at"`
}

// Snapshot is the complete status of every shard known to this node.
type Snapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	Shards    []ShardStatus `json:"shards"`
}

// Registry aggregates shard status and broadcasts snapshots to subscribers.
type Registry struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	shards map[rlogtypes.Shard]*ShardStatus

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}
}

// NewRegistry creates an empty status registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:      logger.With().Str("component", "status").Logger(),
		shards:      make(map[rlogtypes.Shard]*ShardStatus),
		subscribers: make(map[chan Snapshot]struct{}),
	}
}

// ShardDown marks a shard as down and notifies subscribers.
func (r *Registry) ShardDown(shard rlogtypes.Shard) {
	r.mu.Lock()
	s := r.entry(shard)
	s.Up = false
	s.Agent = ""
	s.LastUpdateAt = time.Now()
	r.mu.Unlock()

	r.logger.Info().Str("shard", string(shard)).Msg("shard_down")
	r.broadcast()
}

// ShardUp marks a shard as up with the given agent handle.
func (r *Registry) ShardUp(shard rlogtypes.Shard, agent rlogtypes.AgentHandle) {
	r.mu.Lock()
	s := r.entry(shard)
	s.Up = true
	s.Agent = string(agent)
	s.LastUpdateAt = time.Now()
	r.mu.Unlock()

	r.logger.Info().Str("shard", string(shard)).Str("agent", string(agent)).Msg("shard_up")
	r.broadcast()
}

// SetState records the replica's current state name for observability.
func (r *Registry) SetState(shard rlogtypes.Shard, state string) {
	r.mu.Lock()
	s := r.entry(shard)
	s.State = state
	s.LastUpdateAt = time.Now()
	r.mu.Unlock()

	r.logger.Debug().Str("shard", string(shard)).Str("state", state).Msg("replicant_state")
	r.broadcast()
}

// ImportTrans records that a batch with the given seqno was imported, for
// lag measurement.
func (r *Registry) ImportTrans(shard rlogtypes.Shard, seq seqno.SeqNo) {
	r.mu.Lock()
	s := r.entry(shard)
	s.LastSeqNo = seq
	r.mu.Unlock()
	r.logger.Debug().Str("shard", string(shard)).Stringer("seqno", seq).Msg("replicant_import_trans")
	r.broadcast()
}

// ReplayqLen records the current spill-queue depth for a shard.
func (r *Registry) ReplayqLen(shard rlogtypes.Shard, count int) {
	r.mu.Lock()
	s := r.entry(shard)
	s.SpillLen = count
	r.mu.Unlock()
	r.logger.Debug().Str("shard", string(shard)).Int("len", count).Msg("replicant_replayq_len")
	r.broadcast()
}

// entry returns (creating if needed) the ShardStatus for shard. Caller must
// hold r.mu.
func (r *Registry) entry(shard rlogtypes.Shard) *ShardStatus {
	s, ok := r.shards[shard]
	if !ok {
		s = &ShardStatus{Shard: shard}
		r.shards[shard] = s
	}
	return s
}

// Snapshot returns the current status of every known shard.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{Timestamp: time.Now()}
	for _, s := range r.shards {
		out.Shards = append(out.Shards, *s)
	}
	return out
}

// Subscribe returns a channel that receives a Snapshot on every status
// change. The caller must call Unsubscribe when done.
func (r *Registry) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 8)
	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()
	return ch
}

// Unsubscribe stops broadcasts to a previously subscribed channel and
// closes it.
func (r *Registry) Unsubscribe(ch chan Snapshot) {
	r.subMu.Lock()
	delete(r.subscribers, ch)
	r.subMu.Unlock()
	close(ch)
}

func (r *Registry) broadcast() {
	snap := r.Snapshot()
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subscribers {
		select {
		case ch <- snap:
		default:
			// Slow subscriber; drop rather than block the replica.
		}
	}
}
