package replica

import "errors"

// Sentinel errors naming the replica's error kinds. When the actor ends on a
// fatal outcome it wraps one of these with fmt.Errorf so callers (the
// supervisor) can distinguish them with errors.Is while still getting a
// readable message.
var (
	// ErrGapInTlog is raised when an inbound batch's seqno exceeds
	// next_seqno: one or more batches were missed and no recovery is
	// attempted at this layer.
	ErrGapInTlog = errors.New("replica: gap_in_tlog")

	// ErrAgentDiedDuringSync is raised when the subscribed agent terminates
	// while the shard is in bootstrap or local_replay, where no usable
	// checkpoint exists yet.
	ErrAgentDiedDuringSync = errors.New("replica: agent_died_during_sync")

	// ErrNoCoreAvailable names the outcome where every candidate core node
	// refused or was unreachable. The actor never returns it: a failed
	// connect attempt only reschedules the reconnect timer.
	ErrNoCoreAvailable = errors.New("replica: no_core_available")

	// ErrUnexpectedEvent is raised when an event arrives that the current
	// state has no defined transition for.
	ErrUnexpectedEvent = errors.New("replica: unexpected_event")

	// ErrBadApplyResult is raised when the applier or schema-convergence
	// hook fails.
	ErrBadApplyResult = errors.New("replica: bad_apply_result")
)
