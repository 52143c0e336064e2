package replica

import (
	"github.com/jfoltran/rlogreplicant/internal/rlogtypes"
)

// event is the closed set of messages the actor's run loop dispatches via a
// type switch: an unexported marker interface rather than an enum, so the
// compiler enforces the switch staying exhaustive as events are added.
type event interface{ isEvent() }

// evBatch is an inbound transaction batch from the currently subscribed
// agent.
type evBatch struct{ batch rlogtypes.Batch }

// evSubscribed carries the outcome of a successful try_connect, delivered
// once discovery succeeds.
type evSubscribed struct {
	sub    Subscription
	result SubscribeResult
}

// evSubscribeFailed reports that every candidate core node refused or was
// unreachable.
type evSubscribeFailed struct{ err error }

// evBootstrapComplete is raised when the bootstrap client finishes dumping
// every table and reports a checkpoint.
type evBootstrapComplete struct {
	checkpoint rlogtypes.Checkpoint
	err        error
}

// evReplayTick drains one batch from the spill queue during local_replay.
type evReplayTick struct{}

// evAgentDown is posted by the upstream watch goroutine the moment the
// subscribed connection errors or closes.
type evAgentDown struct {
	agent rlogtypes.AgentHandle
	err   error
}

// evReconnect fires the reconnect timer armed on entry to disconnected.
type evReconnect struct{}

// evStop requests a clean shutdown of the actor.
type evStop struct{}

func (evBatch) isEvent()             {}
func (evSubscribed) isEvent()        {}
func (evSubscribeFailed) isEvent()   {}
func (evBootstrapComplete) isEvent() {}
func (evReplayTick) isEvent()        {}
func (evAgentDown) isEvent()         {}
func (evReconnect) isEvent()         {}
func (evStop) isEvent()              {}
