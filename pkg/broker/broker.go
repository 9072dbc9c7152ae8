// Package broker declares the narrow external collaborator interfaces
// the invoker depends on: a PTY-capable agent spawner and a messaging
// API for channel coordination. Both are out of scope to implement
// here — they represent the hosted agent-relay service the invoker is
// wired against — but the invoker is written entirely against these
// interfaces so a real implementation can be substituted without
// touching pkg/invoker.
package broker

import "context"

// WaitOutcome is the result of waiting for a PTY agent to exit.
type WaitOutcome string

const (
	WaitExit     WaitOutcome = "exit"
	WaitTimeout  WaitOutcome = "timeout"
	WaitReleased WaitOutcome = "released"
)

// SpawnPtyRequest describes a PTY-backed agent to spawn.
type SpawnPtyRequest struct {
	Name              string
	Cli               string
	Args              []string
	Channels          []string
	Task              string
	IdleThresholdSecs int
}

// Agent is a handle to a spawned PTY agent. The broker may rename the
// agent on spawn (e.g. to deduplicate); callers must use Name() for
// all subsequent bookkeeping.
type Agent interface {
	// Name returns the agent's (possibly broker-renamed) name.
	Name() string

	// WaitForExit blocks until the agent exits, the wait times out, or
	// the agent is released, whichever happens first.
	WaitForExit(ctx context.Context, timeoutMs int) (WaitOutcome, error)

	// Release tears down the agent's PTY session.
	Release() error
}

// OutputListener receives raw output chunks from a spawned agent as
// they arrive.
type OutputListener func(name string, chunk []byte)

// Broker spawns and supervises interactive PTY agents.
type Broker interface {
	// SpawnPty starts a PTY-backed agent and returns a handle to it.
	SpawnPty(ctx context.Context, req SpawnPtyRequest, onOutput OutputListener) (Agent, error)

	// Shutdown tears down all agents managed by this broker.
	Shutdown(ctx context.Context) error
}

// Messaging is the channel-coordination API agents and the engine use
// to post progress and invite agents into a shared workspace. All
// calls must be idempotent and return quickly enough for fire-and-forget
// use from the engine's hot path.
type Messaging interface {
	CreateChannel(ctx context.Context, name, description string) error
	JoinChannel(ctx context.Context, name string) error
	InviteToChannel(ctx context.Context, channel, agent string) error
	SendToChannel(ctx context.Context, channel, text string) error
	RegisterExternalAgent(ctx context.Context, name, description string) error

	// StartHeartbeat begins a periodic liveness ping for client and
	// returns a function that stops it.
	StartHeartbeat(ctx context.Context, client string) (stop func(), err error)
}
