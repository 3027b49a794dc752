package lockserver

// Status classifies the outcome of a client operation.
type Status string

const (
	// StatusOK means the command committed and applied.
	StatusOK Status = "ok"
	// StatusGranted means the lock is now held by the caller.
	StatusGranted Status = "granted"
	// StatusAborted means the caller was chosen as a deadlock victim
	// while waiting. Distinct from timeout: the request is gone.
	StatusAborted Status = "aborted"
	// StatusTimeout means the wait elapsed before a grant. The queued
	// request stays in place; an explicit Release withdraws it.
	StatusTimeout Status = "timeout"
	// StatusNotLeader means this node cannot commit commands; retry
	// against LeaderHint.
	StatusNotLeader Status = "not_leader"
)

// AcquireArgs requests a lock. RequestID makes retries across leader
// changes idempotent; an empty one is filled in by the server.
type AcquireArgs struct {
	Resource  string
	Client    string
	RequestID string
	Exclusive bool
	// WaitMillis bounds how long the call blocks for a grant once the
	// request is committed and queued. Zero means do not wait.
	WaitMillis int64
}

type AcquireReply struct {
	Status     Status
	LeaderHint string
}

// ReleaseArgs drops a held lock or withdraws a queued request.
type ReleaseArgs struct {
	Resource  string
	Client    string
	RequestID string
}

type ReleaseReply struct {
	Status     Status
	LeaderHint string
}

// StatusArgs queries one resource. AllowStale permits serving from a
// follower's local state, which may lag the leader.
type StatusArgs struct {
	Resource   string
	AllowStale bool
}

// WaiterView is one queued request in a status reply.
type WaiterView struct {
	Client    string
	Exclusive bool
}

type StatusReply struct {
	Status     Status
	LeaderHint string
	Held       bool
	Exclusive  bool
	Holders    []string
	Waiters    []WaiterView
}

// StateArgs queries node and cluster state.
type StateArgs struct{}

// StateReply reports a node's consensus position and lock statistics.
type StateReply struct {
	ID             string
	Role           string
	Term           uint64
	Leader         string
	CommitIndex    uint64
	LastApplied    uint64
	LastLogIndex   uint64
	SnapshotIndex  uint64
	LocksAcquired  uint64
	LocksReleased  uint64
	ClientsAborted uint64
}
