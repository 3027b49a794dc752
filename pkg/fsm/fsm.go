// Package fsm holds the replicated state machine: the command codec and
// the lock table that interprets committed commands. The table is a pure
// function of the applied command sequence, so every replica that
// applies the same log prefix reaches the identical state.
package fsm

// FSM is a deterministic state machine driven by committed log entries.
// Apply is called once per entry in strict index order and is never
// reentrant.
type FSM interface {
	Apply(command []byte) (result []byte)
	Snapshot() ([]byte, error)
	Restore(snapshot []byte) error
}

var _ FSM = (*LockTable)(nil)
