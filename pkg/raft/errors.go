package raft

import "errors"

var (
	// ErrNotLeader is returned when a command is submitted to a node
	// that is not the current leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrNodeStopped is returned after Stop has been called.
	ErrNodeStopped = errors.New("raft: node stopped")

	// ErrInvalidConfig is returned by Config.Validate for unusable
	// timing or membership settings.
	ErrInvalidConfig = errors.New("raft: invalid configuration")

	// ErrStorageFailed means a durable write failed. The node stops
	// participating in the cluster once this happens.
	ErrStorageFailed = errors.New("raft: storage write failed")
)
