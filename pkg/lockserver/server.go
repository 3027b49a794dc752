// Package lockserver is the client-facing lock service on each node. It
// turns client calls into replicated commands, waits for them to commit
// and apply, and parks Acquire callers until their grant, abort or
// timeout. It is also where committed entries are consumed and fed to
// the lock table.
package lockserver

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lockd-io/lockd/pkg/fsm"
	"github.com/lockd-io/lockd/pkg/logging"
	"github.com/lockd-io/lockd/pkg/raft"
)

// ErrStopped is returned for operations after Stop.
var ErrStopped = errors.New("lockserver: server stopped")

// DefaultCommitTimeout bounds how long a call waits for its command to
// commit before concluding leadership was lost.
const DefaultCommitTimeout = 3 * time.Second

// Config tunes a lock server.
type Config struct {
	// CommitTimeout overrides DefaultCommitTimeout when positive.
	CommitTimeout time.Duration
	// SnapshotThreshold is the number of applied entries between state
	// machine snapshots. Zero disables snapshotting.
	SnapshotThreshold uint64
	Logger            logging.Logger
}

// applyOutcome is what the apply loop reports back to a call waiting on
// a log index.
type applyOutcome struct {
	result fsm.Result
	// mismatch means a different command was applied at the awaited
	// index: this node lost leadership and the caller must retry.
	mismatch bool
	// grantCh is set when an acquire committed but queued; it fires on
	// promotion, abort or withdrawal.
	grantCh chan grantOutcome
}

type grantOutcome uint8

const (
	outcomeGranted grantOutcome = iota
	outcomeAborted
	outcomeWithdrawn
)

type grantKey struct {
	resource string
	client   string
}

// Server owns the apply loop of one node and serves client operations.
type Server struct {
	id     string
	raft   *raft.Server
	table  *fsm.LockTable
	logger logging.Logger

	commitTimeout     time.Duration
	snapshotThreshold uint64

	mu          sync.Mutex
	pending     map[uint64]*pendingOp
	watchers    map[grantKey][]chan grantOutcome
	lastApplied uint64
	lastSnap    uint64
	appliedCond *sync.Cond
	stopped     bool

	applyCh  <-chan raft.ApplyMsg
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type pendingOp struct {
	cmd fsm.Command
	ch  chan applyOutcome
}

// NewServer wires the service to its consensus node, state machine and
// apply channel.
func NewServer(id string, r *raft.Server, table *fsm.LockTable, applyCh <-chan raft.ApplyMsg, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	timeout := cfg.CommitTimeout
	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}
	s := &Server{
		id:                id,
		raft:              r,
		table:             table,
		logger:            logger,
		commitTimeout:     timeout,
		snapshotThreshold: cfg.SnapshotThreshold,
		pending:           make(map[uint64]*pendingOp),
		watchers:          make(map[grantKey][]chan grantOutcome),
		applyCh:           applyCh,
		stopCh:            make(chan struct{}),
	}
	s.appliedCond = sync.NewCond(&s.mu)
	return s
}

// Start launches the apply loop.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.applyLoop()
}

// Stop halts the apply loop and releases every parked caller.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		s.stopped = true
		s.appliedCond.Broadcast()
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// IsLeader reports whether the underlying node is the leader. Part of
// the detector's Proposer interface.
func (s *Server) IsLeader() bool {
	_, isLeader := s.raft.GetState()
	return isLeader
}

// Table exposes the lock table for the detector's graph source.
func (s *Server) Table() *fsm.LockTable {
	return s.table
}

// Acquire requests a lock, blocking until it is granted, the caller is
// aborted, or the wait bound elapses.
func (s *Server) Acquire(args *AcquireArgs, reply *AcquireReply) error {
	if args.RequestID == "" {
		args.RequestID = uuid.NewString()
	}
	mode := fsm.Shared
	if args.Exclusive {
		mode = fsm.Exclusive
	}
	cmd := fsm.Command{
		Op:        fsm.OpAcquire,
		Resource:  args.Resource,
		Client:    args.Client,
		Mode:      mode,
		RequestID: args.RequestID,
	}

	outcome, status := s.propose(cmd)
	if status != StatusOK {
		reply.Status = status
		reply.LeaderHint = s.raft.LeaderHint()
		return nil
	}
	if outcome.result.Granted {
		reply.Status = StatusGranted
		return nil
	}

	// Committed but queued. grantCh was registered by the apply loop in
	// the same critical section that queued the request, so a promotion
	// cannot slip between.
	if args.WaitMillis <= 0 {
		reply.Status = StatusTimeout
		return nil
	}
	timer := time.NewTimer(time.Duration(args.WaitMillis) * time.Millisecond)
	defer timer.Stop()
	select {
	case g := <-outcome.grantCh:
		switch g {
		case outcomeGranted:
			reply.Status = StatusGranted
		case outcomeAborted:
			reply.Status = StatusAborted
		default:
			reply.Status = StatusTimeout
		}
	case <-timer.C:
		// The queued request stays; the client owns its withdrawal.
		reply.Status = StatusTimeout
	case <-s.stopCh:
		return ErrStopped
	}
	return nil
}

// Release drops a held lock or withdraws a queued request.
func (s *Server) Release(args *ReleaseArgs, reply *ReleaseReply) error {
	if args.RequestID == "" {
		args.RequestID = uuid.NewString()
	}
	cmd := fsm.Command{
		Op:        fsm.OpRelease,
		Resource:  args.Resource,
		Client:    args.Client,
		RequestID: args.RequestID,
	}
	_, status := s.propose(cmd)
	reply.Status = status
	if status == StatusNotLeader {
		reply.LeaderHint = s.raft.LeaderHint()
	}
	return nil
}

// ProposeAbort commits a forced abort of client. Part of the detector's
// Proposer interface.
func (s *Server) ProposeAbort(client, reason string) error {
	cmd := fsm.Command{
		Op:        fsm.OpAbort,
		Client:    client,
		RequestID: uuid.NewString(),
		Reason:    reason,
	}
	_, status := s.propose(cmd)
	switch status {
	case StatusOK:
		return nil
	case StatusNotLeader:
		return raft.ErrNotLeader
	default:
		return errors.New("lockserver: abort proposal timed out")
	}
}

// propose submits a command through consensus and waits for it to apply
// on this node.
func (s *Server) propose(cmd fsm.Command) (applyOutcome, Status) {
	data, err := cmd.Encode()
	if err != nil {
		s.logger.Error("command encode failed", "op", cmd.Op.String(), "error", err)
		return applyOutcome{}, StatusTimeout
	}

	// The pending entry must exist before the apply loop can reach the
	// new index, so the submission and registration share one critical
	// section.
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return applyOutcome{}, StatusTimeout
	}
	index, _, err := s.raft.StartCommand(data)
	if err != nil {
		s.mu.Unlock()
		return applyOutcome{}, StatusNotLeader
	}
	op := &pendingOp{cmd: cmd, ch: make(chan applyOutcome, 1)}
	s.pending[index] = op
	s.mu.Unlock()

	timer := time.NewTimer(s.commitTimeout)
	defer timer.Stop()
	select {
	case out := <-op.ch:
		if out.mismatch {
			return applyOutcome{}, StatusNotLeader
		}
		return out, StatusOK
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, index)
		s.mu.Unlock()
		return applyOutcome{}, StatusTimeout
	case <-s.stopCh:
		return applyOutcome{}, StatusTimeout
	}
}

// Status reports one resource. On the leader the read is served only
// after the local state machine has caught up to the commit index
// observed at call time, so a client never reads state older than its
// own completed writes. Followers refuse unless the caller opts into
// stale reads.
func (s *Server) Status(args *StatusArgs, reply *StatusReply) error {
	if !args.AllowStale {
		info := s.raft.Stats()
		if info.Role != raft.Leader {
			reply.Status = StatusNotLeader
			reply.LeaderHint = s.raft.LeaderHint()
			return nil
		}
		if !s.waitApplied(info.CommitIndex) {
			reply.Status = StatusTimeout
			return nil
		}
	}

	status := s.table.Status(args.Resource)
	reply.Status = StatusOK
	reply.Held = status.Held
	reply.Exclusive = status.Mode == fsm.Exclusive
	reply.Holders = status.Holders
	for _, w := range status.Waiters {
		reply.Waiters = append(reply.Waiters, WaiterView{
			Client:    w.Client,
			Exclusive: w.Mode == fsm.Exclusive,
		})
	}
	return nil
}

// State reports the node's consensus position and lock statistics.
func (s *Server) State(args *StateArgs, reply *StateReply) error {
	info := s.raft.Stats()
	stats := s.table.Stats()
	reply.ID = info.ID
	reply.Role = info.Role.String()
	reply.Term = info.Term
	reply.Leader = info.LeaderID
	reply.CommitIndex = info.CommitIndex
	reply.LastApplied = info.LastApplied
	reply.LastLogIndex = info.LastLogIndex
	reply.SnapshotIndex = info.SnapshotIndex
	reply.LocksAcquired = stats.Acquired
	reply.LocksReleased = stats.Released
	reply.ClientsAborted = stats.Aborted
	return nil
}

// waitApplied blocks until the apply loop has reached index, bounded by
// the commit timeout.
func (s *Server) waitApplied(index uint64) bool {
	deadline := time.Now().Add(s.commitTimeout)
	timer := time.AfterFunc(s.commitTimeout, func() {
		s.mu.Lock()
		s.appliedCond.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.lastApplied < index && !s.stopped && time.Now().Before(deadline) {
		s.appliedCond.Wait()
	}
	return s.lastApplied >= index
}

// applyLoop drains the apply channel, feeds the state machine and wakes
// whoever is waiting on each outcome.
func (s *Server) applyLoop() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.applyCh:
			if msg.SnapshotValid {
				s.applySnapshot(msg)
				continue
			}
			if msg.CommandValid {
				s.applyCommand(msg)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) applySnapshot(msg raft.ApplyMsg) {
	if err := s.table.Restore(msg.Snapshot); err != nil {
		s.logger.Error("snapshot restore failed", "index", msg.SnapshotIndex, "error", err)
		return
	}
	s.mu.Lock()
	s.lastApplied = msg.SnapshotIndex
	s.lastSnap = msg.SnapshotIndex
	s.appliedCond.Broadcast()
	s.mu.Unlock()
	s.logger.Info("state restored from snapshot", "index", msg.SnapshotIndex)
}

func (s *Server) applyCommand(msg raft.ApplyMsg) {
	cmd, err := fsm.DecodeCommand(msg.Command)
	if err != nil {
		s.logger.Error("undecodable command in log", "index", msg.CommandIndex, "error", err)
		return
	}
	result := s.table.ApplyCommand(cmd)

	s.mu.Lock()
	s.lastApplied = msg.CommandIndex

	for _, g := range result.Promoted {
		s.notifyLocked(grantKey{g.Resource, g.Client}, outcomeGranted)
	}
	switch cmd.Op {
	case fsm.OpAbort:
		for key := range s.watchers {
			if key.client == cmd.Client {
				s.notifyLocked(key, outcomeAborted)
			}
		}
	case fsm.OpRelease:
		// A release by a queued client withdraws the request; unpark
		// any caller still waiting on it.
		s.notifyLocked(grantKey{cmd.Resource, cmd.Client}, outcomeWithdrawn)
	}

	if op, ok := s.pending[msg.CommandIndex]; ok {
		delete(s.pending, msg.CommandIndex)
		out := applyOutcome{result: result}
		if !sameCommand(op.cmd, cmd) {
			out.mismatch = true
		} else if cmd.Op == fsm.OpAcquire && !result.Granted {
			// Register the watcher before releasing the lock so a
			// promotion applied next cannot be missed.
			ch := make(chan grantOutcome, 1)
			key := grantKey{cmd.Resource, cmd.Client}
			s.watchers[key] = append(s.watchers[key], ch)
			out.grantCh = ch
		}
		op.ch <- out
	}
	s.appliedCond.Broadcast()

	snapDue := s.snapshotThreshold > 0 && msg.CommandIndex-s.lastSnap >= s.snapshotThreshold
	if snapDue {
		s.lastSnap = msg.CommandIndex
	}
	s.mu.Unlock()

	if snapDue {
		s.takeSnapshot(msg.CommandIndex)
	}
}

func (s *Server) notifyLocked(key grantKey, outcome grantOutcome) {
	for _, ch := range s.watchers[key] {
		ch <- outcome
	}
	delete(s.watchers, key)
}

func (s *Server) takeSnapshot(index uint64) {
	data, err := s.table.Snapshot()
	if err != nil {
		s.logger.Error("state snapshot failed", "index", index, "error", err)
		return
	}
	if err := s.raft.Snapshot(index, data); err != nil {
		s.logger.Error("log compaction failed", "index", index, "error", err)
	}
}

func sameCommand(a, b fsm.Command) bool {
	return a.Op == b.Op && a.Resource == b.Resource &&
		a.Client == b.Client && a.RequestID == b.RequestID
}
