// Package raft implements the consensus engine behind the lock service:
// leader election, log replication, commitment and snapshot transfer
// across a fixed set of peers. Committed commands are delivered on an
// apply channel in strict index order, exactly once.
package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Server is a single consensus node. All role, term and log mutation is
// serialized behind mu; RPC handlers, the timer loop and the applier all
// take it before touching shared state.
type Server struct {
	id  string
	cfg *Config

	mu          sync.Mutex
	role        Role
	leaderID    string
	ps          PersistentState
	snapIndex   uint64
	snapTerm    uint64
	commitIndex uint64
	lastApplied uint64
	ls          *LeaderState
	fatal       bool

	persist   Storage
	transport Transport
	logger    Logger
	rng       *rand.Rand

	applyCh     chan<- ApplyMsg
	applySignal chan struct{}
	pendingSnap *ApplyMsg

	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Info is a point-in-time view of a node's consensus state, for status
// reporting.
type Info struct {
	ID            string
	Role          Role
	Term          uint64
	LeaderID      string
	CommitIndex   uint64
	LastApplied   uint64
	LastLogIndex  uint64
	SnapshotIndex uint64
}

// NewServer builds a node from its configuration, durable storage and
// transport. Persisted state, if any, is loaded here; the node does not
// participate in the cluster until Start is called.
func NewServer(cfg *Config, persist Storage, transport Transport, applyCh chan<- ApplyMsg) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	s := &Server{
		id:          cfg.ID,
		cfg:         cfg,
		role:        Follower,
		persist:     persist,
		transport:   transport,
		logger:      logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		applyCh:     applyCh,
		applySignal: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}

	state, err := persist.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailed, err)
	}
	if state != nil {
		s.ps = *state
	}
	if data, lastIndex, lastTerm, err := persist.LoadSnapshot(); err == nil && lastIndex > 0 {
		s.snapIndex = lastIndex
		s.snapTerm = lastTerm
		s.commitIndex = lastIndex
		s.lastApplied = lastIndex
		s.pendingSnap = &ApplyMsg{
			SnapshotValid: true,
			Snapshot:      data,
			SnapshotIndex: lastIndex,
			SnapshotTerm:  lastTerm,
		}
	}
	s.logger.Info("node initialized",
		"id", s.id,
		"term", s.ps.CurrentTerm,
		"votedFor", s.ps.VotedFor,
		"logLength", len(s.ps.Log),
		"snapshotIndex", s.snapIndex)
	return s, nil
}

// Start launches the timer loop and the applier. The transport must
// already be delivering incoming RPCs to this server's handlers.
func (s *Server) Start() {
	s.mu.Lock()
	s.resetElectionTimer()
	s.heartbeatTicker = time.NewTicker(s.cfg.HeartbeatInterval)
	s.mu.Unlock()

	if s.pendingSnap != nil {
		s.signalApply()
	}
	s.wg.Add(2)
	go s.run()
	go s.applier()
}

// Stop shuts the node down. It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.mu.Lock()
		if s.electionTimer != nil {
			s.electionTimer.Stop()
		}
		if s.heartbeatTicker != nil {
			s.heartbeatTicker.Stop()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

// GetState returns the current term and whether this node believes it is
// the leader.
func (s *Server) GetState() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ps.CurrentTerm, s.role == Leader
}

// LeaderHint returns the ID of the last known leader, or empty if none
// has been observed in the current term.
func (s *Server) LeaderHint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID
}

// Stats returns a snapshot of the node's consensus state.
func (s *Server) Stats() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:            s.id,
		Role:          s.role,
		Term:          s.ps.CurrentTerm,
		LeaderID:      s.leaderID,
		CommitIndex:   s.commitIndex,
		LastApplied:   s.lastApplied,
		LastLogIndex:  s.lastIndexLocked(),
		SnapshotIndex: s.snapIndex,
	}
}

// StartCommand appends a command to the leader's log and begins
// replicating it. It returns the entry's index and term; commitment is
// reported later on the apply channel. ErrNotLeader is returned when
// this node cannot accept commands.
func (s *Server) StartCommand(cmd []byte) (uint64, uint64, error) {
	select {
	case <-s.stopCh:
		return 0, 0, ErrNodeStopped
	default:
	}
	s.mu.Lock()
	if s.fatal {
		s.mu.Unlock()
		return 0, 0, ErrStorageFailed
	}
	if s.role != Leader {
		s.mu.Unlock()
		return 0, 0, ErrNotLeader
	}
	entry := LogEntry{
		Index: s.lastIndexLocked() + 1,
		Term:  s.ps.CurrentTerm,
		Cmd:   cmd,
	}
	s.ps.Log = append(s.ps.Log, entry)
	if err := s.persist.AppendEntry(entry); err != nil {
		s.markFatalLocked(err)
		s.mu.Unlock()
		return 0, 0, ErrStorageFailed
	}
	term := s.ps.CurrentTerm
	s.logger.Debug("command appended", "id", s.id, "index", entry.Index, "term", term)
	// A single-member cluster commits on its own append.
	s.advanceCommitIndexLocked()
	s.mu.Unlock()

	s.broadcastAppendEntries()
	return entry.Index, term, nil
}

// Snapshot records that the state machine has captured its state through
// index, compacting the log up to and including it. Called by the layer
// above after applying that index.
func (s *Server) Snapshot(index uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.snapIndex {
		return nil
	}
	if index > s.lastApplied {
		return fmt.Errorf("raft: snapshot index %d beyond last applied %d", index, s.lastApplied)
	}
	term := s.termAtLocked(index)
	if err := s.persist.SaveSnapshot(data, index, term); err != nil {
		s.markFatalLocked(err)
		return ErrStorageFailed
	}
	s.ps.Log = append([]LogEntry(nil), s.ps.Log[index-s.snapIndex:]...)
	s.snapIndex = index
	s.snapTerm = term
	if err := s.persist.SetEntries(s.ps.Log); err != nil {
		s.markFatalLocked(err)
		return ErrStorageFailed
	}
	s.logger.Info("log compacted", "id", s.id, "snapshotIndex", index, "remaining", len(s.ps.Log))
	return nil
}

// lastIndexLocked returns the index of the last log entry, counting
// entries absorbed into the snapshot.
func (s *Server) lastIndexLocked() uint64 {
	return s.snapIndex + uint64(len(s.ps.Log))
}

// termAtLocked returns the term of the entry at index, or 0 for index 0
// or anything older than the snapshot base.
func (s *Server) termAtLocked(index uint64) uint64 {
	switch {
	case index == s.snapIndex:
		return s.snapTerm
	case index > s.snapIndex && index <= s.lastIndexLocked():
		return s.ps.Log[index-s.snapIndex-1].Term
	default:
		return 0
	}
}

func (s *Server) entriesFromLocked(index uint64) []LogEntry {
	if index <= s.snapIndex {
		return nil
	}
	return append([]LogEntry(nil), s.ps.Log[index-s.snapIndex-1:]...)
}

func (s *Server) resetElectionTimer() {
	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}
	window := s.cfg.ElectionTimeoutMax - s.cfg.ElectionTimeoutMin
	timeout := s.cfg.ElectionTimeoutMin + time.Duration(s.rng.Int63n(int64(window)))
	if s.electionTimer == nil {
		s.electionTimer = time.NewTimer(timeout)
	} else {
		s.electionTimer.Reset(timeout)
	}
}

// persistStateLocked writes term and vote to stable storage. A failure
// here is fatal: the node stops voting and appending rather than risk
// answering an RPC with state it cannot recover after a crash.
func (s *Server) persistStateLocked() bool {
	if err := s.persist.SaveState(s.ps.CurrentTerm, s.ps.VotedFor); err != nil {
		s.markFatalLocked(err)
		return false
	}
	return true
}

func (s *Server) markFatalLocked(err error) {
	if s.fatal {
		return
	}
	s.fatal = true
	s.role = Follower
	s.logger.Error("storage failure, node withdrawing from cluster", "id", s.id, "error", err)
}

// becomeFollowerLocked adopts the given term and drops to follower.
// Returns false if the state could not be persisted.
func (s *Server) becomeFollowerLocked(term uint64) bool {
	if term > s.ps.CurrentTerm {
		s.ps.CurrentTerm = term
		s.ps.VotedFor = ""
		s.leaderID = ""
		if !s.persistStateLocked() {
			return false
		}
	}
	if s.role != Follower {
		s.logger.Info("stepping down to follower", "id", s.id, "term", s.ps.CurrentTerm)
	}
	s.role = Follower
	s.ls = nil
	s.resetElectionTimer()
	return true
}

func (s *Server) signalApply() {
	select {
	case s.applySignal <- struct{}{}:
	default:
	}
}

// run owns the election timer and heartbeat ticker.
func (s *Server) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		electionCh := s.electionTimer.C
		heartbeatCh := s.heartbeatTicker.C
		s.mu.Unlock()

		select {
		case <-electionCh:
			s.startElection()
		case <-heartbeatCh:
			s.mu.Lock()
			isLeader := s.role == Leader
			s.mu.Unlock()
			if isLeader {
				s.broadcastAppendEntries()
			}
		case <-s.stopCh:
			return
		}
	}
}

// startElection moves to candidate, votes for itself and solicits votes
// from every peer in parallel. The node wins on a strict majority of the
// full member set, counting itself.
func (s *Server) startElection() {
	s.mu.Lock()
	if s.role == Leader || s.fatal {
		s.mu.Unlock()
		return
	}
	s.role = Candidate
	s.ps.CurrentTerm++
	s.ps.VotedFor = s.id
	s.leaderID = ""
	if !s.persistStateLocked() {
		s.mu.Unlock()
		return
	}
	s.resetElectionTimer()

	term := s.ps.CurrentTerm
	args := &RequestVoteArgs{
		Term:         term,
		CandidateID:  s.id,
		LastLogIndex: s.lastIndexLocked(),
		LastLogTerm:  s.termAtLocked(s.lastIndexLocked()),
	}
	s.logger.Info("starting election", "id", s.id, "term", term, "lastLogIndex", args.LastLogIndex)
	s.mu.Unlock()

	// A single-node cluster wins on its own vote.
	if 1 >= s.cfg.quorum() {
		s.becomeLeader(term)
		return
	}

	votes := 1
	var voteMu sync.Mutex
	for _, peer := range s.cfg.Peers {
		go func(peerID string) {
			reply, err := s.transport.RequestVote(peerID, args)
			if err != nil {
				s.logger.Debug("vote request failed", "id", s.id, "peer", peerID, "error", err)
				return
			}
			s.mu.Lock()
			if reply.Term > s.ps.CurrentTerm {
				s.becomeFollowerLocked(reply.Term)
				s.mu.Unlock()
				return
			}
			if s.role != Candidate || s.ps.CurrentTerm != term || !reply.VoteGranted {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()

			voteMu.Lock()
			votes++
			won := votes >= s.cfg.quorum()
			voteMu.Unlock()
			if won {
				s.becomeLeader(term)
			}
		}(peer)
	}
}

// becomeLeader transitions to leader for the given term, if this node is
// still the candidate of that term, and sends an immediate round of
// heartbeats to assert leadership.
func (s *Server) becomeLeader(term uint64) {
	s.mu.Lock()
	if s.role != Candidate || s.ps.CurrentTerm != term {
		s.mu.Unlock()
		return
	}
	s.role = Leader
	s.leaderID = s.id
	s.ls = &LeaderState{
		NextIndex:  make(map[string]uint64, len(s.cfg.Peers)),
		MatchIndex: make(map[string]uint64, len(s.cfg.Peers)),
	}
	next := s.lastIndexLocked() + 1
	for _, peer := range s.cfg.Peers {
		s.ls.NextIndex[peer] = next
		s.ls.MatchIndex[peer] = 0
	}
	s.electionTimer.Stop()
	s.logger.Info("became leader", "id", s.id, "term", term, "lastLogIndex", next-1)
	s.mu.Unlock()

	s.broadcastAppendEntries()
}

func (s *Server) broadcastAppendEntries() {
	for _, peer := range s.cfg.Peers {
		go s.replicateTo(peer)
	}
}

// replicateTo sends one AppendEntries (or InstallSnapshot, when the
// follower is behind the snapshot base) to a single peer and processes
// the reply.
func (s *Server) replicateTo(peerID string) {
	s.mu.Lock()
	if s.role != Leader || s.fatal {
		s.mu.Unlock()
		return
	}
	term := s.ps.CurrentTerm
	nextIndex := s.ls.NextIndex[peerID]
	if nextIndex <= s.snapIndex {
		s.mu.Unlock()
		s.sendSnapshotTo(peerID, term)
		return
	}
	args := &AppendEntriesArgs{
		Term:         term,
		LeaderID:     s.id,
		PrevLogIndex: nextIndex - 1,
		PrevLogTerm:  s.termAtLocked(nextIndex - 1),
		Entries:      s.entriesFromLocked(nextIndex),
		LeaderCommit: s.commitIndex,
	}
	s.mu.Unlock()

	reply, err := s.transport.AppendEntries(peerID, args)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if reply.Term > s.ps.CurrentTerm {
		s.becomeFollowerLocked(reply.Term)
		return
	}
	if s.role != Leader || s.ps.CurrentTerm != term {
		return
	}
	if reply.Success {
		match := args.PrevLogIndex + uint64(len(args.Entries))
		if match > s.ls.MatchIndex[peerID] {
			s.ls.MatchIndex[peerID] = match
			s.ls.NextIndex[peerID] = match + 1
			s.advanceCommitIndexLocked()
		}
		return
	}
	// Consistency check failed. The follower's MatchIndex is a probe
	// hint, not a confirmed match; the next round re-validates it.
	next := reply.MatchIndex + 1
	if next < 1 {
		next = 1
	}
	if next < s.ls.NextIndex[peerID] {
		s.ls.NextIndex[peerID] = next
	} else if s.ls.NextIndex[peerID] > 1 {
		s.ls.NextIndex[peerID]--
	}
}

func (s *Server) sendSnapshotTo(peerID string, term uint64) {
	data, lastIndex, lastTerm, err := s.persist.LoadSnapshot()
	if err != nil || lastIndex == 0 {
		return
	}
	args := &InstallSnapshotArgs{
		Term:              term,
		LeaderID:          s.id,
		LastIncludedIndex: lastIndex,
		LastIncludedTerm:  lastTerm,
		Data:              data,
	}
	reply, err := s.transport.InstallSnapshot(peerID, args)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if reply.Term > s.ps.CurrentTerm {
		s.becomeFollowerLocked(reply.Term)
		return
	}
	if s.role != Leader || s.ps.CurrentTerm != term {
		return
	}
	if lastIndex > s.ls.MatchIndex[peerID] {
		s.ls.MatchIndex[peerID] = lastIndex
		s.ls.NextIndex[peerID] = lastIndex + 1
	}
}

// advanceCommitIndexLocked moves commitIndex to the highest index stored
// on a majority whose entry carries the current term. Entries from prior
// terms commit only indirectly, under a later same-term entry.
func (s *Server) advanceCommitIndexLocked() {
	old := s.commitIndex
	for n := s.commitIndex + 1; n <= s.lastIndexLocked(); n++ {
		if s.termAtLocked(n) != s.ps.CurrentTerm {
			continue
		}
		count := 1
		for _, match := range s.ls.MatchIndex {
			if match >= n {
				count++
			}
		}
		if count >= s.cfg.quorum() {
			s.commitIndex = n
		}
	}
	if s.commitIndex > old {
		s.logger.Debug("commit index advanced", "id", s.id, "from", old, "to", s.commitIndex)
		s.signalApply()
	}
}

// HandleRequestVote answers a candidate's vote request. The vote goes to
// a candidate with a term at least as high, no conflicting vote this
// term, and a log at least as up-to-date as ours.
func (s *Server) HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := &RequestVoteReply{Term: s.ps.CurrentTerm}
	if s.fatal || args.Term < s.ps.CurrentTerm {
		return reply
	}
	if args.Term > s.ps.CurrentTerm {
		if !s.becomeFollowerLocked(args.Term) {
			return reply
		}
		reply.Term = args.Term
	}

	if s.ps.VotedFor != "" && s.ps.VotedFor != args.CandidateID {
		return reply
	}
	lastIndex := s.lastIndexLocked()
	lastTerm := s.termAtLocked(lastIndex)
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)
	if !upToDate {
		return reply
	}

	s.ps.VotedFor = args.CandidateID
	if !s.persistStateLocked() {
		return reply
	}
	s.resetElectionTimer()
	reply.VoteGranted = true
	s.logger.Debug("vote granted", "id", s.id, "candidate", args.CandidateID, "term", args.Term)
	return reply
}

// HandleAppendEntries processes replication from the leader. A reply is
// sent only after any log change has reached stable storage.
func (s *Server) HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := &AppendEntriesReply{Term: s.ps.CurrentTerm}
	if s.fatal || args.Term < s.ps.CurrentTerm {
		return reply
	}
	if !s.becomeFollowerLocked(args.Term) {
		return reply
	}
	reply.Term = s.ps.CurrentTerm
	s.leaderID = args.LeaderID
	s.resetElectionTimer()

	prevIndex := args.PrevLogIndex
	entries := args.Entries
	if prevIndex < s.snapIndex {
		// Entries overlapping the snapshot are already applied.
		skip := s.snapIndex - prevIndex
		if skip >= uint64(len(entries)) {
			reply.Success = true
			reply.MatchIndex = prevIndex + uint64(len(entries))
			return reply
		}
		entries = entries[skip:]
		prevIndex = s.snapIndex
	}
	if prevIndex > s.lastIndexLocked() {
		reply.MatchIndex = s.lastIndexLocked()
		return reply
	}
	if s.termAtLocked(prevIndex) != args.PrevLogTerm {
		reply.MatchIndex = prevIndex - 1
		return reply
	}

	// Find the first divergence, truncate from there and adopt the
	// leader's suffix.
	changed := false
	for i, entry := range entries {
		idx := prevIndex + uint64(i) + 1
		if idx <= s.lastIndexLocked() {
			if s.termAtLocked(idx) == entry.Term {
				continue
			}
			s.ps.Log = s.ps.Log[:idx-s.snapIndex-1]
		}
		s.ps.Log = append(s.ps.Log, entries[i:]...)
		changed = true
		break
	}
	if changed {
		if err := s.persist.SetEntries(s.ps.Log); err != nil {
			s.markFatalLocked(err)
			reply.Success = false
			return reply
		}
	}

	reply.Success = true
	reply.MatchIndex = prevIndex + uint64(len(entries))
	if args.LeaderCommit > s.commitIndex {
		limit := args.PrevLogIndex + uint64(len(args.Entries))
		s.commitIndex = min(args.LeaderCommit, limit)
		s.signalApply()
	}
	return reply
}

// HandleInstallSnapshot replaces this node's state with the leader's
// snapshot when the log entries it is missing have been compacted away.
func (s *Server) HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply := &InstallSnapshotReply{Term: s.ps.CurrentTerm}
	if s.fatal || args.Term < s.ps.CurrentTerm {
		return reply
	}
	if !s.becomeFollowerLocked(args.Term) {
		return reply
	}
	reply.Term = s.ps.CurrentTerm
	s.leaderID = args.LeaderID
	s.resetElectionTimer()

	if args.LastIncludedIndex <= s.commitIndex {
		return reply
	}
	if err := s.persist.SaveSnapshot(args.Data, args.LastIncludedIndex, args.LastIncludedTerm); err != nil {
		s.markFatalLocked(err)
		return reply
	}

	// Keep the log suffix past the snapshot if it is consistent with
	// it, otherwise discard the log entirely.
	if args.LastIncludedIndex < s.lastIndexLocked() &&
		s.termAtLocked(args.LastIncludedIndex) == args.LastIncludedTerm {
		s.ps.Log = append([]LogEntry(nil), s.ps.Log[args.LastIncludedIndex-s.snapIndex:]...)
	} else {
		s.ps.Log = nil
	}
	s.snapIndex = args.LastIncludedIndex
	s.snapTerm = args.LastIncludedTerm
	if err := s.persist.SetEntries(s.ps.Log); err != nil {
		s.markFatalLocked(err)
		return reply
	}
	s.commitIndex = args.LastIncludedIndex
	s.pendingSnap = &ApplyMsg{
		SnapshotValid: true,
		Snapshot:      args.Data,
		SnapshotIndex: args.LastIncludedIndex,
		SnapshotTerm:  args.LastIncludedTerm,
	}
	s.logger.Info("snapshot installed", "id", s.id, "index", args.LastIncludedIndex, "term", args.LastIncludedTerm)
	s.signalApply()
	return reply
}

// applier delivers committed entries on the apply channel. Sends block
// until the consumer is ready so no committed entry is ever dropped.
func (s *Server) applier() {
	defer s.wg.Done()
	for {
		select {
		case <-s.applySignal:
		case <-s.stopCh:
			return
		}

		for {
			s.mu.Lock()
			if snap := s.pendingSnap; snap != nil {
				s.pendingSnap = nil
				if snap.SnapshotIndex > s.lastApplied {
					s.lastApplied = snap.SnapshotIndex
					s.mu.Unlock()
					select {
					case s.applyCh <- *snap:
					case <-s.stopCh:
						return
					}
					continue
				}
				s.mu.Unlock()
				continue
			}
			if s.lastApplied >= s.commitIndex {
				s.mu.Unlock()
				break
			}
			s.lastApplied++
			entry := s.ps.Log[s.lastApplied-s.snapIndex-1]
			msg := ApplyMsg{
				CommandValid: true,
				Command:      entry.Cmd,
				CommandIndex: entry.Index,
				CommandTerm:  entry.Term,
			}
			s.mu.Unlock()

			select {
			case s.applyCh <- msg:
			case <-s.stopCh:
				return
			}
		}
	}
}
