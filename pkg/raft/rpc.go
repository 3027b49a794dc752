package raft

// RequestVoteArgs is sent by candidates to gather votes.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply answers a vote request.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs carries log entries from the leader, or serves as a
// heartbeat when Entries is empty.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
}

// AppendEntriesReply answers a replication request. MatchIndex reports
// the highest log index known to match the leader, letting the leader
// advance nextIndex without probing one entry at a time on success.
type AppendEntriesReply struct {
	Term       uint64
	Success    bool
	MatchIndex uint64
}

// InstallSnapshotArgs replaces a lagging follower's state wholesale.
type InstallSnapshotArgs struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// InstallSnapshotReply answers a snapshot install.
type InstallSnapshotReply struct {
	Term uint64
}
