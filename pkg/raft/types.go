package raft

// Role identifies the consensus role of a node.
type Role uint8

const (
	// Follower is the initial role of every node.
	Follower Role = iota
	// Candidate is a node running an election.
	Candidate
	// Leader is the single node per term that accepts commands.
	Leader
)

// String returns the lowercase role name.
func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// LogEntry is a single replicated log entry. Indexes are 1-based and
// contiguous.
type LogEntry struct {
	Index uint64
	Term  uint64
	Cmd   []byte
}

// PersistentState is the state that must survive a crash-restart:
// the current term, the vote cast in that term, and the log itself.
type PersistentState struct {
	CurrentTerm uint64
	VotedFor    string
	Log         []LogEntry
}

// LeaderState is the per-follower replication bookkeeping, reinitialized
// on every election win.
type LeaderState struct {
	NextIndex  map[string]uint64
	MatchIndex map[string]uint64
}

// ApplyMsg is delivered on the apply channel once for every committed
// entry, in strict index order. Snapshot messages replace all state up
// to SnapshotIndex.
type ApplyMsg struct {
	CommandValid bool
	Command      []byte
	CommandIndex uint64
	CommandTerm  uint64

	SnapshotValid bool
	Snapshot      []byte
	SnapshotIndex uint64
	SnapshotTerm  uint64
}

// Storage is the durable state backend. SaveState must reach stable
// storage before the node answers any RPC that depends on it.
type Storage interface {
	// SaveState durably records the current term and vote.
	SaveState(term uint64, votedFor string) error
	// AppendEntry durably appends a single log entry.
	AppendEntry(entry LogEntry) error
	// SetEntries durably replaces the entire log, used after truncation.
	SetEntries(entries []LogEntry) error
	// Load returns the persisted state, or an empty state if none exists.
	Load() (*PersistentState, error)
	// SaveSnapshot durably stores a state machine snapshot.
	SaveSnapshot(data []byte, lastIndex, lastTerm uint64) error
	// LoadSnapshot returns the most recent snapshot, if any.
	LoadSnapshot() (data []byte, lastIndex, lastTerm uint64, err error)
	Close() error
}

// Transport sends RPCs to peers. Implementations must be safe for
// concurrent use.
type Transport interface {
	RequestVote(peerID string, args *RequestVoteArgs) (*RequestVoteReply, error)
	AppendEntries(peerID string, args *AppendEntriesArgs) (*AppendEntriesReply, error)
	InstallSnapshot(peerID string, args *InstallSnapshotArgs) (*InstallSnapshotReply, error)
}

// RPCHandler is the server side of Transport: incoming RPCs are delivered
// here by the transport's listener.
type RPCHandler interface {
	HandleRequestVote(args *RequestVoteArgs) *RequestVoteReply
	HandleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply
	HandleInstallSnapshot(args *InstallSnapshotArgs) *InstallSnapshotReply
}

// Logger is the minimal logging interface the consensus engine needs.
// github.com/lockd-io/lockd/pkg/logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, kv ...interface{}) {}
func (nopLogger) Info(msg string, kv ...interface{})  {}
func (nopLogger) Warn(msg string, kv ...interface{})  {}
func (nopLogger) Error(msg string, kv ...interface{}) {}
