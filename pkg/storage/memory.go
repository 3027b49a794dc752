package storage

import (
	"sync"

	"github.com/lockd-io/lockd/pkg/raft"
)

// MemoryStorage is a raft.Storage kept entirely in memory. It survives a
// simulated restart (a new Server reading the same MemoryStorage) but
// not a real one; the in-process cluster harness and tests use it to
// avoid disk I/O.
type MemoryStorage struct {
	mu        sync.Mutex
	term      uint64
	votedFor  string
	entries   []raft.LogEntry
	snapshot  []byte
	snapIndex uint64
	snapTerm  uint64
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) SaveState(term uint64, votedFor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	m.votedFor = votedFor
	return nil
}

func (m *MemoryStorage) AppendEntry(entry raft.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryStorage) SetEntries(entries []raft.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]raft.LogEntry(nil), entries...)
	return nil
}

func (m *MemoryStorage) Load() (*raft.PersistentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &raft.PersistentState{
		CurrentTerm: m.term,
		VotedFor:    m.votedFor,
		Log:         append([]raft.LogEntry(nil), m.entries...),
	}, nil
}

func (m *MemoryStorage) SaveSnapshot(data []byte, lastIndex, lastTerm uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = append([]byte(nil), data...)
	m.snapIndex = lastIndex
	m.snapTerm = lastTerm
	return nil
}

func (m *MemoryStorage) LoadSnapshot() ([]byte, uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.snapshot...), m.snapIndex, m.snapTerm, nil
}

func (m *MemoryStorage) Close() error { return nil }
