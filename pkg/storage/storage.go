// Package storage provides the durable backend for the consensus
// engine: a write-ahead log of entries, a small metadata record holding
// the current term and vote, and state machine snapshots. Everything is
// fsynced before the call returns, since the engine replies to RPCs only
// after its state is stable.
package storage

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lockd-io/lockd/pkg/raft"
)

type metaRecord struct {
	CurrentTerm uint64
	VotedFor    string
}

type snapshotRecord struct {
	LastIndex uint64
	LastTerm  uint64
	Data      []byte
}

// FileStorage implements raft.Storage on a data directory:
//
//	meta.dat      current term and vote
//	wal.log       the entry log
//	snapshot.dat  most recent state machine snapshot
type FileStorage struct {
	mu       sync.Mutex
	wal      *WAL
	metaPath string
	snapPath string
}

// NewFileStorage opens the storage under dataDir, creating it if needed.
func NewFileStorage(dataDir string) (*FileStorage, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	wal, err := NewWAL(filepath.Join(dataDir, "wal.log"))
	if err != nil {
		return nil, err
	}
	return &FileStorage{
		wal:      wal,
		metaPath: filepath.Join(dataDir, "meta.dat"),
		snapPath: filepath.Join(dataDir, "snapshot.dat"),
	}, nil
}

// writeAtomic replaces path with the gob encoding of v, via a synced
// temp file and rename, so a crash leaves either the old or the new
// record, never a partial one.
func writeAtomic(path string, v interface{}) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readRecord(path string, v interface{}) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer file.Close()
	if err := gob.NewDecoder(file).Decode(v); err != nil {
		return false, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// SaveState durably records the current term and vote.
func (s *FileStorage) SaveState(term uint64, votedFor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.metaPath, metaRecord{CurrentTerm: term, VotedFor: votedFor})
}

// AppendEntry durably appends one entry to the log.
func (s *FileStorage) AppendEntry(entry raft.LogEntry) error {
	return s.wal.Append(entry)
}

// SetEntries durably replaces the entire log.
func (s *FileStorage) SetEntries(entries []raft.LogEntry) error {
	return s.wal.Rewrite(entries)
}

// Load returns the persisted state, or an empty state for a fresh
// directory.
func (s *FileStorage) Load() (*raft.PersistentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta metaRecord
	if _, err := readRecord(s.metaPath, &meta); err != nil {
		return nil, err
	}
	entries, err := s.wal.ReadAll()
	if err != nil {
		return nil, err
	}
	return &raft.PersistentState{
		CurrentTerm: meta.CurrentTerm,
		VotedFor:    meta.VotedFor,
		Log:         entries,
	}, nil
}

// SaveSnapshot durably stores a state machine snapshot.
func (s *FileStorage) SaveSnapshot(data []byte, lastIndex, lastTerm uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.snapPath, snapshotRecord{
		LastIndex: lastIndex,
		LastTerm:  lastTerm,
		Data:      data,
	})
}

// LoadSnapshot returns the most recent snapshot. A missing snapshot is
// reported as a zero last index, not an error.
func (s *FileStorage) LoadSnapshot() ([]byte, uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap snapshotRecord
	ok, err := readRecord(s.snapPath, &snap)
	if err != nil {
		return nil, 0, 0, err
	}
	if !ok {
		return nil, 0, 0, nil
	}
	return snap.Data, snap.LastIndex, snap.LastTerm, nil
}

// Close releases the underlying files.
func (s *FileStorage) Close() error {
	return s.wal.Close()
}
