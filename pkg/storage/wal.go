package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/lockd-io/lockd/pkg/raft"
)

// WAL is an append-only file of log entries. Each record is a
// length-prefixed gob blob so the file stays decodable across restarts,
// where a fresh encoder would otherwise restart the gob stream mid-file.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewWAL opens or creates the log file at path.
func NewWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, err
	}
	return &WAL{file: file, path: path}, nil
}

func writeRecord(w io.Writer, entry raft.LogEntry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return err
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(buf.Len()))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Append durably writes one entry to the end of the log.
func (w *WAL) Append(entry raft.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := writeRecord(w.file, entry); err != nil {
		return err
	}
	return w.file.Sync()
}

// Rewrite durably replaces the entire log with entries.
func (w *WAL) Rewrite(entries []raft.LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := writeRecord(w.file, entry); err != nil {
			return err
		}
	}
	return w.file.Sync()
}

// ReadAll decodes every record in the log. A truncated trailing record,
// left by a crash mid-append, is dropped rather than treated as
// corruption.
func (w *WAL) ReadAll() ([]raft.LogEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	defer w.file.Seek(0, io.SeekEnd)

	var entries []raft.LogEntry
	for {
		var size [4]byte
		if _, err := io.ReadFull(w.file, size[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return entries, nil
			}
			return nil, err
		}
		buf := make([]byte, binary.BigEndian.Uint32(size[:]))
		if _, err := io.ReadFull(w.file, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return entries, nil
			}
			return nil, err
		}
		var entry raft.LogEntry
		if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&entry); err != nil {
			return nil, fmt.Errorf("decode log record %d: %w", len(entries)+1, err)
		}
		entries = append(entries, entry)
	}
}

// Close closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
