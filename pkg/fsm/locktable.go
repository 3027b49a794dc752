package fsm

import (
	"bytes"
	"encoding/gob"
	"sort"
	"sync"
)

// Waiter is a pending lock request, queued in arrival order.
type Waiter struct {
	Client    string
	Mode      Mode
	RequestID string
	// Seq is the table-wide arrival number of this request. It advances
	// identically on every replica, so victim selection by "youngest"
	// is deterministic.
	Seq uint64
}

// lockRecord tracks one resource. Holders are either a single exclusive
// client or any number of shared ones; mode is the holders' mode.
type lockRecord struct {
	mode    Mode
	holders map[string]struct{}
	waiters []Waiter
}

func (r *lockRecord) empty() bool {
	return len(r.holders) == 0 && len(r.waiters) == 0
}

// Stats counts applied lock operations.
type Stats struct {
	Acquired uint64
	Released uint64
	Aborted  uint64
}

// LockStatus is a read-only view of one resource.
type LockStatus struct {
	Resource string
	Held     bool
	Mode     Mode
	Holders  []string
	Waiters  []Waiter
}

// LockTable is the lock state machine. All mutation goes through
// ApplyCommand (or Apply) with committed commands, never speculatively;
// reads take a separate read lock so status queries do not block the
// apply path.
type LockTable struct {
	mu      sync.RWMutex
	records map[string]*lockRecord
	seq     uint64
	stats   Stats
}

// NewLockTable returns an empty table.
func NewLockTable() *LockTable {
	return &LockTable{records: make(map[string]*lockRecord)}
}

// ApplyCommand interprets one committed command and returns what it
// produced.
func (t *LockTable) ApplyCommand(cmd Command) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch cmd.Op {
	case OpAcquire:
		return t.applyAcquire(cmd)
	case OpRelease:
		return t.applyRelease(cmd)
	case OpAbort:
		return t.applyAbort(cmd)
	default:
		return Result{Op: cmd.Op, Resource: cmd.Resource, Client: cmd.Client}
	}
}

// Apply implements FSM over the gob codec.
func (t *LockTable) Apply(command []byte) []byte {
	cmd, err := DecodeCommand(command)
	if err != nil {
		return nil
	}
	return EncodeResult(t.ApplyCommand(cmd))
}

func (t *LockTable) applyAcquire(cmd Command) Result {
	res := Result{Op: OpAcquire, Resource: cmd.Resource, Client: cmd.Client}
	rec, ok := t.records[cmd.Resource]
	if !ok {
		rec = &lockRecord{holders: make(map[string]struct{})}
		t.records[cmd.Resource] = rec
	}

	// Retried commands are no-ops: an existing holder is already
	// granted, an existing waiter stays queued once.
	if _, held := rec.holders[cmd.Client]; held {
		res.Granted = true
		return res
	}
	for _, w := range rec.waiters {
		if w.Client == cmd.Client {
			return res
		}
	}

	switch {
	case len(rec.holders) == 0:
		rec.mode = cmd.Mode
		rec.holders[cmd.Client] = struct{}{}
		res.Granted = true
		t.stats.Acquired++
	case cmd.Mode == Shared && rec.mode == Shared && len(rec.waiters) == 0:
		rec.holders[cmd.Client] = struct{}{}
		res.Granted = true
		t.stats.Acquired++
	default:
		t.seq++
		rec.waiters = append(rec.waiters, Waiter{
			Client:    cmd.Client,
			Mode:      cmd.Mode,
			RequestID: cmd.RequestID,
			Seq:       t.seq,
		})
	}
	return res
}

func (t *LockTable) applyRelease(cmd Command) Result {
	res := Result{Op: OpRelease, Resource: cmd.Resource, Client: cmd.Client}
	rec, ok := t.records[cmd.Resource]
	if !ok {
		return res
	}

	if _, held := rec.holders[cmd.Client]; held {
		delete(rec.holders, cmd.Client)
		t.stats.Released++
		res.Promoted = t.promote(cmd.Resource, rec)
	} else {
		rec.waiters = removeWaiter(rec.waiters, cmd.Client)
	}
	if rec.empty() {
		delete(t.records, cmd.Resource)
	}
	return res
}

func (t *LockTable) applyAbort(cmd Command) Result {
	res := Result{Op: OpAbort, Client: cmd.Client}

	resources := make([]string, 0, len(t.records))
	for name := range t.records {
		resources = append(resources, name)
	}
	sort.Strings(resources)

	removed := false
	for _, name := range resources {
		rec := t.records[name]
		if _, held := rec.holders[cmd.Client]; held {
			delete(rec.holders, cmd.Client)
			removed = true
			res.Promoted = append(res.Promoted, t.promote(name, rec)...)
		}
		if n := len(rec.waiters); n > 0 {
			rec.waiters = removeWaiter(rec.waiters, cmd.Client)
			if len(rec.waiters) < n {
				removed = true
			}
		}
		if rec.empty() {
			delete(t.records, name)
		}
	}
	if removed {
		t.stats.Aborted++
	}
	return res
}

// promote grants the maximal compatible prefix of the wait queue once
// the holders set is empty: one exclusive waiter, or the contiguous run
// of shared waiters at the front. FIFO order is never bypassed.
func (t *LockTable) promote(resource string, rec *lockRecord) []Grant {
	if len(rec.holders) != 0 || len(rec.waiters) == 0 {
		return nil
	}
	var grants []Grant
	if rec.waiters[0].Mode == Exclusive {
		w := rec.waiters[0]
		rec.waiters = rec.waiters[1:]
		rec.mode = Exclusive
		rec.holders[w.Client] = struct{}{}
		grants = append(grants, Grant{Resource: resource, Client: w.Client, Mode: Exclusive})
	} else {
		n := 0
		for n < len(rec.waiters) && rec.waiters[n].Mode == Shared {
			n++
		}
		rec.mode = Shared
		for _, w := range rec.waiters[:n] {
			rec.holders[w.Client] = struct{}{}
			grants = append(grants, Grant{Resource: resource, Client: w.Client, Mode: Shared})
		}
		rec.waiters = rec.waiters[n:]
	}
	t.stats.Acquired += uint64(len(grants))
	return grants
}

func removeWaiter(waiters []Waiter, client string) []Waiter {
	out := waiters[:0]
	for _, w := range waiters {
		if w.Client != client {
			out = append(out, w)
		}
	}
	return out
}

// Status reports the current state of one resource. A resource with no
// record is simply not held.
func (t *LockTable) Status(resource string) LockStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	status := LockStatus{Resource: resource}
	rec, ok := t.records[resource]
	if !ok {
		return status
	}
	status.Held = len(rec.holders) > 0
	status.Mode = rec.mode
	status.Holders = make([]string, 0, len(rec.holders))
	for c := range rec.holders {
		status.Holders = append(status.Holders, c)
	}
	sort.Strings(status.Holders)
	status.Waiters = append([]Waiter(nil), rec.waiters...)
	return status
}

// Stats returns the operation counters.
func (t *LockTable) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

// WaitGraph builds the wait-for graph from the live table: an edge from
// A to B means A is waiting on a resource held, or queued ahead, by B.
// waitSeq maps each waiting client to the highest arrival number among
// its pending requests, the detector's measure of "youngest". The graph
// is rebuilt from scratch on every call so no stale edge survives.
func (t *LockTable) WaitGraph() (edges map[string][]string, waitSeq map[string]uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	edges = make(map[string][]string)
	waitSeq = make(map[string]uint64)

	for _, rec := range t.records {
		for i, w := range rec.waiters {
			if w.Seq > waitSeq[w.Client] {
				waitSeq[w.Client] = w.Seq
			}
			seen := map[string]bool{w.Client: true}
			for holder := range rec.holders {
				if !seen[holder] {
					seen[holder] = true
					edges[w.Client] = append(edges[w.Client], holder)
				}
			}
			for _, ahead := range rec.waiters[:i] {
				if !seen[ahead.Client] {
					seen[ahead.Client] = true
					edges[w.Client] = append(edges[w.Client], ahead.Client)
				}
			}
		}
	}
	for client := range edges {
		sort.Strings(edges[client])
	}
	return edges, waitSeq
}

// tableSnapshot is the durable form of the table. Holders are flattened
// to sorted slices since gob cannot encode empty-struct sets.
type tableSnapshot struct {
	Records map[string]recordSnapshot
	Seq     uint64
	Stats   Stats
}

type recordSnapshot struct {
	Mode    Mode
	Holders []string
	Waiters []Waiter
}

// Snapshot serializes the full table state.
func (t *LockTable) Snapshot() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := tableSnapshot{
		Records: make(map[string]recordSnapshot, len(t.records)),
		Seq:     t.seq,
		Stats:   t.stats,
	}
	for name, rec := range t.records {
		holders := make([]string, 0, len(rec.holders))
		for c := range rec.holders {
			holders = append(holders, c)
		}
		sort.Strings(holders)
		snap.Records[name] = recordSnapshot{
			Mode:    rec.mode,
			Holders: holders,
			Waiters: append([]Waiter(nil), rec.waiters...),
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Restore replaces the table state with a snapshot.
func (t *LockTable) Restore(snapshot []byte) error {
	var snap tableSnapshot
	if err := gob.NewDecoder(bytes.NewReader(snapshot)).Decode(&snap); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]*lockRecord, len(snap.Records))
	for name, rs := range snap.Records {
		rec := &lockRecord{
			mode:    rs.Mode,
			holders: make(map[string]struct{}, len(rs.Holders)),
			waiters: append([]Waiter(nil), rs.Waiters...),
		}
		for _, c := range rs.Holders {
			rec.holders[c] = struct{}{}
		}
		t.records[name] = rec
	}
	t.seq = snap.Seq
	t.stats = snap.Stats
	return nil
}
