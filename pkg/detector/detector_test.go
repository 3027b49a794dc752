package detector

import (
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/lockd-io/lockd/pkg/fsm"
	"github.com/lockd-io/lockd/pkg/logging"
)

// tableSource wraps a live lock table and applies aborts back to it, so
// repeated passes see the effect of each victim removal.
type tableSource struct {
	table *fsm.LockTable
}

func (s *tableSource) WaitGraph() (map[string][]string, map[string]uint64) {
	return s.table.WaitGraph()
}

type recordingProposer struct {
	table   *fsm.LockTable
	leader  bool
	aborted []string
}

func (p *recordingProposer) IsLeader() bool { return p.leader }

func (p *recordingProposer) ProposeAbort(client, reason string) error {
	p.aborted = append(p.aborted, client)
	p.table.ApplyCommand(fsm.Command{Op: fsm.OpAbort, Client: client, Reason: reason})
	return nil
}

func buildCycle(t *testing.T, table *fsm.LockTable) {
	t.Helper()
	steps := []fsm.Command{
		{Op: fsm.OpAcquire, Resource: "r1", Client: "c1", Mode: fsm.Exclusive},
		{Op: fsm.OpAcquire, Resource: "r2", Client: "c2", Mode: fsm.Exclusive},
		{Op: fsm.OpAcquire, Resource: "r2", Client: "c1", Mode: fsm.Exclusive},
		{Op: fsm.OpAcquire, Resource: "r1", Client: "c2", Mode: fsm.Exclusive},
	}
	for _, cmd := range steps {
		table.ApplyCommand(cmd)
	}
}

func TestFindCycleDetectsTwoCycle(t *testing.T) {
	edges := map[string][]string{
		"c1": {"c2"},
		"c2": {"c1"},
		"c3": {"c1"},
	}
	cycle := findCycle(edges)
	sort.Strings(cycle)
	if !reflect.DeepEqual(cycle, []string{"c1", "c2"}) {
		t.Fatalf("expected cycle {c1, c2}, got %v", cycle)
	}
}

func TestFindCycleIgnoresAcyclicGraph(t *testing.T) {
	edges := map[string][]string{
		"c1": {"c2"},
		"c2": {"c3"},
		"c3": {},
	}
	if cycle := findCycle(edges); cycle != nil {
		t.Fatalf("acyclic graph produced cycle %v", cycle)
	}
}

func TestFindCycleInLargerGraph(t *testing.T) {
	// c2 -> c3 -> c4 -> c2 is the only cycle; c1 dangles into it.
	edges := map[string][]string{
		"c1": {"c2"},
		"c2": {"c3"},
		"c3": {"c4"},
		"c4": {"c2"},
	}
	cycle := findCycle(edges)
	sort.Strings(cycle)
	if !reflect.DeepEqual(cycle, []string{"c2", "c3", "c4"}) {
		t.Fatalf("expected cycle {c2, c3, c4}, got %v", cycle)
	}
}

func TestSelectVictimYoungest(t *testing.T) {
	waitSeq := map[string]uint64{"c1": 3, "c2": 7, "c3": 5}
	if v := selectVictim([]string{"c1", "c2", "c3"}, waitSeq); v != "c2" {
		t.Fatalf("youngest waiter is c2, got %s", v)
	}
}

func TestRunOnceBreaksDeadlock(t *testing.T) {
	table := fsm.NewLockTable()
	buildCycle(t, table)

	proposer := &recordingProposer{table: table, leader: true}
	d := New(&tableSource{table}, proposer, time.Hour, logging.Nop())

	victims := d.RunOnce()
	if len(victims) != 1 {
		t.Fatalf("exactly one victim should break a two-cycle, got %v", victims)
	}
	// c2's wait arrived last, so it is the youngest.
	if victims[0] != "c2" {
		t.Fatalf("expected victim c2, got %s", victims[0])
	}
	if edges, _ := table.WaitGraph(); findCycle(edges) != nil {
		t.Fatal("cycle should be gone after the abort")
	}
	// The survivor now holds both resources.
	if !reflect.DeepEqual(table.Status("r2").Holders, []string{"c1"}) {
		t.Fatalf("c1 should have been promoted on r2, got %+v", table.Status("r2"))
	}
}

func TestRunOnceResolvesChainedCycles(t *testing.T) {
	table := fsm.NewLockTable()
	buildCycle(t, table)
	// A second independent cycle on r3/r4.
	for _, cmd := range []fsm.Command{
		{Op: fsm.OpAcquire, Resource: "r3", Client: "c5", Mode: fsm.Exclusive},
		{Op: fsm.OpAcquire, Resource: "r4", Client: "c6", Mode: fsm.Exclusive},
		{Op: fsm.OpAcquire, Resource: "r4", Client: "c5", Mode: fsm.Exclusive},
		{Op: fsm.OpAcquire, Resource: "r3", Client: "c6", Mode: fsm.Exclusive},
	} {
		table.ApplyCommand(cmd)
	}

	proposer := &recordingProposer{table: table, leader: true}
	d := New(&tableSource{table}, proposer, time.Hour, logging.Nop())
	victims := d.RunOnce()
	if len(victims) != 2 {
		t.Fatalf("two independent cycles need two victims, got %v", victims)
	}
	if edges, _ := table.WaitGraph(); findCycle(edges) != nil {
		t.Fatal("all cycles should be resolved in one pass")
	}
}

func TestDetectionLoopSkipsFollowers(t *testing.T) {
	table := fsm.NewLockTable()
	buildCycle(t, table)

	proposer := &recordingProposer{table: table, leader: false}
	d := New(&tableSource{table}, proposer, 5*time.Millisecond, logging.Nop())
	d.Start()
	time.Sleep(50 * time.Millisecond)
	d.Stop()

	if len(proposer.aborted) != 0 {
		t.Fatalf("a follower must never abort, got %v", proposer.aborted)
	}
}

func TestDetectionLoopAbortsOnLeader(t *testing.T) {
	table := fsm.NewLockTable()
	buildCycle(t, table)

	proposer := &recordingProposer{table: table, leader: true}
	d := New(&tableSource{table}, proposer, 5*time.Millisecond, logging.Nop())
	d.Start()
	defer d.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if edges, _ := table.WaitGraph(); findCycle(edges) == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("deadlock not resolved within one second")
}
