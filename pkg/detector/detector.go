// Package detector finds and breaks deadlocks. It periodically derives
// the wait-for graph from the lock table, searches it for cycles and
// proposes the abort of one victim per cycle through consensus. Only the
// leader runs a pass, so no two nodes pick victims for the same cycle.
package detector

import (
	"sort"
	"sync"
	"time"
)

// Source provides the wait-for graph of the current lock state.
type Source interface {
	WaitGraph() (edges map[string][]string, waitSeq map[string]uint64)
}

// Proposer submits a victim abort through the consensus log and reports
// whether this node may run detection at all.
type Proposer interface {
	IsLeader() bool
	ProposeAbort(client, reason string) error
}

// Logger is the subset of the logging interface the detector uses.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
}

// DefaultInterval is how often a pass runs unless configured otherwise.
const DefaultInterval = time.Second

// Detector drives the periodic detection loop.
type Detector struct {
	source   Source
	proposer Proposer
	interval time.Duration
	logger   Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a detector. A zero interval selects DefaultInterval.
func New(source Source, proposer Proposer, interval time.Duration, logger Logger) *Detector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Detector{
		source:   source,
		proposer: proposer,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the detection loop.
func (d *Detector) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop halts the loop. Safe to call more than once.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Detector) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if d.proposer.IsLeader() {
				d.RunOnce()
			}
		case <-d.stopCh:
			return
		}
	}
}

// RunOnce performs a single detection pass: find a cycle, abort its
// victim, rebuild the graph and repeat, since breaking one cycle can
// resolve or reveal others. Returns the victims aborted in this pass.
func (d *Detector) RunOnce() []string {
	var victims []string
	for {
		edges, waitSeq := d.source.WaitGraph()
		cycle := findCycle(edges)
		if len(cycle) == 0 {
			return victims
		}
		victim := selectVictim(cycle, waitSeq)
		d.logger.Warn("deadlock detected",
			"cycle", cycle,
			"victim", victim)
		if err := d.proposer.ProposeAbort(victim, "deadlock"); err != nil {
			// Likely a leadership change mid-pass; the next leader's
			// pass will see the cycle again.
			d.logger.Debug("abort proposal failed", "victim", victim, "error", err)
			return victims
		}
		victims = append(victims, victim)
	}
}

// findCycle runs a depth-first search with a recursion-stack membership
// test over the adjacency map and returns the members of the first cycle
// found, or nil. Start nodes are visited in sorted order so repeated
// passes over the same graph find the same cycle.
func findCycle(edges map[string][]string) []string {
	nodes := make([]string, 0, len(edges))
	for n := range edges {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	visited := make(map[string]bool, len(edges))
	onStack := make(map[string]bool, len(edges))
	var stack []string

	var dfs func(node string) []string
	dfs = func(node string) []string {
		visited[node] = true
		onStack[node] = true
		stack = append(stack, node)
		for _, next := range edges[node] {
			if onStack[next] {
				// Unwind the stack to the point where the cycle closes.
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						return append([]string(nil), stack[i:]...)
					}
				}
			}
			if !visited[next] {
				if cycle := dfs(next); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		onStack[node] = false
		return nil
	}

	for _, n := range nodes {
		if !visited[n] {
			if cycle := dfs(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// selectVictim picks the youngest member of the cycle: the client whose
// waiting request arrived last. Ties cannot occur since arrival numbers
// are unique.
func selectVictim(cycle []string, waitSeq map[string]uint64) string {
	victim := cycle[0]
	for _, c := range cycle[1:] {
		if waitSeq[c] > waitSeq[victim] {
			victim = c
		}
	}
	return victim
}
