package cluster

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/uuid"

	"github.com/lockd-io/lockd/pkg/lockserver"
)

func newCluster(t *testing.T, opts Options) *Cluster {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func leaderOf(t *testing.T, c *Cluster) *Node {
	t.Helper()
	leader, err := c.WaitForLeader(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return leader
}

func acquireOn(t *testing.T, n *Node, resource, client string, exclusive bool, wait time.Duration) lockserver.Status {
	t.Helper()
	args := &lockserver.AcquireArgs{
		Resource:   resource,
		Client:     client,
		RequestID:  uuid.NewString(),
		Exclusive:  exclusive,
		WaitMillis: wait.Milliseconds(),
	}
	var reply lockserver.AcquireReply
	if err := n.Lock.Acquire(args, &reply); err != nil {
		t.Fatalf("acquire %s/%s: %v", resource, client, err)
	}
	return reply.Status
}

func releaseOn(t *testing.T, n *Node, resource, client string) lockserver.Status {
	t.Helper()
	args := &lockserver.ReleaseArgs{Resource: resource, Client: client, RequestID: uuid.NewString()}
	var reply lockserver.ReleaseReply
	if err := n.Lock.Release(args, &reply); err != nil {
		t.Fatalf("release %s/%s: %v", resource, client, err)
	}
	return reply.Status
}

func TestElectionSafety(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()
	c, err := New(Options{Nodes: 3})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	if _, _, err := c.CheckSingleLeader(5 * time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	c := newCluster(t, Options{Nodes: 3})
	leader := leaderOf(t, c)

	if got := acquireOn(t, leader, "jobs/1", "alice", true, 0); got != lockserver.StatusGranted {
		t.Fatalf("acquire: %v", got)
	}

	var status lockserver.StatusReply
	if err := leader.Lock.Status(&lockserver.StatusArgs{Resource: "jobs/1"}, &status); err != nil {
		t.Fatal(err)
	}
	if !status.Held || !status.Exclusive || len(status.Holders) != 1 || status.Holders[0] != "alice" {
		t.Fatalf("unexpected status: %+v", status)
	}

	if got := releaseOn(t, leader, "jobs/1", "alice"); got != lockserver.StatusOK {
		t.Fatalf("release: %v", got)
	}
	if err := leader.Lock.Status(&lockserver.StatusArgs{Resource: "jobs/1"}, &status); err != nil {
		t.Fatal(err)
	}
	if status.Held {
		t.Fatalf("lock should be free after release: %+v", status)
	}
}

func TestFollowerRejectsWrites(t *testing.T) {
	c := newCluster(t, Options{Nodes: 3})
	leader := leaderOf(t, c)

	for id, node := range c.Nodes {
		if id == leader.ID {
			continue
		}
		args := &lockserver.AcquireArgs{Resource: "r", Client: "c", RequestID: uuid.NewString()}
		var reply lockserver.AcquireReply
		if err := node.Lock.Acquire(args, &reply); err != nil {
			t.Fatal(err)
		}
		if reply.Status != lockserver.StatusNotLeader {
			t.Fatalf("follower %s accepted a write: %v", id, reply.Status)
		}
		if reply.LeaderHint != leader.ID {
			t.Fatalf("follower %s hinted %q, want %q", id, reply.LeaderHint, leader.ID)
		}
	}
}

func TestSharedHoldersCoexistExclusiveWaits(t *testing.T) {
	c := newCluster(t, Options{Nodes: 3})
	leader := leaderOf(t, c)

	if got := acquireOn(t, leader, "cfg", "reader1", false, 0); got != lockserver.StatusGranted {
		t.Fatalf("reader1: %v", got)
	}
	if got := acquireOn(t, leader, "cfg", "reader2", false, 0); got != lockserver.StatusGranted {
		t.Fatalf("reader2 should share: %v", got)
	}
	if got := acquireOn(t, leader, "cfg", "writer", true, 0); got != lockserver.StatusTimeout {
		t.Fatalf("writer should queue: %v", got)
	}
}

func TestWaiterGrantedOnRelease(t *testing.T) {
	c := newCluster(t, Options{Nodes: 3})
	leader := leaderOf(t, c)

	if got := acquireOn(t, leader, "db", "first", true, 0); got != lockserver.StatusGranted {
		t.Fatal("first acquire should grant")
	}

	result := make(chan lockserver.Status, 1)
	go func() {
		result <- acquireOn(t, leader, "db", "second", true, 5*time.Second)
	}()

	// Give the second request time to commit and queue.
	time.Sleep(300 * time.Millisecond)
	if got := releaseOn(t, leader, "db", "first"); got != lockserver.StatusOK {
		t.Fatalf("release: %v", got)
	}

	select {
	case got := <-result:
		if got != lockserver.StatusGranted {
			t.Fatalf("waiter should be granted after release, got %v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestSharedRunPromotedTogether(t *testing.T) {
	c := newCluster(t, Options{Nodes: 3})
	leader := leaderOf(t, c)

	acquireOn(t, leader, "file", "writer", true, 0)
	r1 := make(chan lockserver.Status, 1)
	r2 := make(chan lockserver.Status, 1)
	go func() { r1 <- acquireOn(t, leader, "file", "readerA", false, 5*time.Second) }()
	go func() { r2 <- acquireOn(t, leader, "file", "readerB", false, 5*time.Second) }()

	time.Sleep(300 * time.Millisecond)
	releaseOn(t, leader, "file", "writer")

	for i, ch := range []chan lockserver.Status{r1, r2} {
		select {
		case got := <-ch:
			if got != lockserver.StatusGranted {
				t.Fatalf("reader %d not granted: %v", i, got)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("reader %d never woke up", i)
		}
	}

	var status lockserver.StatusReply
	if err := leader.Lock.Status(&lockserver.StatusArgs{Resource: "file"}, &status); err != nil {
		t.Fatal(err)
	}
	if len(status.Holders) != 2 || status.Exclusive {
		t.Fatalf("both readers should hold shared, got %+v", status)
	}
}

func TestDeadlockResolved(t *testing.T) {
	c := newCluster(t, Options{Nodes: 3, DetectInterval: 50 * time.Millisecond})
	leader := leaderOf(t, c)

	if acquireOn(t, leader, "r1", "c1", true, 0) != lockserver.StatusGranted {
		t.Fatal("c1 should hold r1")
	}
	if acquireOn(t, leader, "r2", "c2", true, 0) != lockserver.StatusGranted {
		t.Fatal("c2 should hold r2")
	}

	// Cross-acquire to form the cycle.
	c1Result := make(chan lockserver.Status, 1)
	c2Result := make(chan lockserver.Status, 1)
	go func() { c1Result <- acquireOn(t, leader, "r2", "c1", true, 10*time.Second) }()
	go func() { c2Result <- acquireOn(t, leader, "r1", "c2", true, 10*time.Second) }()

	var outcomes []lockserver.Status
	for i := 0; i < 2; i++ {
		select {
		case got := <-c1Result:
			outcomes = append(outcomes, got)
		case got := <-c2Result:
			outcomes = append(outcomes, got)
		case <-time.After(10 * time.Second):
			t.Fatal("deadlock never resolved")
		}
	}

	var aborted, granted int
	for _, got := range outcomes {
		switch got {
		case lockserver.StatusAborted:
			aborted++
		case lockserver.StatusGranted:
			granted++
		}
	}
	if aborted != 1 || granted != 1 {
		t.Fatalf("want exactly one victim and one survivor, got %v", outcomes)
	}

	var state lockserver.StateReply
	if err := leader.Lock.State(&lockserver.StateArgs{}, &state); err != nil {
		t.Fatal(err)
	}
	if state.ClientsAborted != 1 {
		t.Fatalf("abort counter should be 1, got %d", state.ClientsAborted)
	}
}

func TestStaleReadsFromFollower(t *testing.T) {
	c := newCluster(t, Options{Nodes: 3})
	leader := leaderOf(t, c)
	acquireOn(t, leader, "r1", "c1", true, 0)

	var follower *Node
	for id, node := range c.Nodes {
		if id != leader.ID {
			follower = node
			break
		}
	}

	var reply lockserver.StatusReply
	if err := follower.Lock.Status(&lockserver.StatusArgs{Resource: "r1"}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Status != lockserver.StatusNotLeader {
		t.Fatalf("linearizable read on a follower must redirect, got %v", reply.Status)
	}

	// With stale reads allowed the follower answers from local state,
	// which catches up with replication.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := follower.Lock.Status(&lockserver.StatusArgs{Resource: "r1", AllowStale: true}, &reply); err != nil {
			t.Fatal(err)
		}
		if reply.Status == lockserver.StatusOK && reply.Held {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("follower never observed the replicated lock")
}

func TestLockSurvivesLeaderCrash(t *testing.T) {
	c := newCluster(t, Options{Nodes: 3})
	leader := leaderOf(t, c)
	if acquireOn(t, leader, "r1", "c1", true, 0) != lockserver.StatusGranted {
		t.Fatal("acquire should grant")
	}

	c.Crash(leader.ID)
	next, err := c.WaitForLeader(5 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if next.ID == leader.ID {
		t.Fatal("crashed node cannot be leader")
	}

	var reply lockserver.StatusReply
	if err := next.Lock.Status(&lockserver.StatusArgs{Resource: "r1"}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Status != lockserver.StatusOK || !reply.Held || reply.Holders[0] != "c1" {
		t.Fatalf("granted lock lost across failover: %+v", reply)
	}
}

func TestUncommittedAcquireNotVisible(t *testing.T) {
	c := newCluster(t, Options{Nodes: 3, CommitTimeout: 500 * time.Millisecond})
	leader := leaderOf(t, c)

	// Cut the leader off from both followers: its append can never
	// reach a majority.
	for id := range c.Nodes {
		if id != leader.ID {
			c.Disconnect(id)
		}
	}

	if got := acquireOn(t, leader, "r1", "c1", true, 0); got != lockserver.StatusTimeout {
		t.Fatalf("unreplicated acquire must not report success, got %v", got)
	}
	for id, node := range c.Nodes {
		if node.Table.Status("r1").Held {
			t.Fatalf("%s applied an uncommitted entry", id)
		}
	}
}

func TestNodeRestartRejoins(t *testing.T) {
	c := newCluster(t, Options{Nodes: 3})
	leader := leaderOf(t, c)
	acquireOn(t, leader, "r1", "c1", true, 0)

	var follower string
	for id := range c.Nodes {
		if id != leader.ID {
			follower = id
			break
		}
	}
	c.Crash(follower)
	if err := c.Restart(follower); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.Nodes[follower].Table.Status("r1").Held {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("restarted node never replayed the committed lock")
}

func TestSnapshotThresholdCompactsLog(t *testing.T) {
	c := newCluster(t, Options{Nodes: 3, SnapshotThreshold: 5})
	leader := leaderOf(t, c)

	for i := 0; i < 12; i++ {
		res := "res" + string(rune('a'+i))
		if acquireOn(t, leader, res, "c1", true, 0) != lockserver.StatusGranted {
			t.Fatalf("acquire %s failed", res)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var state lockserver.StateReply
		if err := leader.Lock.State(&lockserver.StateArgs{}, &state); err != nil {
			t.Fatal(err)
		}
		if state.SnapshotIndex > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("log was never compacted despite crossing the threshold")
}
