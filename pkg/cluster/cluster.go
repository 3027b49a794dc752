// Package cluster runs a full lockd cluster inside one process, wired
// over the in-process transport fabric. The integration tests and local
// experiments use it to exercise elections, replication, failover and
// deadlock resolution without sockets or disks.
package cluster

import (
	"errors"
	"fmt"
	"time"

	"github.com/lockd-io/lockd/pkg/detector"
	"github.com/lockd-io/lockd/pkg/fsm"
	"github.com/lockd-io/lockd/pkg/lockserver"
	"github.com/lockd-io/lockd/pkg/logging"
	"github.com/lockd-io/lockd/pkg/raft"
	"github.com/lockd-io/lockd/pkg/storage"
	"github.com/lockd-io/lockd/pkg/transport"
)

// ErrNoLeader is returned when no node claims leadership in time.
var ErrNoLeader = errors.New("cluster: no leader elected")

// ErrSplitLeader is returned when two connected nodes claim the same
// term.
var ErrSplitLeader = errors.New("cluster: multiple leaders in one term")

// Options configures a test cluster. Zero values select defaults tuned
// for fast tests.
type Options struct {
	Nodes              int
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	DetectInterval     time.Duration
	CommitTimeout      time.Duration
	SnapshotThreshold  uint64
	Logger             logging.Logger
}

func (o *Options) defaults() {
	if o.Nodes <= 0 {
		o.Nodes = 3
	}
	if o.ElectionTimeoutMin <= 0 {
		o.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if o.ElectionTimeoutMax <= 0 {
		o.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 50 * time.Millisecond
	}
	if o.DetectInterval <= 0 {
		o.DetectInterval = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
}

// Node is one member of the in-process cluster.
type Node struct {
	ID       string
	Raft     *raft.Server
	Lock     *lockserver.Server
	Table    *fsm.LockTable
	Detector *detector.Detector
	Storage  *storage.MemoryStorage

	running bool
}

// Cluster holds the fabric and all members.
type Cluster struct {
	Network *transport.Network
	Nodes   map[string]*Node
	opts    Options
	order   []string
}

// New builds and starts a cluster.
func New(opts Options) (*Cluster, error) {
	opts.defaults()
	c := &Cluster{
		Network: transport.NewNetwork(),
		Nodes:   make(map[string]*Node, opts.Nodes),
		opts:    opts,
	}
	for i := 1; i <= opts.Nodes; i++ {
		id := fmt.Sprintf("node%d", i)
		c.order = append(c.order, id)
		c.Nodes[id] = &Node{ID: id, Storage: storage.NewMemoryStorage()}
	}
	for _, id := range c.order {
		if err := c.startNode(id); err != nil {
			c.Stop()
			return nil, err
		}
	}
	return c, nil
}

func (c *Cluster) peersOf(id string) []string {
	peers := make([]string, 0, len(c.order)-1)
	for _, other := range c.order {
		if other != id {
			peers = append(peers, other)
		}
	}
	return peers
}

// startNode builds the node's full stack on its existing storage and
// binds it to the fabric.
func (c *Cluster) startNode(id string) error {
	node := c.Nodes[id]
	cfg := &raft.Config{
		ID:                 id,
		Peers:              c.peersOf(id),
		ElectionTimeoutMin: c.opts.ElectionTimeoutMin,
		ElectionTimeoutMax: c.opts.ElectionTimeoutMax,
		HeartbeatInterval:  c.opts.HeartbeatInterval,
		Logger:             c.opts.Logger.WithFields("node", id),
	}
	endpoint := c.Network.Join(id)
	applyCh := make(chan raft.ApplyMsg, 64)
	rs, err := raft.NewServer(cfg, node.Storage, endpoint, applyCh)
	if err != nil {
		return err
	}
	table := fsm.NewLockTable()
	ls := lockserver.NewServer(id, rs, table, applyCh, lockserver.Config{
		CommitTimeout:     c.opts.CommitTimeout,
		SnapshotThreshold: c.opts.SnapshotThreshold,
		Logger:            c.opts.Logger.WithFields("node", id),
	})
	det := detector.New(table, ls, c.opts.DetectInterval, c.opts.Logger.WithFields("node", id))

	c.Network.Bind(id, rs)
	node.Raft = rs
	node.Lock = ls
	node.Table = table
	node.Detector = det
	node.running = true

	rs.Start()
	ls.Start()
	det.Start()
	return nil
}

// Crash stops a node and cuts it off the fabric. Its storage survives
// for Restart.
func (c *Cluster) Crash(id string) {
	node := c.Nodes[id]
	if node == nil || !node.running {
		return
	}
	c.Network.Disconnect(id)
	node.Detector.Stop()
	node.Raft.Stop()
	node.Lock.Stop()
	node.running = false
}

// Restart rebuilds a crashed node from its surviving storage and
// reconnects it.
func (c *Cluster) Restart(id string) error {
	node := c.Nodes[id]
	if node == nil || node.running {
		return nil
	}
	if err := c.startNode(id); err != nil {
		return err
	}
	c.Network.Reconnect(id)
	return nil
}

// Disconnect isolates a node without stopping it.
func (c *Cluster) Disconnect(id string) {
	c.Network.Disconnect(id)
}

// Reconnect reverses Disconnect.
func (c *Cluster) Reconnect(id string) {
	c.Network.Reconnect(id)
}

// Stop shuts down every running node.
func (c *Cluster) Stop() {
	for _, id := range c.order {
		node := c.Nodes[id]
		if node == nil || !node.running {
			continue
		}
		node.Detector.Stop()
		node.Raft.Stop()
		node.Lock.Stop()
		node.running = false
	}
}

// Leader returns the running node currently claiming leadership, or
// nil.
func (c *Cluster) Leader() *Node {
	for _, id := range c.order {
		node := c.Nodes[id]
		if node == nil || !node.running {
			continue
		}
		if _, isLeader := node.Raft.GetState(); isLeader {
			return node
		}
	}
	return nil
}

// WaitForLeader blocks until some node wins an election.
func (c *Cluster) WaitForLeader(timeout time.Duration) (*Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.Leader(); leader != nil {
			return leader, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, ErrNoLeader
}

// CheckSingleLeader verifies that exactly one running, connected node
// claims leadership and returns it with its term.
func (c *Cluster) CheckSingleLeader(timeout time.Duration) (*Node, uint64, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var leader *Node
		var leaderTerm uint64
		split := false
		for _, id := range c.order {
			node := c.Nodes[id]
			if node == nil || !node.running {
				continue
			}
			term, isLeader := node.Raft.GetState()
			if !isLeader {
				continue
			}
			if leader != nil && leaderTerm == term {
				split = true
				break
			}
			if leader == nil || term > leaderTerm {
				leader = node
				leaderTerm = term
			}
		}
		if split {
			return nil, 0, ErrSplitLeader
		}
		if leader != nil {
			return leader, leaderTerm, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil, 0, ErrNoLeader
}
