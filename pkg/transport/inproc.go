package transport

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/lockd-io/lockd/pkg/raft"
)

var (
	errPartitioned = errors.New("transport: network partition")
	errDropped     = errors.New("transport: message dropped")
	errUnknownPeer = errors.New("transport: unknown peer")
)

// Network is an in-process RPC fabric connecting any number of nodes.
// It supports the fault injection the cluster tests need: isolating
// nodes, dropping a fraction of messages and adding delivery delay.
type Network struct {
	mu       sync.Mutex
	handlers map[string]raft.RPCHandler
	isolated map[string]bool
	dropRate float64
	delayMin time.Duration
	delayMax time.Duration
	rng      *rand.Rand
}

// NewNetwork returns an empty fabric.
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]raft.RPCHandler),
		isolated: make(map[string]bool),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Join adds a node to the fabric and returns its transport endpoint.
// RPCs to the node fail until Bind attaches its handler.
func (n *Network) Join(id string) *NodeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = nil
	return &NodeTransport{net: n, id: id}
}

// Bind attaches, or replaces, the handler receiving a node's incoming
// RPCs. Replacing supports a simulated crash-restart.
func (n *Network) Bind(id string, handler raft.RPCHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = handler
}

// Disconnect isolates a node: every message to or from it fails until
// Reconnect.
func (n *Network) Disconnect(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[id] = true
}

// Reconnect reverses Disconnect.
func (n *Network) Reconnect(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, id)
}

// SetDropRate drops the given fraction of messages, in [0, 1].
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

// SetDelay adds a uniform random delivery delay in [min, max].
func (n *Network) SetDelay(min, max time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delayMin = min
	n.delayMax = max
}

// deliver runs the shared fault checks and returns the target handler.
func (n *Network) deliver(from, to string) (raft.RPCHandler, error) {
	n.mu.Lock()
	handler, ok := n.handlers[to]
	cut := n.isolated[from] || n.isolated[to]
	var delay time.Duration
	if n.delayMax > n.delayMin {
		delay = n.delayMin + time.Duration(n.rng.Int63n(int64(n.delayMax-n.delayMin)))
	} else {
		delay = n.delayMin
	}
	dropped := n.dropRate > 0 && n.rng.Float64() < n.dropRate
	n.mu.Unlock()

	if !ok || handler == nil {
		return nil, errUnknownPeer
	}
	if cut {
		return nil, errPartitioned
	}
	if dropped {
		return nil, errDropped
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return handler, nil
}

// NodeTransport is one node's view of the fabric. It implements
// raft.Transport.
type NodeTransport struct {
	net *Network
	id  string
}

func (t *NodeTransport) RequestVote(peerID string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	h, err := t.net.deliver(t.id, peerID)
	if err != nil {
		return nil, err
	}
	return h.HandleRequestVote(args), nil
}

func (t *NodeTransport) AppendEntries(peerID string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	h, err := t.net.deliver(t.id, peerID)
	if err != nil {
		return nil, err
	}
	return h.HandleAppendEntries(args), nil
}

func (t *NodeTransport) InstallSnapshot(peerID string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	h, err := t.net.deliver(t.id, peerID)
	if err != nil {
		return nil, err
	}
	return h.HandleInstallSnapshot(args), nil
}
