// Package transport carries consensus RPCs between nodes. TCPTransport
// speaks net/rpc over TCP for real deployments; Network is an in-process
// fabric with fault injection for tests.
package transport

import (
	"errors"
	"net"
	"net/rpc"
	"sync"

	"github.com/lockd-io/lockd/pkg/raft"
)

// ErrNoHandler is returned for RPCs arriving before a handler is
// registered.
var ErrNoHandler = errors.New("transport: no RPC handler registered")

// raftService is the net/rpc receiver that forwards incoming consensus
// RPCs to the local node.
type raftService struct {
	mu      sync.RWMutex
	handler raft.RPCHandler
}

func (s *raftService) get() raft.RPCHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

func (s *raftService) RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error {
	h := s.get()
	if h == nil {
		return ErrNoHandler
	}
	*reply = *h.HandleRequestVote(args)
	return nil
}

func (s *raftService) AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error {
	h := s.get()
	if h == nil {
		return ErrNoHandler
	}
	*reply = *h.HandleAppendEntries(args)
	return nil
}

func (s *raftService) InstallSnapshot(args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error {
	h := s.get()
	if h == nil {
		return ErrNoHandler
	}
	*reply = *h.HandleInstallSnapshot(args)
	return nil
}

// TCPTransport implements raft.Transport over net/rpc on TCP. Peer IDs
// are peer listen addresses. Client connections are cached and redialed
// on failure.
type TCPTransport struct {
	mu       sync.Mutex
	addr     string
	server   *rpc.Server
	service  *raftService
	listener net.Listener
	clients  map[string]*rpc.Client
	stopCh   chan struct{}
}

// NewTCPTransport prepares a transport listening on addr. Nothing is
// bound until Start.
func NewTCPTransport(addr string) *TCPTransport {
	t := &TCPTransport{
		addr:    addr,
		server:  rpc.NewServer(),
		service: &raftService{},
		clients: make(map[string]*rpc.Client),
		stopCh:  make(chan struct{}),
	}
	t.server.RegisterName("Raft", t.service)
	return t
}

// RegisterHandler sets the node that receives incoming consensus RPCs.
func (t *TCPTransport) RegisterHandler(h raft.RPCHandler) {
	t.service.mu.Lock()
	t.service.handler = h
	t.service.mu.Unlock()
}

// RegisterService exposes an additional receiver, such as the client
// lock API, on the same listener.
func (t *TCPTransport) RegisterService(name string, rcvr interface{}) error {
	return t.server.RegisterName(name, rcvr)
}

// Start binds the listener. Serve must be called to accept connections.
func (t *TCPTransport) Start() error {
	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()
	return nil
}

// Serve accepts connections until Close. It returns nil on a clean
// shutdown.
func (t *TCPTransport) Serve() error {
	t.mu.Lock()
	listener := t.listener
	t.mu.Unlock()
	if listener == nil {
		return errors.New("transport: Serve before Start")
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return nil
			default:
				return err
			}
		}
		go t.server.ServeConn(conn)
	}
}

// Addr returns the bound listen address, useful when addr was ":0".
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

func (t *TCPTransport) client(peerID string) (*rpc.Client, error) {
	t.mu.Lock()
	if c, ok := t.clients[peerID]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	conn, err := net.Dial("tcp", peerID)
	if err != nil {
		return nil, err
	}
	c := rpc.NewClient(conn)

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.clients[peerID]; ok {
		c.Close()
		return existing, nil
	}
	t.clients[peerID] = c
	return c, nil
}

// call invokes method on the peer, dropping the cached connection on
// failure so the next attempt redials.
func (t *TCPTransport) call(peerID, method string, args, reply interface{}) error {
	c, err := t.client(peerID)
	if err != nil {
		return err
	}
	if err := c.Call(method, args, reply); err != nil {
		t.mu.Lock()
		if t.clients[peerID] == c {
			delete(t.clients, peerID)
			c.Close()
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *TCPTransport) RequestVote(peerID string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	var reply raft.RequestVoteReply
	if err := t.call(peerID, "Raft.RequestVote", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *TCPTransport) AppendEntries(peerID string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	var reply raft.AppendEntriesReply
	if err := t.call(peerID, "Raft.AppendEntries", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (t *TCPTransport) InstallSnapshot(peerID string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	var reply raft.InstallSnapshotReply
	if err := t.call(peerID, "Raft.InstallSnapshot", args, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Close stops the listener and drops all peer connections.
func (t *TCPTransport) Close() error {
	close(t.stopCh)
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.clients {
		c.Close()
		delete(t.clients, id)
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}
