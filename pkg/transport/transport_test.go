package transport

import (
	"testing"

	"github.com/lockd-io/lockd/pkg/raft"
)

// echoHandler answers every RPC with its own fixed term.
type echoHandler struct {
	term uint64
}

func (h *echoHandler) HandleRequestVote(args *raft.RequestVoteArgs) *raft.RequestVoteReply {
	return &raft.RequestVoteReply{Term: h.term, VoteGranted: args.Term > h.term}
}

func (h *echoHandler) HandleAppendEntries(args *raft.AppendEntriesArgs) *raft.AppendEntriesReply {
	return &raft.AppendEntriesReply{Term: h.term, Success: true, MatchIndex: args.PrevLogIndex + uint64(len(args.Entries))}
}

func (h *echoHandler) HandleInstallSnapshot(args *raft.InstallSnapshotArgs) *raft.InstallSnapshotReply {
	return &raft.InstallSnapshotReply{Term: h.term}
}

func TestNetworkDelivery(t *testing.T) {
	net := NewNetwork()
	a := net.Join("a")
	net.Join("b")
	net.Bind("a", &echoHandler{term: 1})
	net.Bind("b", &echoHandler{term: 2})

	reply, err := a.RequestVote("b", &raft.RequestVoteArgs{Term: 5, CandidateID: "a"})
	if err != nil {
		t.Fatalf("request vote: %v", err)
	}
	if reply.Term != 2 || !reply.VoteGranted {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestNetworkUnknownPeer(t *testing.T) {
	net := NewNetwork()
	a := net.Join("a")
	net.Bind("a", &echoHandler{})
	if _, err := a.RequestVote("ghost", &raft.RequestVoteArgs{}); err == nil {
		t.Fatal("RPC to an unregistered peer should fail")
	}
}

func TestNetworkUnboundPeer(t *testing.T) {
	net := NewNetwork()
	a := net.Join("a")
	net.Join("b")
	if _, err := a.RequestVote("b", &raft.RequestVoteArgs{}); err == nil {
		t.Fatal("RPC to a joined but unbound peer should fail")
	}
}

func TestNetworkPartition(t *testing.T) {
	net := NewNetwork()
	a := net.Join("a")
	net.Join("b")
	net.Bind("a", &echoHandler{term: 1})
	net.Bind("b", &echoHandler{term: 2})

	net.Disconnect("b")
	if _, err := a.AppendEntries("b", &raft.AppendEntriesArgs{}); err == nil {
		t.Fatal("RPC across a partition should fail")
	}

	net.Reconnect("b")
	if _, err := a.AppendEntries("b", &raft.AppendEntriesArgs{}); err != nil {
		t.Fatalf("RPC after reconnect should succeed: %v", err)
	}
}

func TestNetworkDropRate(t *testing.T) {
	net := NewNetwork()
	a := net.Join("a")
	net.Join("b")
	net.Bind("b", &echoHandler{})

	net.SetDropRate(1.0)
	if _, err := a.RequestVote("b", &raft.RequestVoteArgs{}); err == nil {
		t.Fatal("full drop rate should lose every message")
	}
	net.SetDropRate(0)
	if _, err := a.RequestVote("b", &raft.RequestVoteArgs{}); err != nil {
		t.Fatalf("zero drop rate should deliver: %v", err)
	}
}

func TestTCPRoundTrip(t *testing.T) {
	server := NewTCPTransport("127.0.0.1:0")
	server.RegisterHandler(&echoHandler{term: 9})
	if err := server.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	go server.Serve()
	defer server.Close()

	client := NewTCPTransport("127.0.0.1:0")
	defer client.Close()

	reply, err := client.AppendEntries(server.Addr(), &raft.AppendEntriesArgs{
		PrevLogIndex: 3,
		Entries:      []raft.LogEntry{{Index: 4, Term: 9}},
	})
	if err != nil {
		t.Fatalf("append entries over TCP: %v", err)
	}
	if reply.Term != 9 || !reply.Success || reply.MatchIndex != 4 {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	// A second call reuses the cached connection.
	if _, err := client.RequestVote(server.Addr(), &raft.RequestVoteArgs{Term: 1}); err != nil {
		t.Fatalf("second call: %v", err)
	}
}
