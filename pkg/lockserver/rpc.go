package lockserver

// Service is the net/rpc receiver exposing the client API. It exists so
// that only the wire methods are visible to the RPC layer.
type Service struct {
	s *Server
}

// Service returns the RPC receiver for this server, registered as
// "Lock" on the node's transport.
func (s *Server) Service() *Service {
	return &Service{s: s}
}

func (r *Service) Acquire(args *AcquireArgs, reply *AcquireReply) error {
	return r.s.Acquire(args, reply)
}

func (r *Service) Release(args *ReleaseArgs, reply *ReleaseReply) error {
	return r.s.Release(args, reply)
}

func (r *Service) Status(args *StatusArgs, reply *StatusReply) error {
	return r.s.Status(args, reply)
}

func (r *Service) State(args *StateArgs, reply *StateReply) error {
	return r.s.State(args, reply)
}
