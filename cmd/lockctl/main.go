// Command lockctl is a one-shot client for a lockd cluster.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/rpc"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/lockd-io/lockd/pkg/lockserver"
)

// maxRedirects bounds how many leader hints a single call follows.
const maxRedirects = 5

func main() {
	var (
		addr     = flag.String("addr", "localhost:7640", "address of any cluster node")
		command  = flag.String("command", "", "acquire, release, status, state or leader")
		resource = flag.String("resource", "", "resource ID")
		client   = flag.String("client", "", "client ID, generated if empty")
		mode     = flag.String("mode", "exclusive", "shared or exclusive")
		wait     = flag.Duration("wait", 10*time.Second, "how long acquire waits for a grant")
		reqID    = flag.String("request-id", "", "idempotency token, generated if empty")
		stale    = flag.Bool("stale", false, "allow status reads from a follower")
	)
	flag.Parse()

	if *command == "" {
		fmt.Fprintln(os.Stderr, "lockctl: -command is required")
		os.Exit(1)
	}
	if *client == "" {
		*client = "client-" + uuid.NewString()[:8]
	}
	if *reqID == "" {
		*reqID = uuid.NewString()
	}

	c := &ctl{addr: *addr}
	defer c.close()

	var err error
	switch *command {
	case "acquire":
		err = c.acquire(*resource, *client, *mode, *reqID, *wait)
	case "release":
		err = c.release(*resource, *client, *reqID)
	case "status":
		err = c.status(*resource, *stale)
	case "state":
		err = c.state()
	case "leader":
		err = c.leader()
	default:
		err = fmt.Errorf("unknown command %q", *command)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockctl: %v\n", err)
		os.Exit(1)
	}
}

type ctl struct {
	addr   string
	client *rpc.Client
}

func (c *ctl) dial() (*rpc.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	client, err := rpc.Dial("tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.addr, err)
	}
	c.client = client
	return client, nil
}

func (c *ctl) close() {
	if c.client != nil {
		c.client.Close()
	}
}

// redirect re-dials at the hinted leader address.
func (c *ctl) redirect(hint string) error {
	if hint == "" || hint == c.addr {
		return fmt.Errorf("node %s is not the leader and knows no leader", c.addr)
	}
	c.close()
	c.client = nil
	c.addr = hint
	return nil
}

func (c *ctl) call(method string, args, reply interface{}) error {
	client, err := c.dial()
	if err != nil {
		return err
	}
	return client.Call(method, args, reply)
}

func (c *ctl) acquire(resource, client, mode, reqID string, wait time.Duration) error {
	if resource == "" {
		return fmt.Errorf("-resource is required")
	}
	args := &lockserver.AcquireArgs{
		Resource:   resource,
		Client:     client,
		RequestID:  reqID,
		Exclusive:  mode != "shared",
		WaitMillis: wait.Milliseconds(),
	}
	for i := 0; i < maxRedirects; i++ {
		var reply lockserver.AcquireReply
		if err := c.call("Lock.Acquire", args, &reply); err != nil {
			return err
		}
		if reply.Status == lockserver.StatusNotLeader {
			if err := c.redirect(reply.LeaderHint); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("%s client=%s resource=%s\n", reply.Status, client, resource)
		return nil
	}
	return fmt.Errorf("no leader found after %d redirects", maxRedirects)
}

func (c *ctl) release(resource, client, reqID string) error {
	if resource == "" {
		return fmt.Errorf("-resource is required")
	}
	args := &lockserver.ReleaseArgs{Resource: resource, Client: client, RequestID: reqID}
	for i := 0; i < maxRedirects; i++ {
		var reply lockserver.ReleaseReply
		if err := c.call("Lock.Release", args, &reply); err != nil {
			return err
		}
		if reply.Status == lockserver.StatusNotLeader {
			if err := c.redirect(reply.LeaderHint); err != nil {
				return err
			}
			continue
		}
		fmt.Printf("%s client=%s resource=%s\n", reply.Status, client, resource)
		return nil
	}
	return fmt.Errorf("no leader found after %d redirects", maxRedirects)
}

func (c *ctl) status(resource string, stale bool) error {
	if resource == "" {
		return fmt.Errorf("-resource is required")
	}
	args := &lockserver.StatusArgs{Resource: resource, AllowStale: stale}
	for i := 0; i < maxRedirects; i++ {
		var reply lockserver.StatusReply
		if err := c.call("Lock.Status", args, &reply); err != nil {
			return err
		}
		if reply.Status == lockserver.StatusNotLeader {
			if err := c.redirect(reply.LeaderHint); err != nil {
				return err
			}
			continue
		}
		return printJSON(reply)
	}
	return fmt.Errorf("no leader found after %d redirects", maxRedirects)
}

func (c *ctl) state() error {
	var reply lockserver.StateReply
	if err := c.call("Lock.State", &lockserver.StateArgs{}, &reply); err != nil {
		return err
	}
	return printJSON(reply)
}

func (c *ctl) leader() error {
	var reply lockserver.StateReply
	if err := c.call("Lock.State", &lockserver.StateArgs{}, &reply); err != nil {
		return err
	}
	if reply.Leader == "" {
		return fmt.Errorf("no known leader")
	}
	fmt.Println(reply.Leader)
	return nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
