package raft

import (
	"fmt"
	"time"
)

// Default timing values, chosen so that a heartbeat always lands well
// inside the election timeout window.
const (
	DefaultElectionTimeoutMin = 150 * time.Millisecond
	DefaultElectionTimeoutMax = 300 * time.Millisecond
	DefaultHeartbeatInterval  = 50 * time.Millisecond
)

// Config holds the static configuration of a single consensus node.
type Config struct {
	// ID is this node's unique identifier within the cluster.
	ID string

	// Peers lists the IDs of all other cluster members. It does not
	// include this node.
	Peers []string

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized
	// election timeout. Each timer reset draws uniformly from
	// [Min, Max).
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is how often the leader sends AppendEntries to
	// each follower. Must be smaller than ElectionTimeoutMin.
	HeartbeatInterval time.Duration

	// Logger receives structured log output. Nil disables logging.
	Logger Logger
}

// DefaultConfig returns a Config with the default timing values for the
// given node and peer set.
func DefaultConfig(id string, peers []string) *Config {
	return &Config{
		ID:                 id,
		Peers:              peers,
		ElectionTimeoutMin: DefaultElectionTimeoutMin,
		ElectionTimeoutMax: DefaultElectionTimeoutMax,
		HeartbeatInterval:  DefaultHeartbeatInterval,
	}
}

// Validate checks the configuration for settings that would break the
// protocol's timing assumptions.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: node ID must not be empty", ErrInvalidConfig)
	}
	for _, p := range c.Peers {
		if p == c.ID {
			return fmt.Errorf("%w: peer list contains own ID %q", ErrInvalidConfig, c.ID)
		}
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax <= 0 || c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	if c.ElectionTimeoutMin >= c.ElectionTimeoutMax {
		return fmt.Errorf("%w: election timeout min %v must be below max %v",
			ErrInvalidConfig, c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("%w: heartbeat interval %v must be below election timeout min %v",
			ErrInvalidConfig, c.HeartbeatInterval, c.ElectionTimeoutMin)
	}
	return nil
}

// clusterSize is the total number of voting members.
func (c *Config) clusterSize() int {
	return len(c.Peers) + 1
}

// quorum is the number of votes needed for a majority.
func (c *Config) quorum() int {
	return c.clusterSize()/2 + 1
}
