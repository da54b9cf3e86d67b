package epoxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// ClusterConfig is the current EPaxos replica set. Unlike the
// data-plane log, membership changes go through a small single-leader
// raft group so every replica agrees on N (and thus on quorum sizes)
// without running its own consensus round.
type ClusterConfig struct {
	mu       sync.RWMutex
	replicas []string
}

// NewClusterConfig seeds a config with an initial replica set.
func NewClusterConfig(replicas []string) *ClusterConfig {
	return &ClusterConfig{replicas: append([]string(nil), replicas...)}
}

// Replicas returns a snapshot of the current membership.
func (c *ClusterConfig) Replicas() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.replicas...)
}

func (c *ClusterConfig) set(replicas []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicas = append([]string(nil), replicas...)
}

// configCommand is the raft log entry applied to a ConfigFSM.
type configCommand struct {
	Op        string // "add_replica" or "remove_replica"
	ReplicaID string
}

// ConfigFSM replicates ClusterConfig membership changes through raft,
// using the same Apply/Snapshot/Restore shape as a typical raft.FSM
// but holding only a replica id list instead of a full cluster store.
type ConfigFSM struct {
	mu     sync.Mutex
	config *ClusterConfig
}

// NewConfigFSM wraps cfg as a raft FSM.
func NewConfigFSM(cfg *ClusterConfig) *ConfigFSM {
	return &ConfigFSM{config: cfg}
}

// Apply applies one committed configCommand.
func (f *ConfigFSM) Apply(log *raft.Log) interface{} {
	var cmd configCommand
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("epoxy: decode config command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.config.Replicas()
	switch cmd.Op {
	case "add_replica":
		for _, id := range current {
			if id == cmd.ReplicaID {
				return nil
			}
		}
		f.config.set(append(current, cmd.ReplicaID))
	case "remove_replica":
		out := current[:0]
		for _, id := range current {
			if id != cmd.ReplicaID {
				out = append(out, id)
			}
		}
		f.config.set(out)
	default:
		return fmt.Errorf("epoxy: unknown config command %q", cmd.Op)
	}
	return nil
}

// Snapshot captures the current membership list.
func (f *ConfigFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &configSnapshot{Replicas: f.config.Replicas()}, nil
}

// Restore replaces the membership list from a snapshot.
func (f *ConfigFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap configSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("epoxy: decode config snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config.set(snap.Replicas)
	return nil
}

type configSnapshot struct {
	Replicas []string
}

func (s *configSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *configSnapshot) Release() {}

// ConfigGroup runs the raft group that replicates ClusterConfig.
type ConfigGroup struct {
	raft   *raft.Raft
	fsm    *ConfigFSM
	config *ClusterConfig
}

// BootstrapConfigGroup starts a single-node raft group rooted at
// dataDir/config-raft and bootstraps it as the group's only voter; a
// real multi-manager deployment adds voters via raft.AddVoter.
func BootstrapConfigGroup(nodeID, bindAddr, dataDir string, initial *ClusterConfig) (*ConfigGroup, error) {
	dir := filepath.Join(dataDir, "config-raft")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("epoxy: create raft dir: %w", err)
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("epoxy: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("epoxy: create transport: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(dir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("epoxy: create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "log.db"))
	if err != nil {
		return nil, fmt.Errorf("epoxy: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "stable.db"))
	if err != nil {
		return nil, fmt.Errorf("epoxy: create stable store: %w", err)
	}

	fsm := NewConfigFSM(initial)
	r, err := raft.NewRaft(cfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("epoxy: create raft: %w", err)
	}

	future := r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: cfg.LocalID, Address: transport.LocalAddr()}},
	})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("epoxy: bootstrap: %w", err)
	}

	return &ConfigGroup{raft: r, fsm: fsm, config: initial}, nil
}

// IsLeader reports whether this node currently leads the config group.
func (g *ConfigGroup) IsLeader() bool { return g.raft.State() == raft.Leader }

// ApplyChange submits a membership change; only the leader may call
// this successfully.
func (g *ConfigGroup) ApplyChange(op, replicaID string) error {
	if !g.IsLeader() {
		return fmt.Errorf("epoxy: not the config group leader")
	}
	data, err := json.Marshal(configCommand{Op: op, ReplicaID: replicaID})
	if err != nil {
		return err
	}
	future := g.raft.Apply(data, 5*time.Second)
	return future.Error()
}

// Config returns the live, raft-replicated membership view.
func (g *ConfigGroup) Config() *ClusterConfig { return g.config }

// Shutdown stops the raft group.
func (g *ConfigGroup) Shutdown() error {
	return g.raft.Shutdown().Error()
}
