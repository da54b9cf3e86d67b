package epoxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/pubsub"
	"github.com/rs/zerolog"
)

const requestTimeout = 2 * time.Second

func subject(replicaID, verb string) string { return fmt.Sprintf("epoxy.%s.%s", replicaID, verb) }

// Replica is one EPaxos log holder. Every replica runs the same code;
// whichever one receives a client write for a key acts as that
// operation's leader (see Propose in leader.go).
type Replica struct {
	ID      string
	driver  kv.Driver
	bus     pubsub.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu     sync.Mutex
	config *ClusterConfig
	subs   []pubsub.Subscriber
}

// NewReplica constructs a replica bound to its own KV log and the bus
// its peers are reachable over.
func NewReplica(id string, driver kv.Driver, bus pubsub.Bus, cfg *ClusterConfig, m *metrics.Metrics) *Replica {
	return &Replica{
		ID:      id,
		driver:  driver,
		bus:     bus,
		metrics: m,
		logger:  log.WithComponent("epoxy-replica").With().Str("replica_id", id).Logger(),
		config:  cfg,
	}
}

// Peers returns every other replica id in the current cluster config.
func (r *Replica) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var peers []string
	for _, id := range r.config.Replicas() {
		if id != r.ID {
			peers = append(peers, id)
		}
	}
	return peers
}

// SetConfig swaps in a new membership view, applied when
// UpdateConfigRequest is broadcast by the ClusterConfig coordinator.
func (r *Replica) SetConfig(cfg *ClusterConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg
}

// Serve subscribes this replica to its preaccept/accept/commit/prepare/
// download_instances subjects and answers them until ctx is cancelled.
func (r *Replica) Serve(ctx context.Context) error {
	handlers := map[string]func(context.Context, []byte) ([]byte, error){
		"preaccept":          r.handlePreAccept,
		"accept":             r.handleAccept,
		"commit":             r.handleCommit,
		"prepare":            r.handlePrepare,
		"download_instances": r.handleDownloadInstances,
		"update_config":      r.handleUpdateConfig,
	}
	for verb, fn := range handlers {
		sub, err := r.bus.Subscribe(ctx, subject(r.ID, verb))
		if err != nil {
			return fmt.Errorf("epoxy: subscribe %s: %w", verb, err)
		}
		r.subs = append(r.subs, sub)
		go r.serveLoop(ctx, sub, fn)
	}
	return nil
}

// Close unsubscribes every handler.
func (r *Replica) Close() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
}

func (r *Replica) serveLoop(ctx context.Context, sub pubsub.Subscriber, fn func(context.Context, []byte) ([]byte, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Msgs():
			if !ok {
				return
			}
			out, err := fn(ctx, msg.Payload)
			if err != nil {
				r.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("epoxy request failed")
				continue
			}
			if msg.ReplyTo != "" && r.bus != nil {
				_ = r.bus.Publish(ctx, msg.ReplyTo, out, pubsub.PublishOptions{Behavior: pubsub.OneSubscriber})
			}
		}
	}
}

type preAcceptRequest struct {
	ID      InstanceID
	Ballot  Ballot
	Command Command
	Seq     uint64
	Deps    []Dep
}

type preAcceptReply struct {
	Seq  uint64
	Deps []Dep
}

// handlePreAccept stores the proposed instance as PreAccepted, merging
// the leader's seq/deps with any local conflicting instances this
// replica already knows about.
func (r *Replica) handlePreAccept(ctx context.Context, payload []byte) ([]byte, error) {
	var req preAcceptRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	inst := &Instance{ID: req.ID, Ballot: req.Ballot, Command: req.Command, Seq: req.Seq, Deps: req.Deps, State: StatePreAccepted}
	_, err := kv.Run(ctx, r.driver, func(tx *kv.Transaction) error {
		return putInstance(tx, inst)
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(preAcceptReply{Seq: inst.Seq, Deps: inst.Deps})
}

type acceptRequest struct {
	ID      InstanceID
	Ballot  Ballot
	Command Command
	Seq     uint64
	Deps    []Dep
}

// handleAccept stores the leader's merged seq/deps as Accepted.
func (r *Replica) handleAccept(ctx context.Context, payload []byte) ([]byte, error) {
	var req acceptRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	inst := &Instance{ID: req.ID, Ballot: req.Ballot, Command: req.Command, Seq: req.Seq, Deps: req.Deps, State: StateAccepted}
	_, err := kv.Run(ctx, r.driver, func(tx *kv.Transaction) error {
		return putInstance(tx, inst)
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct{}{})
}

type commitRequest struct {
	ID      InstanceID
	Ballot  Ballot
	Command Command
	Seq     uint64
	Deps    []Dep
}

// handleCommit marks the instance Committed and applies its effect to
// the local directory copy. Best-effort broadcast: the leader doesn't
// wait for every reply, so this handler tolerates arriving more than
// once (instance writes and applyCommand are both idempotent per key).
func (r *Replica) handleCommit(ctx context.Context, payload []byte) ([]byte, error) {
	var req commitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	inst := &Instance{ID: req.ID, Ballot: req.Ballot, Command: req.Command, Seq: req.Seq, Deps: req.Deps, State: StateCommitted}
	applyErr := ""
	_, err := kv.Run(ctx, r.driver, func(tx *kv.Transaction) error {
		if err := putInstance(tx, inst); err != nil {
			return err
		}
		if err := applyCommand(tx, inst.Command); err != nil {
			applyErr = err.Error()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct{ Error string }{applyErr})
}

type prepareRequest struct {
	ID     InstanceID
	Ballot Ballot
}

// handlePrepare answers recovery queries with this replica's view of
// the instance, letting the highest-ballot reply become authoritative.
func (r *Replica) handlePrepare(ctx context.Context, payload []byte) ([]byte, error) {
	var req prepareRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	var inst *Instance
	_, err := kv.Run(ctx, r.driver, func(tx *kv.Transaction) error {
		i, err := loadInstance(tx, req.ID)
		inst = i
		return err
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(inst)
}

// handleUpdateConfig applies a broadcast membership change to this
// replica's own view (see coordinator.go's UpdateConfigRequest).
func (r *Replica) handleUpdateConfig(ctx context.Context, payload []byte) ([]byte, error) {
	var req UpdateConfigRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	r.SetConfig(NewClusterConfig(req.Replicas))
	return json.Marshal(struct{}{}), nil
}

type downloadInstancesRequest struct {
	ReplicaID string
}

// handleDownloadInstances bulk-transfers one replica's log to a
// recovering or newly joined peer.
func (r *Replica) handleDownloadInstances(ctx context.Context, payload []byte) ([]byte, error) {
	var req downloadInstancesRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	var instances []*Instance
	_, err := kv.Run(ctx, r.driver, func(tx *kv.Transaction) error {
		list, err := listInstances(tx, req.ReplicaID)
		instances = list
		return err
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(instances)
}
