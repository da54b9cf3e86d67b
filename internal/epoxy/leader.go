package epoxy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/pubsub"
)

// Propose drives one client write through lead_consensus: PreAccept to
// every peer (waiting for a fast quorum of replies), decide
// PathFast/PathSlow, then Commit. It
// implements spec §4.9 steps 1-3; this replica acts as leader for the
// instance it allocates.
func (r *Replica) Propose(ctx context.Context, cmd Command) error {
	peers := r.Peers()
	n := len(peers) + 1

	instNum, err := r.nextInstanceNumber(ctx)
	if err != nil {
		return err
	}
	id := InstanceID{ReplicaID: r.ID, InstanceNumber: instNum}
	ballot := Ballot{Epoch: 1, Counter: 1, ReplicaID: r.ID}
	seq, deps := r.localSeqAndDeps(ctx, cmd)
	start := time.Now()

	req := preAcceptRequest{ID: id, Ballot: ballot, Command: cmd, Seq: seq, Deps: deps}
	reqRaw, err := json.Marshal(req)
	if err != nil {
		return err
	}

	need := FastQuorum(n) - 1 // self already counts as one vote
	replies := r.broadcast(ctx, peers, "preaccept", reqRaw, need)

	fastPath := true
	mergedSeq, mergedDeps := seq, deps
	for _, raw := range replies {
		var rep preAcceptReply
		if err := json.Unmarshal(raw, &rep); err != nil {
			continue
		}
		if rep.Seq != seq || !depsEqual(rep.Deps, deps) {
			fastPath = false
		}
		if rep.Seq > mergedSeq {
			mergedSeq = rep.Seq
		}
		mergedDeps = mergeDeps(mergedDeps, rep.Deps)
	}
	if len(replies) < need {
		fastPath = false
	}

	path := "fast"
	if !fastPath {
		path = "slow"
		acceptReq := acceptRequest{ID: id, Ballot: ballot, Command: cmd, Seq: mergedSeq, Deps: mergedDeps}
		acceptRaw, err := json.Marshal(acceptReq)
		if err != nil {
			return err
		}
		acceptNeed := SlowQuorum(n) - 1
		r.broadcast(ctx, peers, "accept", acceptRaw, acceptNeed)
		if r.metrics != nil {
			r.metrics.EpoxySlowPath.Inc()
		}
	} else if r.metrics != nil {
		r.metrics.EpoxyFastPath.Inc()
	}
	if r.metrics != nil {
		r.metrics.EpoxyQuorumLatency.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}

	commitReq := commitRequest{ID: id, Ballot: ballot, Command: cmd, Seq: mergedSeq, Deps: mergedDeps}
	commitRaw, err := json.Marshal(commitReq)
	if err != nil {
		return err
	}
	// Commit is broadcast best-effort to every replica, including ones
	// that never voted, and applied locally regardless of their replies.
	r.broadcast(ctx, peers, "commit", commitRaw, 0)
	out, applyErr := r.handleCommit(ctx, commitRaw)
	if applyErr != nil {
		return applyErr
	}
	// A command error (e.g. a failed compare-and-set) comes back in the
	// commit reply; the instance itself stays committed.
	var rep struct{ Error string }
	if json.Unmarshal(out, &rep) == nil && rep.Error != "" {
		return errors.New(rep.Error)
	}
	return nil
}

// broadcast fans a request out to every peer and collects up to need
// replies (or all of them, if need is 0), ignoring stragglers.
func (r *Replica) broadcast(ctx context.Context, peers []string, verb string, payload []byte, need int) [][]byte {
	type result struct{ raw []byte }
	ch := make(chan result, len(peers))
	for _, peer := range peers {
		go func(peer string) {
			msg, err := pubsub.Request(ctx, r.bus, subject(peer, verb), payload, requestTimeout)
			if err != nil {
				ch <- result{}
				return
			}
			ch <- result{raw: msg.Payload}
		}(peer)
	}
	var out [][]byte
	for i := 0; i < len(peers); i++ {
		res := <-ch
		if res.raw != nil {
			out = append(out, res.raw)
		}
		if need > 0 && len(out) >= need {
			break
		}
	}
	return out
}

// nextInstanceNumber allocates the next free slot in this replica's own
// log, the only log it's allowed to append to as leader.
func (r *Replica) nextInstanceNumber(ctx context.Context) (uint64, error) {
	var max uint64
	_, err := kv.Run(ctx, r.driver, func(tx *kv.Transaction) error {
		instances, err := listInstances(tx, r.ID)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			if inst.ID.InstanceNumber >= max {
				max = inst.ID.InstanceNumber + 1
			}
		}
		return nil
	})
	return max, err
}

// localSeqAndDeps computes the initial seq/deps for a new proposal from
// this replica's own log: seq is one more than the highest seq of any
// instance touching the same key, and deps names those instances.
func (r *Replica) localSeqAndDeps(ctx context.Context, cmd Command) (uint64, []Dep) {
	var seq uint64
	var deps []Dep
	_, _ = kv.Run(ctx, r.driver, func(tx *kv.Transaction) error {
		instances, err := listInstances(tx, r.ID)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			if inst.Command.Key != cmd.Key {
				continue
			}
			if inst.Seq >= seq {
				seq = inst.Seq + 1
			}
			deps = append(deps, inst.ID)
		}
		return nil
	})
	return seq, deps
}

func depsEqual(a, b []Dep) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[Dep]bool, len(a))
	for _, d := range a {
		seen[d] = true
	}
	for _, d := range b {
		if !seen[d] {
			return false
		}
	}
	return true
}

func mergeDeps(a, b []Dep) []Dep {
	seen := make(map[Dep]bool, len(a))
	out := append([]Dep(nil), a...)
	for _, d := range a {
		seen[d] = true
	}
	for _, d := range b {
		if !seen[d] {
			out = append(out, d)
			seen[d] = true
		}
	}
	return out
}
