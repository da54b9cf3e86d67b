package gateway

import (
	"context"
	"encoding/json"

	"github.com/nimbusrun/nimbus/internal/tunnel/wire"
)

// kvOp is the envelope-decoded shape of a runner's KV-over-tunnel
// request body, mirroring the per-actor KV store's own call shapes.
type kvOp struct {
	Op     string   `json:"op"` // "get", "put", "delete" or "delete_all"; any other op (including "list") gets a KvErrorResponse
	Keys   []string `json:"keys,omitempty"`
	Values [][]byte `json:"values,omitempty"`
}

// handleKVRequest executes a runner-initiated actor KV operation
// (spec §4.7/§4.8) and replies on the runner's receiver subject with
// either ToClientKvResponse or KvErrorResponse.
func (g *Gateway) handleKVRequest(ctx context.Context, env wire.Envelope) {
	var req wire.ToServerKvRequest
	if !decodeBody(env.Body, &req) {
		return
	}
	var op kvOp
	if err := json.Unmarshal(req.Data, &op); err != nil {
		g.replyKVError(ctx, env, req.RequestID, err.Error())
		return
	}

	var result any
	var err error
	switch op.Op {
	case "get":
		entries, _, e := g.kv.Get(ctx, req.ActorID, op.Keys)
		result, err = entries, e
	case "put":
		err = g.kv.Put(ctx, req.ActorID, op.Keys, op.Values)
	case "delete":
		err = g.kv.Delete(ctx, req.ActorID, op.Keys)
	case "delete_all":
		err = g.kv.DeleteAll(ctx, req.ActorID)
	default:
		g.replyKVError(ctx, env, req.RequestID, "actorkv: unknown op "+op.Op)
		return
	}
	if err != nil {
		g.replyKVError(ctx, env, req.RequestID, err.Error())
		return
	}

	resp := wire.ToClientKvResponse{RequestID: req.RequestID, Data: encodeBody(result)}
	reply := wire.Envelope{RequestID: env.RequestID, Kind: wire.KindToClientKvResponse, Body: encodeBody(resp)}
	_ = g.mgr.SendToRunner(ctx, runnerIDFromEnvelope(env), reply, nil)
}

func (g *Gateway) replyKVError(ctx context.Context, env wire.Envelope, requestID, message string) {
	resp := wire.KvErrorResponse{RequestID: requestID, Message: message}
	reply := wire.Envelope{RequestID: env.RequestID, Kind: wire.KindKvErrorResponse, Body: encodeBody(resp)}
	_ = g.mgr.SendToRunner(ctx, runnerIDFromEnvelope(env), reply, nil)
}

// runnerIDFromEnvelope recovers the originating runner's address from
// the envelope's GatewayReplyTo field, which a runner stamps with its
// own runner_id so replies route back without a separate lookup.
func runnerIDFromEnvelope(env wire.Envelope) string { return env.GatewayReplyTo }
