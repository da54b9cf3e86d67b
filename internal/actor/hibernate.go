package actor

import (
	"context"
	"encoding/json"

	"github.com/nimbusrun/nimbus/internal/kv"
)

// HibernatingRequest is a WebSocket request a gateway handed off
// instead of tearing down, per spec §4.7: the client socket stays open
// under GatewayID while the actor has no runner, and a runner that
// reconnects for ActorID resumes RequestID through that gateway.
type HibernatingRequest struct {
	ActorID   string
	GatewayID string
	RequestID string
	CreatedTS int64
}

// PutHibernatingRequest persists a handoff record.
func PutHibernatingRequest(ctx context.Context, driver kv.Driver, req HibernatingRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		return tx.Set(HibernatingRequestKey(req.ActorID, req.CreatedTS, req.GatewayID, req.RequestID), raw)
	})
	return err
}

// ListHibernatingRequests returns actorID's pending handoffs, oldest
// first.
func ListHibernatingRequests(ctx context.Context, driver kv.Driver, actorID string) ([]HibernatingRequest, error) {
	var out []HibernatingRequest
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		begin, end := kv.PrefixRange(hibernatingRequestPrefix(actorID))
		rows, err := tx.GetRange(begin, end, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var req HibernatingRequest
			if err := json.Unmarshal(row.Value, &req); err != nil {
				continue
			}
			out = append(out, req)
		}
		return nil
	})
	return out, err
}

// ClearHibernatingRequest removes a handoff record once it has been
// resumed or abandoned.
func ClearHibernatingRequest(ctx context.Context, driver kv.Driver, req HibernatingRequest) error {
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		tx.Clear(HibernatingRequestKey(req.ActorID, req.CreatedTS, req.GatewayID, req.RequestID))
		return nil
	})
	return err
}
