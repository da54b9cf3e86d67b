package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nimbusrun/nimbus/internal/actor"
	"github.com/nimbusrun/nimbus/internal/apierr"
	"github.com/nimbusrun/nimbus/internal/tunnel/wire"
	"github.com/nimbusrun/nimbus/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsBridge pumps frames between a client's live WebSocket connection
// and the tunnel, so after a hibernation handoff (spec §4.7) this
// gateway can point the same request_id at the actor's new runner
// without the client reconnecting.
type wsBridge struct {
	conn      *websocket.Conn
	requestID string
	closeOnce sync.Once

	mu          sync.Mutex
	runnerID    string
	hibernating bool
}

func (b *wsBridge) close() {
	b.closeOnce.Do(func() { _ = b.conn.Close() })
}

// route returns the runner to forward client frames to, and whether
// the bridge is currently hibernating (no runner to forward to).
func (b *wsBridge) route() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runnerID, b.hibernating
}

// hibernate marks the bridge as handed off: pumpClientToRunner stops
// forwarding to the old runner until resume is called.
func (b *wsBridge) hibernate() {
	b.mu.Lock()
	b.hibernating = true
	b.mu.Unlock()
}

// resume points the bridge at a newly connected runner and clears the
// hibernating flag so pumpClientToRunner starts forwarding again.
func (b *wsBridge) resume(runnerID string) {
	b.mu.Lock()
	b.runnerID = runnerID
	b.hibernating = false
	b.mu.Unlock()
}

// serveWebSocket upgrades the HTTP connection and relays frames to and
// from a's runner over the tunnel, addressed by requestID.
func (g *Gateway) serveWebSocket(w http.ResponseWriter, r *http.Request, a *types.Actor, route ActorRoute, rayID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	requestID := g.newRequestID()
	bridge := &wsBridge{conn: conn, requestID: requestID, runnerID: a.RunnerID}

	ch := g.registerInflight(requestID)
	g.mu.Lock()
	g.wsConns[requestID] = bridge
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.wsConns, requestID)
		g.mu.Unlock()
		g.unregisterInflight(requestID)
		bridge.close()
	}()

	startEnv := wire.Envelope{
		RequestID:      requestID,
		Kind:           wire.KindToClientHTTPStart,
		GatewayReplyTo: g.ID,
		Body: encodeBody(wire.HTTPStartPayload{
			Method:  "WEBSOCKET",
			Path:    route.Rest,
			Headers: r.Header,
		}),
	}
	if err := g.mgr.SendToRunner(r.Context(), a.RunnerID, startEnv, func() { bridge.close() }); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, apierr.CloseReason(apierr.ServiceUnavail, rayID)),
			time.Now().Add(5*time.Second))
		return
	}

	done := make(chan struct{})
	go g.pumpRunnerToClient(r.Context(), ch, bridge, a.ActorID, done)
	g.pumpClientToRunner(r, conn, bridge, requestID)
	close(done)
}

// pumpClientToRunner relays client frames to whatever runner bridge is
// currently routed at. While the bridge is hibernating (§4.7: the
// runner released without the client reconnecting) frames are simply
// dropped instead of being sent to the stale runner, since nothing is
// listening there; the socket otherwise stays fully open and keeps
// reading so a later resume can pick back up.
func (g *Gateway) pumpClientToRunner(r *http.Request, conn *websocket.Conn, bridge *wsBridge, requestID string) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if runnerID, hibernating := bridge.route(); !hibernating && runnerID != "" {
				env := wire.Envelope{RequestID: requestID, Kind: wire.KindToClientHTTPBody, Body: encodeBody(wire.BodyChunk{Final: true})}
				_ = g.mgr.SendToRunner(r.Context(), runnerID, env, nil)
			}
			return
		}
		runnerID, hibernating := bridge.route()
		if hibernating {
			continue
		}
		env := wire.Envelope{
			RequestID: requestID,
			Kind:      wire.KindToClientWSMessage,
			Body:      encodeBody(wire.BodyChunk{Data: data, Binary: kind == websocket.BinaryMessage}),
		}
		if err := g.mgr.SendToRunner(r.Context(), runnerID, env, nil); err != nil {
			return
		}
	}
}

func (g *Gateway) pumpRunnerToClient(ctx context.Context, ch <-chan wire.Envelope, bridge *wsBridge, actorID string, done chan struct{}) {
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			switch env.Kind {
			case wire.KindToServerWSMessage:
				var chunk wire.BodyChunk
				if !decodeBody(env.Body, &chunk) {
					continue
				}
				kind := websocket.TextMessage
				if chunk.Binary {
					kind = websocket.BinaryMessage
				}
				if err := bridge.conn.WriteMessage(kind, chunk.Data); err != nil {
					return
				}
			case wire.KindHibernateHandoff:
				// The runner is releasing without the client
				// reconnecting: keep the socket open, stop routing to
				// it, and let a future reconnect resume through
				// HibernatingRequestKey (spec §4.7).
				bridge.hibernate()
				if err := actor.PutHibernatingRequest(ctx, g.driver, actor.HibernatingRequest{
					ActorID:   actorID,
					GatewayID: g.ID,
					RequestID: bridge.requestID,
					CreatedTS: time.Now().UnixMilli(),
				}); err != nil {
					g.logger.Warn().Err(err).Str("request_id", bridge.requestID).Msg("gateway: failed to persist hibernating request")
				}
			}
		case <-done:
			return
		}
	}
}
