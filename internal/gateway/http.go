package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nimbusrun/nimbus/internal/apierr"
	"github.com/nimbusrun/nimbus/internal/tunnel/wire"
	"github.com/nimbusrun/nimbus/internal/types"
)

// ServeHTTP routes one inbound HTTP request to the addressed actor:
// resolving and waking it, proxying cross-zone if it lives elsewhere,
// or tunneling the request to its runner.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rayID := r.Header.Get("X-Nimbus-Ray-Id")
	if rayID == "" {
		rayID = g.newRequestID()
	}

	route, err := ExtractActorRoute(r.URL.Path, r.Header.Get("Sec-WebSocket-Protocol"))
	if err != nil {
		apierr.WriteResponse(w, rayID, apierr.NoRoute)
		return
	}

	if g.Auth != nil {
		if err := g.Auth.Verify(route.Token, route.ActorID); err != nil {
			apierr.WriteResponse(w, rayID, apierr.Unauthorized.Wrap(err))
			return
		}
	}

	a, err := g.resolveReady(r.Context(), route.ActorID)
	if err != nil {
		apierr.WriteResponse(w, rayID, err)
		return
	}

	if a.Datacenter != "" && a.Datacenter != g.Zone {
		g.proxyCrossZone(w, r, a.Datacenter, rayID)
		return
	}

	if isWebSocketUpgrade(r) {
		g.serveWebSocket(w, r, a, route, rayID)
		return
	}

	g.tunnelHTTP(w, r, a, route, rayID)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return r.Header.Get("Upgrade") == "websocket"
}

// proxyCrossZone forwards the request verbatim to the peer zone's base
// URL, per §7's "across datacenter fanouts" propagation rule: the
// remote zone's response (including its error envelope) is passed
// through unmodified.
func (g *Gateway) proxyCrossZone(w http.ResponseWriter, r *http.Request, zone, rayID string) {
	base, ok := g.peerZones[zone]
	if !ok {
		apierr.WriteResponse(w, rayID, apierr.NoRoute)
		return
	}
	target, err := url.Parse(base + r.URL.Path)
	if err != nil {
		apierr.WriteResponse(w, rayID, apierr.NoRoute)
		return
	}
	target.RawQuery = r.URL.RawQuery

	body, _ := io.ReadAll(r.Body)
	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		apierr.WriteResponse(w, rayID, apierr.UpstreamError)
		return
	}
	proxyReq.Header = r.Header.Clone()

	resp, err := g.httpClient.Do(proxyReq)
	if err != nil {
		apierr.WriteResponse(w, rayID, apierr.UpstreamError)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// tunnelHTTP forwards r to a's runner over the tunnel and relays the
// runner's reply, per testable property 11's ack/timeout semantics.
func (g *Gateway) tunnelHTTP(w http.ResponseWriter, r *http.Request, a *types.Actor, route ActorRoute, rayID string) {
	requestID := g.newRequestID()
	ch := g.registerInflight(requestID)
	defer g.unregisterInflight(requestID)

	body, _ := io.ReadAll(r.Body)

	startEnv := wire.Envelope{
		RequestID:      requestID,
		Kind:           wire.KindToClientHTTPStart,
		GatewayReplyTo: g.ID,
		Body: encodeBody(wire.HTTPStartPayload{
			Method:  r.Method,
			Path:    route.Rest + queryString(r),
			Headers: r.Header,
		}),
	}
	timedOut := false
	onTimeout := func() { timedOut = true }
	if err := g.mgr.SendToRunner(r.Context(), a.RunnerID, startEnv, onTimeout); err != nil {
		apierr.WriteResponse(w, rayID, apierr.ServiceUnavail)
		return
	}
	bodyEnv := wire.Envelope{
		RequestID: requestID,
		Kind:      wire.KindToClientHTTPBody,
		Body:      encodeBody(wire.BodyChunk{Data: body, Final: true}),
	}
	if err := g.mgr.SendToRunner(r.Context(), a.RunnerID, bodyEnv, onTimeout); err != nil {
		apierr.WriteResponse(w, rayID, apierr.ServiceUnavail)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), tunnelRequestTimeout)
	defer cancel()

	var status int
	headersWritten := false
	for {
		select {
		case env := <-ch:
			switch env.Kind {
			case wire.KindToServerHTTPStart:
				var head wire.HTTPStartPayload
				decodeBody(env.Body, &head)
				status = head.Status
				if status == 0 {
					status = http.StatusOK
				}
				for k, vs := range head.Headers {
					for _, v := range vs {
						w.Header().Add(k, v)
					}
				}
			case wire.KindToServerHTTPBody:
				var chunk wire.BodyChunk
				decodeBody(env.Body, &chunk)
				if !headersWritten {
					if status == 0 {
						status = http.StatusOK
					}
					w.WriteHeader(status)
					headersWritten = true
				}
				if len(chunk.Data) > 0 {
					_, _ = w.Write(chunk.Data)
				}
				if chunk.Final {
					return
				}
			}
		case <-ctx.Done():
			if timedOut {
				apierr.WriteResponse(w, rayID, apierr.RequestTimeout)
			} else {
				apierr.WriteResponse(w, rayID, apierr.UpstreamError)
			}
			return
		}
	}
}

const tunnelRequestTimeout = 30 * time.Second

func queryString(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return ""
	}
	return "?" + r.URL.RawQuery
}
