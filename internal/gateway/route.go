package gateway

import (
	"fmt"
	"strings"
)

// ActorRoute is a resolved (actor_id, token, remainder) parsed out of
// an inbound gateway request.
type ActorRoute struct {
	ActorID string
	Token   string
	Rest    string // remaining path/query to forward to the actor
}

// ExtractActorRoute implements spec §6's two addressing forms: the
// path form "/gateway/{actor_id}[@{token}]/…" and the WebSocket
// subprotocol form carried in Sec-WebSocket-Protocol as
// "rivet, rivet_target.actor, rivet_actor.<id>[, rivet_token.<token>]".
func ExtractActorRoute(path string, wsProtocolHeader string) (ActorRoute, error) {
	if wsProtocolHeader != "" {
		if r, ok := parseWSProtocolRoute(wsProtocolHeader); ok {
			r.Rest = path
			return r, nil
		}
	}
	const prefix = "/gateway/"
	if !strings.HasPrefix(path, prefix) {
		return ActorRoute{}, fmt.Errorf("gateway: path %q does not start with %s", path, prefix)
	}
	remainder := path[len(prefix):]
	segEnd := strings.IndexByte(remainder, '/')
	seg := remainder
	rest := "/"
	if segEnd >= 0 {
		seg = remainder[:segEnd]
		rest = remainder[segEnd:]
	}
	actorID, token, _ := strings.Cut(seg, "@")
	if actorID == "" {
		return ActorRoute{}, fmt.Errorf("gateway: empty actor id in path %q", path)
	}
	return ActorRoute{ActorID: actorID, Token: token, Rest: rest}, nil
}

func parseWSProtocolRoute(header string) (ActorRoute, bool) {
	var route ActorRoute
	found := false
	for _, raw := range strings.Split(header, ",") {
		tok := strings.TrimSpace(raw)
		switch {
		case strings.HasPrefix(tok, "rivet_actor."):
			route.ActorID = strings.TrimPrefix(tok, "rivet_actor.")
			found = true
		case strings.HasPrefix(tok, "rivet_token."):
			route.Token = strings.TrimPrefix(tok, "rivet_token.")
		}
	}
	return route, found
}
