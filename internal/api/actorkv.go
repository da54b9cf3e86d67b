package api

import (
	"net/url"

	"github.com/nimbusrun/nimbus/internal/actorkv"
)

// actorkvQueryFromParams builds an actorkv.Query from GET
// /actors/{id}/kv/keys query params: ?prefix= selects QueryPrefix,
// ?start=&end= selects QueryRange, otherwise QueryAll.
func actorkvQueryFromParams(q url.Values) actorkv.Query {
	if prefix := q.Get("prefix"); prefix != "" {
		return actorkv.Query{Kind: actorkv.QueryPrefix, Prefix: prefix}
	}
	start, end := q.Get("start"), q.Get("end")
	if start != "" || end != "" {
		return actorkv.Query{Kind: actorkv.QueryRange, Start: start, End: end, Exclusive: q.Get("exclusive") == "true"}
	}
	return actorkv.Query{Kind: actorkv.QueryAll}
}
