// Package namespace implements administrative tenant scopes: creation
// with DNS-subdomain name validation, lookup by id or name, and
// listing, layered directly over internal/kv the way internal/actor's
// by-key index does.
package namespace

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/types"
)

const subspace = "namespace"

// NameRegex is the DNS-subdomain pattern §6 requires of Namespace.Name.
var NameRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

func recKey(id string) []byte     { return kv.Tuple{subspace, "rec", id}.Pack() }
func byNameKey(name string) []byte { return kv.Tuple{subspace, "by_name", name}.Pack() }
func listPrefix() []byte          { return kv.Tuple{subspace, "rec"}.Pack() }

// ErrInvalidName is returned when a namespace name fails NameRegex.
var ErrInvalidName = fmt.Errorf("namespace: name must match %s", NameRegex.String())

// ErrNameTaken is returned when a namespace name is already in use.
var ErrNameTaken = fmt.Errorf("namespace: name already exists")

// Create validates name and, if free, inserts a new namespace record.
func Create(ctx context.Context, driver kv.Driver, name, displayName string) (*types.Namespace, error) {
	if !NameRegex.MatchString(name) {
		return nil, ErrInvalidName
	}
	ns := &types.Namespace{
		NamespaceID: uuid.NewString(),
		Name:        name,
		DisplayName: displayName,
		CreateTS:    time.Now().UnixMilli(),
	}
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		existing, err := tx.Get(byNameKey(name))
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrNameTaken
		}
		raw, err := json.Marshal(ns)
		if err != nil {
			return err
		}
		if err := tx.Set(recKey(ns.NamespaceID), raw); err != nil {
			return err
		}
		return tx.Set(byNameKey(name), []byte(ns.NamespaceID))
	})
	if err != nil {
		return nil, err
	}
	return ns, nil
}

// GetByName resolves a namespace by its unique name, returning nil if
// no such namespace exists.
func GetByName(ctx context.Context, driver kv.Driver, name string) (*types.Namespace, error) {
	var ns *types.Namespace
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		idRaw, err := tx.Get(byNameKey(name))
		if err != nil || idRaw == nil {
			return err
		}
		raw, err := tx.Get(recKey(string(idRaw)))
		if err != nil || raw == nil {
			return err
		}
		var n types.Namespace
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		ns = &n
		return nil
	})
	return ns, err
}

// Get resolves a namespace by id.
func Get(ctx context.Context, driver kv.Driver, id string) (*types.Namespace, error) {
	var ns *types.Namespace
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		raw, err := tx.Get(recKey(id))
		if err != nil || raw == nil {
			return err
		}
		var n types.Namespace
		if err := json.Unmarshal(raw, &n); err != nil {
			return err
		}
		ns = &n
		return nil
	})
	return ns, err
}

// List returns every namespace, ordered by id.
func List(ctx context.Context, driver kv.Driver) ([]*types.Namespace, error) {
	var out []*types.Namespace
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		begin, end := kv.PrefixRange(listPrefix())
		rows, err := tx.GetRange(begin, end, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var n types.Namespace
			if err := json.Unmarshal(row.Value, &n); err != nil {
				continue
			}
			out = append(out, &n)
		}
		return nil
	})
	return out, err
}
