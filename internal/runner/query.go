package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/types"
)

// List returns every runner registered within namespaceID, ordered by
// runner id (the listIdxKey order).
func List(ctx context.Context, driver kv.Driver, namespaceID string, limit int) ([]*types.Runner, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var out []*types.Runner
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		out = nil
		begin, end := kv.PrefixRange(listIdxPrefix(namespaceID))
		rows, err := tx.GetRange(begin, end, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			t, err := kv.Unpack(row.Key)
			if err != nil || len(t) == 0 {
				continue
			}
			id, _ := t[len(t)-1].(string)
			r, err := loadRunner(tx, id)
			if err != nil || r == nil {
				continue
			}
			out = append(out, r)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// PutConfig validates and persists a RunnerConfig (spec §6
// `PUT /runner-configs/{runner_name}`).
func PutConfig(ctx context.Context, driver kv.Driver, c *types.RunnerConfig) error {
	if c.Kind == types.RunnerConfigServerless && c.Serverless == nil {
		return fmt.Errorf("runner: serverless config missing Serverless block")
	}
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		return PutRunnerConfig(tx, c)
	})
	return err
}

// GetConfig reads back a runner's scheduling policy, or nil if unset.
func GetConfig(ctx context.Context, driver kv.Driver, namespaceID, runnerName string) (*types.RunnerConfig, error) {
	var c *types.RunnerConfig
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		rec, err := GetRunnerConfig(tx, namespaceID, runnerName)
		c = rec
		return err
	})
	return c, err
}

// DeleteConfig clears a runner's policy. Idempotent per §7: deleting a
// config that was never set still succeeds.
func DeleteConfig(ctx context.Context, driver kv.Driver, namespaceID, runnerName string) error {
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		DeleteRunnerConfig(tx, namespaceID, runnerName)
		return nil
	})
	return err
}

// ServerlessMetadata is the payload a serverless endpoint's /metadata
// route replies with, per spec §6 `refresh-metadata`.
type ServerlessMetadata struct {
	Runtime      string   `json:"runtime"`
	Version      string   `json:"version"`
	ActorNames   []string `json:"actorNames,omitempty"`
}

// RefreshMetadata fetches GET {url}/metadata from a serverless
// endpoint and stores the result on the runner config's Metadata map.
func RefreshMetadata(ctx context.Context, driver kv.Driver, client *http.Client, namespaceID, runnerName string) (*ServerlessMetadata, error) {
	cfg, err := GetConfig(ctx, driver, namespaceID, runnerName)
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.Kind != types.RunnerConfigServerless || cfg.Serverless == nil {
		return nil, fmt.Errorf("runner: %s/%s is not a serverless runner config", namespaceID, runnerName)
	}
	meta, err := fetchMetadata(ctx, client, cfg.Serverless)
	if err != nil {
		return nil, err
	}
	if cfg.Metadata == nil {
		cfg.Metadata = map[string]string{}
	}
	cfg.Metadata["runtime"] = meta.Runtime
	cfg.Metadata["version"] = meta.Version
	if err := PutConfig(ctx, driver, cfg); err != nil {
		return nil, err
	}
	return meta, nil
}

func fetchMetadata(ctx context.Context, client *http.Client, sc *types.ServerlessConfig) (*ServerlessMetadata, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sc.URL+"/metadata", nil)
	if err != nil {
		return nil, err
	}
	for k, v := range sc.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runner: metadata fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("runner: metadata fetch: status %d", resp.StatusCode)
	}
	var meta ServerlessMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("runner: decode metadata response: %w", err)
	}
	return &meta, nil
}

// HealthCheckServerless synchronously validates a serverless URL by
// issuing a lightweight probe request (spec §6
// `serverless-health-check`), without persisting anything.
func HealthCheckServerless(ctx context.Context, client *http.Client, sc *types.ServerlessConfig) error {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sc.URL+"/metadata", bytes.NewReader(nil))
	if err != nil {
		return err
	}
	for k, v := range sc.Headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("runner: serverless health check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("runner: serverless health check: status %d", resp.StatusCode)
	}
	return nil
}
