package runner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/nimbusrun/nimbus/internal/workflow"
	"github.com/rs/zerolog"
)

// DefaultLostThreshold is the "no ping for ~60s" default from spec §4.5.
const DefaultLostThreshold = 60 * time.Second

// ExpirySweeper periodically scans runner records for missed pings and
// delivers a runner_expired bypass signal to each one found, the way
// internal/workflow's own WorkerPool sweeps abandoned leases.
type ExpirySweeper struct {
	driver    kv.Driver
	engine    *workflow.Engine
	threshold time.Duration
	interval  time.Duration
	logger    zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewExpirySweeper returns a sweeper that expires runners unping'd for
// longer than threshold, checking every interval.
func NewExpirySweeper(driver kv.Driver, e *workflow.Engine, threshold, interval time.Duration) *ExpirySweeper {
	return &ExpirySweeper{
		driver:    driver,
		engine:    e,
		threshold: threshold,
		interval:  interval,
		logger:    log.WithComponent("runner-sweeper"),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the sweep loop in the background.
func (s *ExpirySweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the sweep loop and waits for the in-flight sweep to finish.
func (s *ExpirySweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *ExpirySweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *ExpirySweeper) sweepOnce() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.threshold).UnixMilli()
	var expired []string
	_, err := kv.Run(ctx, s.driver, func(tx *kv.Transaction) error {
		expired = nil
		begin, end := kv.PrefixRange(kv.Tuple{runnerSubspace, "rec"}.Pack())
		rows, err := tx.GetRange(begin, end, 500, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var r types.Runner
			if err := json.Unmarshal(row.Value, &r); err != nil {
				continue
			}
			if r.StopTS > 0 || r.DrainTS > 0 {
				continue
			}
			if r.LastPingTS < cutoff {
				expired = append(expired, r.RunnerID)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("runner expiry scan failed")
		return
	}
	for _, id := range expired {
		if err := s.engine.SignalBypass(ctx, id, "runner_expired", nil); err != nil {
			s.logger.Warn().Err(err).Str("runner_id", id).Msg("failed to signal expired runner")
		}
	}
}
