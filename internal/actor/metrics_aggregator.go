package actor

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/rs/zerolog"
)

// MetricsAggregator periodically folds the per-actor awake-duration
// deltas actor_destroy writes into the namespace-scoped
// AwakeDurationMillis counter, the way ExpirySweeper folds individual
// runner pings into a lost-runner decision on its own schedule rather
// than on the request path.
type MetricsAggregator struct {
	driver   kv.Driver
	metrics  *metrics.Metrics
	interval time.Duration
	logger   zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMetricsAggregator returns an aggregator that rolls up pending
// deltas every interval.
func NewMetricsAggregator(driver kv.Driver, m *metrics.Metrics, interval time.Duration) *MetricsAggregator {
	return &MetricsAggregator{
		driver:   driver,
		metrics:  m,
		interval: interval,
		logger:   log.WithComponent("actor-metrics-aggregator"),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the rollup loop in the background.
func (a *MetricsAggregator) Start() {
	a.wg.Add(1)
	go a.loop()
}

// Stop ends the rollup loop and waits for the in-flight pass to finish.
func (a *MetricsAggregator) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *MetricsAggregator) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.rollupOnce()
		case <-a.stopCh:
			return
		}
	}
}

func (a *MetricsAggregator) rollupOnce() {
	totals := map[string]uint64{}
	_, err := kv.Run(context.Background(), a.driver, func(tx *kv.Transaction) error {
		totals = map[string]uint64{}
		begin, end := kv.PrefixRange(metricsDeltaPrefix())
		rows, err := tx.GetRange(begin, end, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			t, err := kv.Unpack(row.Key)
			if err != nil || len(t) < 5 {
				continue
			}
			namespaceID, _ := t[2].(string)
			if namespaceID == "" || len(row.Value) != 8 {
				tx.Clear(row.Key)
				continue
			}
			totals[namespaceID] += binary.BigEndian.Uint64(row.Value)
			tx.Clear(row.Key)
		}
		return nil
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("actor metrics rollup failed")
		return
	}
	if a.metrics == nil {
		return
	}
	for namespaceID, millis := range totals {
		a.metrics.AwakeDurationMillis.WithLabelValues(namespaceID).Add(float64(millis))
	}
}
