package workflow

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/rs/zerolog"
)

func leasedKey(expiryUnix int64, id string) []byte {
	return kv.Tuple{subspace, "leased", uint64(expiryUnix), id}.Pack()
}

func leasedPrefix() []byte { return kv.Tuple{subspace, "leased"}.Pack() }

// WorkerPool claims runnable workflows for a fixed set of registered
// names, executes one step at a time, and pings its lease while a step
// is in flight so a stalled sweep can tell a live worker from a dead
// one. Shaped after the ticker+stopCh poll loop used elsewhere in this
// tree for periodic reconciliation work.
type WorkerPool struct {
	id     string
	engine *Engine
	names  []string
	logger zerolog.Logger

	leaseTTL     time.Duration
	pollInterval time.Duration
	pingInterval time.Duration
	sweepEvery   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorkerPool returns a pool claiming workflows whose name is in
// names, leased against engine's driver.
func NewWorkerPool(engine *Engine, names []string) *WorkerPool {
	return &WorkerPool{
		id:           uuid.NewString(),
		engine:       engine,
		names:        names,
		logger:       log.WithComponent("workflow-worker"),
		leaseTTL:     30 * time.Second,
		pollInterval: 500 * time.Millisecond,
		pingInterval: 10 * time.Second,
		sweepEvery:   5 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// Start begins the poll and GC sweep loops in the background.
func (p *WorkerPool) Start() {
	p.wg.Add(2)
	go p.pollLoop()
	go p.sweepLoop()
}

// Stop signals both loops to exit and waits for in-flight steps to
// finish releasing their leases.
func (p *WorkerPool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *WorkerPool) pollLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.pollOnce()
		case <-p.stopCh:
			return
		}
	}
}

func (p *WorkerPool) pollOnce() {
	for _, name := range p.names {
		id, claimed := p.claimOne(name)
		if !claimed {
			continue
		}
		p.wg.Add(1)
		go p.runClaimed(name, id)
	}
}

// claimOne scans a small window of name's pending queue, picks one
// entry at random to reduce contention against other workers scanning
// the same prefix, and atomically moves it into a leased state.
func (p *WorkerPool) claimOne(name string) (string, bool) {
	ctx := context.Background()
	var claimedID string
	_, err := kv.Run(ctx, p.engine.driver, func(tx *kv.Transaction) error {
		claimedID = ""
		begin, end := kv.PrefixRange(pendingPrefix(name))
		rows, err := tx.GetRange(begin, end, 20, false)
		if err != nil || len(rows) == 0 {
			return err
		}
		row := rows[rand.Intn(len(rows))]
		t, err := kv.Unpack(row.Key)
		if err != nil || len(t) == 0 {
			return err
		}
		id, _ := t[len(t)-1].(string)
		if id == "" {
			return nil
		}
		rec, err := loadRecord(tx, id)
		if err != nil || rec == nil {
			return err
		}
		if rec.LeaseOwner != "" && rec.LeaseUntil.After(time.Now()) {
			return nil
		}
		until := time.Now().Add(p.leaseTTL)
		rec.LeaseOwner = p.id
		rec.LeaseUntil = until
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		tx.Clear(row.Key)
		if err := tx.Set(leasedKey(until.Unix(), id), []byte(name)); err != nil {
			return err
		}
		claimedID = id
		return nil
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("workflow_name", name).Msg("claim attempt failed")
		return "", false
	}
	return claimedID, claimedID != ""
}

func (p *WorkerPool) runClaimed(name, id string) {
	defer p.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingStop := make(chan struct{})
	go p.pingLease(ctx, id, pingStop)
	defer close(pingStop)

	done, err := p.engine.Execute(ctx, id)
	if err != nil {
		p.logger.Error().Err(err).Str("workflow_id", id).Str("name", name).Msg("step execution error")
		return
	}
	if done {
		p.logger.Debug().Str("workflow_id", id).Str("name", name).Msg("workflow run reached terminal state")
	}
}

func (p *WorkerPool) pingLease(ctx context.Context, id string, stop <-chan struct{}) {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = kv.Run(ctx, p.engine.driver, func(tx *kv.Transaction) error {
				rec, err := loadRecord(tx, id)
				if err != nil || rec == nil || rec.LeaseOwner != p.id {
					return err
				}
				until := time.Now().Add(p.leaseTTL)
				rec.LeaseUntil = until
				if err := putRecord(tx, rec); err != nil {
					return err
				}
				return tx.Set(leasedKey(until.Unix(), id), []byte(rec.Name))
			})
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweepLoop reclaims leases abandoned by a dead worker and moves
// workflows whose sleep deadline has passed back into their pending
// queue so some worker picks them up again.
func (p *WorkerPool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweepExpiredLeases()
			p.sweepDueSleepers()
		case <-p.stopCh:
			return
		}
	}
}

func (p *WorkerPool) sweepExpiredLeases() {
	ctx := context.Background()
	now := time.Now()
	_, err := kv.Run(ctx, p.engine.driver, func(tx *kv.Transaction) error {
		begin, end := kv.PrefixRange(leasedPrefix())
		rows, err := tx.GetRange(begin, end, 100, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			t, err := kv.Unpack(row.Key)
			if err != nil || len(t) < 2 {
				continue
			}
			expiryUnix, _ := t[len(t)-2].(uint64)
			id, _ := t[len(t)-1].(string)
			if int64(expiryUnix) > now.Unix() {
				continue
			}
			tx.Clear(row.Key)
			if id == "" {
				continue
			}
			rec, err := loadRecord(tx, id)
			if err != nil || rec == nil {
				continue
			}
			if rec.LeaseOwner == "" || rec.LeaseUntil.After(now) {
				continue
			}
			rec.LeaseOwner = ""
			rec.LeaseUntil = time.Time{}
			if err := putRecord(tx, rec); err != nil {
				return err
			}
			if err := tx.Set(pendingKey(rec.Name, rec.ID), []byte{}); err != nil {
				return err
			}
			p.logger.Warn().Str("workflow_id", id).Msg("reclaimed lease from a worker that stopped pinging")
		}
		return nil
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("lease sweep failed")
	}
}

func (p *WorkerPool) sweepDueSleepers() {
	ctx := context.Background()
	now := time.Now()
	_, err := kv.Run(ctx, p.engine.driver, func(tx *kv.Transaction) error {
		begin, end := kv.PrefixRange(sleepingPrefix())
		rows, err := tx.GetRange(begin, end, 100, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			t, err := kv.Unpack(row.Key)
			if err != nil || len(t) < 2 {
				continue
			}
			wakeUnix, _ := t[len(t)-2].(uint64)
			id, _ := t[len(t)-1].(string)
			if int64(wakeUnix) > now.Unix() || id == "" {
				continue
			}
			name := string(row.Value)
			tx.Clear(row.Key)
			if err := tx.Set(pendingKey(name, id), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("sleeper sweep failed")
	}
}
