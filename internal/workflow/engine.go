package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/pubsub"
)

// Engine owns workflow/activity registration and the durable state
// machine driving runs forward. It holds no per-run goroutines itself;
// WorkerPool (worker.go) is what actually schedules Execute calls.
type Engine struct {
	driver  kv.Driver
	bus     pubsub.Bus
	metrics *metrics.Metrics

	workflows  map[string]WorkflowFunc
	activities map[string]ActivityFunc

	ActivityRetryCap   int
	ActivityRetryDelay time.Duration
}

// New returns an Engine persisting state through driver. bus is
// optional (nil disables wake notifications; signal delivery still
// works via polling).
func New(driver kv.Driver, bus pubsub.Bus, m *metrics.Metrics) *Engine {
	return &Engine{
		driver:             driver,
		bus:                bus,
		metrics:            m,
		workflows:          make(map[string]WorkflowFunc),
		activities:         make(map[string]ActivityFunc),
		ActivityRetryCap:   5,
		ActivityRetryDelay: 200 * time.Millisecond,
	}
}

// RegisterWorkflow makes name runnable by any worker built against
// this engine.
func (e *Engine) RegisterWorkflow(name string, fn WorkflowFunc) { e.workflows[name] = fn }

// RegisterActivity makes name callable from any registered workflow.
func (e *Engine) RegisterActivity(name string, fn ActivityFunc) { e.activities[name] = fn }

func (e *Engine) hasWorkflow(name string) bool { _, ok := e.workflows[name]; return ok }

// Start creates a new workflow run and enqueues it as runnable. id must
// be unique; callers typically derive it deterministically (e.g. an
// actor ID) so re-starting is idempotent.
func (e *Engine) Start(ctx context.Context, name, id string, input any) error {
	inputRaw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	_, err = kv.Run(ctx, e.driver, func(tx *kv.Transaction) error {
		existing, err := loadRecord(tx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		rec := &Record{ID: id, Name: name, Input: inputRaw, Status: StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		return tx.Set(pendingKey(name, id), []byte{})
	})
	return err
}

// ensureChildStarted is SubWorkflow's helper: it lazily creates the
// child run on first call and returns its current record on every call.
func (e *Engine) ensureChildStarted(ctx context.Context, name, childID, parentID string, parentPath []int, input json.RawMessage) (*Record, error) {
	var rec *Record
	_, err := kv.Run(ctx, e.driver, func(tx *kv.Transaction) error {
		existing, err := loadRecord(tx, childID)
		if err != nil {
			return err
		}
		if existing != nil {
			rec = existing
			return nil
		}
		rec = &Record{ID: childID, Name: name, Input: input, Status: StatusRunning, CreatedAt: time.Now(), UpdatedAt: time.Now(), ParentID: parentID, ParentPath: parentPath}
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		return tx.Set(pendingKey(name, childID), []byte{})
	})
	return rec, err
}

// SignalBypass sends a signal to targetWorkflowID from outside any
// workflow context — an HTTP handler, a background sweeper, or another
// activity. The receiving workflow still records its receipt as a
// normal history event the next time it calls ListenN; per spec §4.3
// this is the "bypass_signal_from_workflow_*" form.
func (e *Engine) SignalBypass(ctx context.Context, targetWorkflowID, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.sendSignal(ctx, targetWorkflowID, name, raw)
}

func (e *Engine) sendSignal(ctx context.Context, targetWorkflowID, name string, payload json.RawMessage) error {
	sig := Signal{ID: uuid.NewString(), WorkflowID: targetWorkflowID, Name: name, Payload: payload, CreatedAt: time.Now()}
	raw, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	_, err = kv.Run(ctx, e.driver, func(tx *kv.Transaction) error {
		return tx.Set(signalKey(targetWorkflowID, sig.ID), raw)
	})
	if err != nil {
		return err
	}
	if e.bus != nil {
		_ = e.bus.Publish(ctx, "wf.wake."+targetWorkflowID, nil, pubsub.PublishOptions{Behavior: pubsub.Broadcast})
	}
	return nil
}

func (e *Engine) consumeSignals(ctx context.Context, workflowID string, names []string, n int) ([]Signal, error) {
	var out []Signal
	_, err := kv.Run(ctx, e.driver, func(tx *kv.Transaction) error {
		out = nil
		begin, end := kv.PrefixRange(signalPrefix(workflowID))
		rows, err := tx.GetRange(begin, end, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var sig Signal
			if err := json.Unmarshal(row.Value, &sig); err != nil {
				return err
			}
			if !matchesName(sig.Name, names) {
				continue
			}
			out = append(out, sig)
			tx.Clear(row.Key)
			if len(out) >= n {
				break
			}
		}
		return nil
	})
	return out, err
}

func matchesName(name string, names []string) bool {
	if len(names) == 0 {
		return true
	}
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func (e *Engine) runActivityWithRetry(ctx context.Context, name string, fn ActivityFunc, input json.RawMessage) (json.RawMessage, error) {
	impl := fn
	if impl == nil {
		impl = e.activities[name]
	}
	if impl == nil {
		return nil, fmt.Errorf("workflow: unregistered activity %q", name)
	}

	timer := metrics.NewTimer()
	var lastErr error
	delay := e.ActivityRetryDelay
	for attempt := 0; attempt <= e.ActivityRetryCap; attempt++ {
		out, err := impl(ctx, input)
		if err == nil {
			if e.metrics != nil {
				timer.ObserveDuration(e.metrics.ActivityLatency.WithLabelValues(name))
			}
			return out, nil
		}
		lastErr = err
		if attempt == e.ActivityRetryCap {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
	}
	return nil, fmt.Errorf("workflow: activity %s permanently failed after %d attempts: %w", name, e.ActivityRetryCap+1, lastErr)
}

// Execute runs one step of workflow run id: it loads the record and
// history, replays/continues the registered workflow function, and
// persists whatever progress that step made. It returns done=true once
// the run reaches a terminal state.
func (e *Engine) Execute(ctx context.Context, id string) (done bool, err error) {
	var rec *Record
	var history []HistoryEvent
	_, err = kv.Run(ctx, e.driver, func(tx *kv.Transaction) error {
		r, err := loadRecord(tx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("workflow: unknown run %s", id)
		}
		rec = r
		h, err := loadHistory(ctx, tx, id)
		if err != nil {
			return err
		}
		history = h
		return nil
	})
	if err != nil {
		return false, err
	}
	if rec.Status == StatusCompleted || rec.Status == StatusFailed {
		return true, nil
	}

	fn, ok := e.workflows[rec.Name]
	if !ok {
		return false, fmt.Errorf("workflow: unregistered workflow %q", rec.Name)
	}

	wctx := newRootContext(ctx, e, id, history, uint64(len(history)))
	output, runErr := fn(wctx, rec.Input)

	var yield *yieldSignal
	if errors.As(runErr, &yield) {
		return false, e.persistStep(ctx, rec, wctx.appends, StatusSleeping, yield.wakeAt, nil, "")
	}
	if runErr != nil {
		log.WithComponent("workflow").Error().Err(runErr).Str("workflow_id", id).Str("name", rec.Name).Msg("run failed")
		return true, e.persistStep(ctx, rec, wctx.appends, StatusFailed, time.Time{}, nil, runErr.Error())
	}
	return true, e.persistStep(ctx, rec, wctx.appends, StatusCompleted, time.Time{}, output, "")
}

func (e *Engine) persistStep(ctx context.Context, rec *Record, appends []HistoryEvent, status Status, wakeAt time.Time, output json.RawMessage, errMsg string) error {
	_, err := kv.Run(ctx, e.driver, func(tx *kv.Transaction) error {
		seq, err := nextSequence(tx, rec.ID)
		if err != nil {
			return err
		}
		for _, ev := range appends {
			if err := appendHistory(tx, rec.ID, seq, ev); err != nil {
				return err
			}
			seq++
		}

		rec.Status = status
		rec.UpdatedAt = time.Now()
		rec.Output = output
		rec.Error = errMsg
		rec.WakeAt = wakeAt
		rec.LeaseOwner = ""
		rec.LeaseUntil = time.Time{}

		switch status {
		case StatusSleeping:
			tx.Clear(pendingKey(rec.Name, rec.ID))
			if err := tx.Set(sleepingKey(wakeAt.Unix(), rec.ID), []byte(rec.Name)); err != nil {
				return err
			}
		case StatusCompleted, StatusFailed:
			tx.Clear(pendingKey(rec.Name, rec.ID))
		}
		return putRecord(tx, rec)
	})
	if err == nil && e.bus != nil && rec.ParentID != "" {
		_ = e.bus.Publish(ctx, "wf.wake."+rec.ParentID, nil, pubsub.PublishOptions{Behavior: pubsub.Broadcast})
	}
	return err
}
