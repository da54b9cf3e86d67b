package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ActivityFunc performs a single side-effecting operation. The engine
// calls it at most once per history event: on replay the recorded
// output is returned without calling fn again.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// WorkflowFunc is a registered workflow body. It must be deterministic
// given (input, history) — every side effect has to go through the
// Context methods so the engine can checkpoint it.
type WorkflowFunc func(ctx *Context, input json.RawMessage) (json.RawMessage, error)

// yieldSignal is returned internally (never to workflow authors) when
// a workflow needs to suspend — sleeping, or waiting on a signal or
// sub-workflow that hasn't resolved yet — without blocking a worker
// goroutine for real wall-clock time.
type yieldSignal struct {
	wakeAt time.Time
}

func (y *yieldSignal) Error() string { return "workflow: yield" }

// Context is the only way workflow code may observe non-determinism or
// perform side effects. It tracks a cursor into the run's history and
// replays already-recorded events instead of re-executing them.
type Context struct {
	base    context.Context
	engine  *Engine
	wfID    string
	history []HistoryEvent
	path    []int
	cursor  map[string]int
	newSeq  uint64
	appends []HistoryEvent
}

func newRootContext(base context.Context, e *Engine, wfID string, history []HistoryEvent, nextSeq uint64) *Context {
	return &Context{
		base:    base,
		engine:  e,
		wfID:    wfID,
		history: history,
		path:    nil,
		cursor:  make(map[string]int),
		newSeq:  nextSeq,
	}
}

func pathKey(path []int) string {
	s := ""
	for _, p := range path {
		s += fmt.Sprintf("/%d", p)
	}
	return s
}

func (c *Context) nextIndex() int {
	k := pathKey(c.path)
	idx := c.cursor[k]
	c.cursor[k] = idx + 1
	return idx
}

func (c *Context) lookup(index int) (HistoryEvent, bool) {
	for _, ev := range c.history {
		if ev.Index == index && pathKey(ev.Path) == pathKey(c.path) {
			return ev, true
		}
	}
	return HistoryEvent{}, false
}

func (c *Context) recordAndBuffer(ev HistoryEvent) {
	ev.Path = append([]int(nil), c.path...)
	ev.CreatedAt = time.Now()
	c.appends = append(c.appends, ev)
	c.history = append(c.history, ev)
}

// Context returns the underlying context.Context, for plumbing
// cancellation/deadlines into activity closures.
func (c *Context) StdContext() context.Context { return c.base }

// Activity runs fn exactly once across the lifetime of this workflow
// run. On replay it returns the persisted output instead of calling fn.
func (c *Context) Activity(name string, input any, fn ActivityFunc) (json.RawMessage, error) {
	idx := c.nextIndex()
	identifier := identifierLabel(EventActivity, name)

	if ev, ok := c.lookup(idx); ok {
		if ev.Kind != EventActivity || ev.Identifier != identifier {
			return nil, &ErrHistoryDiverged{Cursor: cursorLabel(c.path, idx), Expected: identifier, Got: ev.Identifier}
		}
		if ev.Error != "" {
			return nil, fmt.Errorf("workflow: activity %s failed: %s", name, ev.Error)
		}
		return ev.Output, nil
	}

	inputRaw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("workflow: marshal activity input: %w", err)
	}

	output, activityErr := c.engine.runActivityWithRetry(c.base, name, fn, inputRaw)
	ev := HistoryEvent{Index: idx, Version: 1, Kind: EventActivity, Identifier: identifier, Input: inputRaw}
	if activityErr != nil {
		ev.Error = activityErr.Error()
	} else {
		ev.Output = output
	}
	c.recordAndBuffer(ev)
	if activityErr != nil {
		return nil, activityErr
	}
	return output, nil
}

// Sleep suspends the workflow for d. The engine reschedules the run
// once d has elapsed rather than blocking a worker goroutine.
func (c *Context) Sleep(d time.Duration) error {
	idx := c.nextIndex()
	identifier := identifierLabel(EventSleep, d.String())

	if ev, ok := c.lookup(idx); ok {
		if ev.Kind != EventSleep || ev.Identifier != identifier {
			return &ErrHistoryDiverged{Cursor: cursorLabel(c.path, idx), Expected: identifier, Got: ev.Identifier}
		}
		return nil
	}

	wake := time.Now().Add(d)
	out, _ := json.Marshal(wake)
	c.recordAndBuffer(HistoryEvent{Index: idx, Version: 1, Kind: EventSleep, Identifier: identifier, Output: out})
	return &yieldSignal{wakeAt: wake}
}

// SignalSend atomically records a pending signal for targetWorkflowID
// and wakes it via the engine's pub/sub bus, if one is configured.
func (c *Context) SignalSend(targetWorkflowID, name string, payload any) error {
	idx := c.nextIndex()
	identifier := identifierLabel(EventSignalSend, targetWorkflowID+"/"+name)

	if ev, ok := c.lookup(idx); ok {
		if ev.Kind != EventSignalSend || ev.Identifier != identifier {
			return &ErrHistoryDiverged{Cursor: cursorLabel(c.path, idx), Expected: identifier, Got: ev.Identifier}
		}
		return nil
	}

	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := c.engine.sendSignal(c.base, targetWorkflowID, name, payloadRaw); err != nil {
		return err
	}
	c.recordAndBuffer(HistoryEvent{Index: idx, Version: 1, Kind: EventSignalSend, Identifier: identifier, Input: payloadRaw})
	return nil
}

// ListenN waits for up to n signals matching one of names. When no
// matching signal has arrived yet it yields; the worker pool retries
// the whole run shortly after, which is safe because every earlier
// side effect already replayed from history before reaching this call.
func (c *Context) ListenN(names []string, n int) ([]Signal, error) {
	idx := c.nextIndex()
	identifier := identifierLabel(EventSignalReceive, fmt.Sprintf("%v:%d", names, n))

	if ev, ok := c.lookup(idx); ok {
		if ev.Kind != EventSignalReceive || ev.Identifier != identifier {
			return nil, &ErrHistoryDiverged{Cursor: cursorLabel(c.path, idx), Expected: identifier, Got: ev.Identifier}
		}
		var sigs []Signal
		if err := json.Unmarshal(ev.Output, &sigs); err != nil {
			return nil, err
		}
		return sigs, nil
	}

	sigs, err := c.engine.consumeSignals(c.base, c.wfID, names, n)
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, &yieldSignal{wakeAt: time.Now().Add(2 * time.Second)}
	}
	out, _ := json.Marshal(sigs)
	c.recordAndBuffer(HistoryEvent{Index: idx, Version: 1, Kind: EventSignalReceive, Identifier: identifier, Output: out})
	return sigs, nil
}

// SubWorkflow starts (or resumes waiting on) a child workflow run and
// blocks the parent's cursor until it completes. gracefulNotFound, if
// true, turns an unregistered child workflow name into a Removed event
// instead of an error.
func (c *Context) SubWorkflow(name, childID string, input any, gracefulNotFound bool) (json.RawMessage, error) {
	idx := c.nextIndex()
	identifier := identifierLabel(EventSubWorkflow, name+"/"+childID)

	if ev, ok := c.lookup(idx); ok {
		switch ev.Kind {
		case EventRemoved:
			return nil, nil
		case EventSubWorkflow:
			if ev.Identifier != identifier {
				return nil, &ErrHistoryDiverged{Cursor: cursorLabel(c.path, idx), Expected: identifier, Got: ev.Identifier}
			}
			if ev.Error != "" {
				return nil, fmt.Errorf("workflow: sub-workflow %s failed: %s", childID, ev.Error)
			}
			return ev.Output, nil
		default:
			return nil, &ErrHistoryDiverged{Cursor: cursorLabel(c.path, idx), Expected: identifier, Got: ev.Identifier}
		}
	}

	if !c.engine.hasWorkflow(name) {
		if gracefulNotFound {
			c.recordAndBuffer(HistoryEvent{Index: idx, Version: 1, Kind: EventRemoved, Identifier: identifier})
			return nil, nil
		}
		return nil, fmt.Errorf("workflow: unregistered sub-workflow %q", name)
	}

	inputRaw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	rec, err := c.engine.ensureChildStarted(c.base, name, childID, c.wfID, append([]int(nil), c.path...), inputRaw)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case StatusCompleted:
		c.recordAndBuffer(HistoryEvent{Index: idx, Version: 1, Kind: EventSubWorkflow, Identifier: identifier, Output: rec.Output})
		return rec.Output, nil
	case StatusFailed:
		c.recordAndBuffer(HistoryEvent{Index: idx, Version: 1, Kind: EventSubWorkflow, Identifier: identifier, Error: rec.Error})
		return nil, fmt.Errorf("workflow: sub-workflow %s failed: %s", childID, rec.Error)
	default:
		return nil, &yieldSignal{wakeAt: time.Now().Add(time.Second)}
	}
}

// Branch enters a nested cursor scope identified by name; events
// recorded through the returned Context live on their own branch so
// the parent's cursor position is unaffected by what happens inside.
func (c *Context) Branch(name string) *Context {
	idx := c.nextIndex()
	identifier := identifierLabel(EventBranch, name)
	if ev, ok := c.lookup(idx); !ok || ev.Identifier != identifier {
		c.recordAndBuffer(HistoryEvent{Index: idx, Version: 1, Kind: EventBranch, Identifier: identifier})
	}
	child := &Context{
		base:    c.base,
		engine:  c.engine,
		wfID:    c.wfID,
		history: c.history,
		path:    append(append([]int(nil), c.path...), idx),
		cursor:  c.cursor,
		newSeq:  c.newSeq,
		appends: c.appends,
	}
	return child
}

// LoopBreak is returned by a loop body to end iteration, carrying the
// loop's final output.
type LoopBreak struct {
	Output json.RawMessage
}

// LoopFunc runs one iteration against state and returns the next
// state, or a *LoopBreak error to stop.
type LoopFunc func(ctx *Context, state json.RawMessage) (json.RawMessage, error)

const loopCommitInterval = 20

// Loope runs an iterative loop, checkpointing state every
// loopCommitInterval iterations and whenever the body returns
// *LoopBreak, so a crash mid-loop resumes near its last checkpoint
// instead of from iteration zero.
func (c *Context) Loope(initial json.RawMessage, fn LoopFunc) (json.RawMessage, error) {
	idx := c.nextIndex()
	identifier := identifierLabel(EventLoop, "loop")

	state := initial
	startIteration := 0
	ev, ok := c.lookup(idx)
	// Every checkpoint appends another event at idx; resume from the latest.
	for _, h := range c.history {
		if h.Index == idx && pathKey(h.Path) == pathKey(c.path) {
			ev = h
		}
	}
	if ok {
		if ev.Kind != EventLoop || ev.Identifier != identifier {
			return nil, &ErrHistoryDiverged{Cursor: cursorLabel(c.path, idx), Expected: identifier, Got: ev.Identifier}
		}
		if ev.LoopDone {
			return ev.Output, nil
		}
		state = ev.LoopState
		startIteration = ev.LoopIteration
	}

	iteration := startIteration
	sinceCheckpoint := 0
	for {
		childPath := append(append([]int(nil), c.path...), idx, iteration)
		child := &Context{base: c.base, engine: c.engine, wfID: c.wfID, history: c.history, path: childPath, cursor: c.cursor, newSeq: c.newSeq, appends: c.appends}
		next, err := fn(child, state)
		c.history = child.history
		c.appends = child.appends

		if brk, ok := err.(*LoopBreak); ok {
			c.recordAndBuffer(HistoryEvent{Index: idx, Version: 1, Kind: EventLoop, Identifier: identifier, LoopIteration: iteration + 1, LoopDone: true, Output: brk.Output})
			return brk.Output, nil
		}
		if err != nil {
			return nil, err
		}

		state = next
		iteration++
		sinceCheckpoint++
		if sinceCheckpoint >= loopCommitInterval {
			c.recordAndBuffer(HistoryEvent{Index: idx, Version: 1, Kind: EventLoop, Identifier: identifier, LoopIteration: iteration, LoopState: state})
			sinceCheckpoint = 0
		}
	}
}
