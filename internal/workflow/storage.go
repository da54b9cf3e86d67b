package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nimbusrun/nimbus/internal/kv"
)

// Key layout, all under the "wf" tuple subspace:
//
//	("wf","rec",id)              -> json(Record)
//	("wf","hist",id,seq)         -> json(HistoryEvent), seq monotonic per workflow
//	("wf","pending",name,id)     -> "" (claimable queue, one row per runnable workflow)
//	("wf","signal",id,signalID)  -> json(Signal)
//	("wf","sleeping",wakeUnix,id)-> "" (scan target for the sleep-wake sweeper)
const subspace = "wf"

func recKey(id string) []byte { return kv.Tuple{subspace, "rec", id}.Pack() }

func histPrefix(id string) []byte { return kv.Tuple{subspace, "hist", id}.Pack() }

func histKey(id string, seq uint64) []byte {
	return kv.Tuple{subspace, "hist", id, seq}.Pack()
}

func pendingKey(name, id string) []byte {
	return kv.Tuple{subspace, "pending", name, id}.Pack()
}

func pendingPrefix(name string) []byte {
	return kv.Tuple{subspace, "pending", name}.Pack()
}

func signalPrefix(workflowID string) []byte {
	return kv.Tuple{subspace, "signal", workflowID}.Pack()
}

func signalKey(workflowID, signalID string) []byte {
	return kv.Tuple{subspace, "signal", workflowID, signalID}.Pack()
}

func sleepingKey(wakeUnix int64, id string) []byte {
	return kv.Tuple{subspace, "sleeping", uint64(wakeUnix), id}.Pack()
}

func sleepingPrefix() []byte { return kv.Tuple{subspace, "sleeping"}.Pack() }

func loadRecord(tx *kv.Transaction, id string) (*Record, error) {
	raw, err := tx.Get(recKey(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("workflow: decode record %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(tx *kv.Transaction, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Set(recKey(rec.ID), raw)
}

func appendHistory(tx *kv.Transaction, id string, seq uint64, ev HistoryEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return tx.Set(histKey(id, seq), raw)
}

func loadHistory(ctx context.Context, tx *kv.Transaction, id string) ([]HistoryEvent, error) {
	begin, end := kv.PrefixRange(histPrefix(id))
	rows, err := tx.GetRange(begin, end, 0, false)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEvent, 0, len(rows))
	for _, row := range rows {
		var ev HistoryEvent
		if err := json.Unmarshal(row.Value, &ev); err != nil {
			return nil, fmt.Errorf("workflow: decode history row for %s: %w", id, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func historyLen(ctx context.Context, driver kv.Driver, id string) (int, error) {
	var n int
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		hist, err := loadHistory(ctx, tx, id)
		if err != nil {
			return err
		}
		n = len(hist)
		return nil
	})
	return n, err
}

// nextSequence returns the number of history rows already written for
// id, which doubles as the next append sequence number.
func nextSequence(tx *kv.Transaction, id string) (uint64, error) {
	begin, end := kv.PrefixRange(histPrefix(id))
	rows, err := tx.GetRange(begin, end, 0, false)
	if err != nil {
		return 0, err
	}
	return uint64(len(rows)), nil
}

func cursorLabel(path []int, index int) string {
	s := "root"
	for _, p := range path {
		s += "/" + strconv.Itoa(p)
	}
	return s + "#" + strconv.Itoa(index)
}

func identifierLabel(kind EventKind, name string) string {
	return fmt.Sprintf("%s:%s", kind, name)
}

func timeToUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
