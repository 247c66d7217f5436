// Package storage persists the run log: every fill and order transition
// in scheduler order, plus the final account snapshot. Two runs over the
// same inputs produce byte-identical logs, which is how determinism gets
// verified after the fact.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/spotsim/pkg/exchange"
	"github.com/uhyunpark/spotsim/pkg/exchange/ledger"
)

// OrderRecord is the persisted form of one order transition
type OrderRecord struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId,omitempty"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cummulativeQuoteQty"`
	Status        string `json:"status"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

// FillRecord is the persisted form of one fill
type FillRecord struct {
	TradeID         int64  `json:"tradeId"`
	OrderID         int64  `json:"orderId"`
	CounterOrderID  int64  `json:"counterOrderId"`
	Symbol          string `json:"symbol"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	IsMaker         bool   `json:"isMaker"`
	Time            int64  `json:"time"`
	Seq             uint64 `json:"seq"`
}

// BalanceRecord is one asset line in the snapshot
type BalanceRecord struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

// Snapshot is the final account state of a run
type Snapshot struct {
	Time     int64           `json:"time"`
	Balances []BalanceRecord `json:"balances"`
	Fees     []BalanceRecord `json:"fees"`
}

// RunLog is a Pebble-backed append log for one simulation run. Writes
// come only from the scheduler goroutine; reads happen after the run.
type RunLog struct {
	db  *pebble.DB
	led *ledger.Ledger
	rec uint64 // order-record append counter
}

// NewRunLog opens (or creates) the log at path. The ledger is read once,
// at snapshot time.
func NewRunLog(path string, led *ledger.Ledger) (*RunLog, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &RunLog{db: db, led: led}, nil
}

func (l *RunLog) Close() error { return l.db.Close() }

// RecordFill appends one fill, keyed by (time, engine sequence)
func (l *RunLog) RecordFill(f exchange.Fill) error {
	rec := FillRecord{
		TradeID:         f.TradeID,
		OrderID:         f.OrderID,
		CounterOrderID:  f.CounterOrderID,
		Symbol:          f.Symbol,
		Price:           f.Price.String(),
		Qty:             f.Qty.String(),
		QuoteQty:        f.QuoteQty.String(),
		Commission:      f.Commission.String(),
		CommissionAsset: f.CommissionAsset,
		IsMaker:         f.IsMaker,
		Time:            f.Time,
		Seq:             f.Seq,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal fill: %w", err)
	}
	if err := l.db.Set(fillKey(f.Time, f.Seq), data, pebble.Sync); err != nil {
		return fmt.Errorf("save fill: %w", err)
	}
	return nil
}

// RecordOrder appends one order transition snapshot
func (l *RunLog) RecordOrder(o exchange.Order) error {
	rec := OrderRecord{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side.String(),
		Type:          o.Type.String(),
		Price:         o.Price.String(),
		OrigQty:       o.OrigQty.String(),
		ExecutedQty:   o.ExecutedQty.String(),
		CumQuote:      o.CumQuote.String(),
		Status:        o.Status.String(),
		Time:          o.Time,
		UpdateTime:    o.UpdateTime,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	l.rec++
	if err := l.db.Set(orderKey(o.UpdateTime, l.rec), data, pebble.Sync); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// RecordSnapshot writes the final account state
func (l *RunLog) RecordSnapshot(t int64) error {
	snap := Snapshot{Time: t}
	for _, b := range l.led.Balances() {
		snap.Balances = append(snap.Balances, BalanceRecord{
			Asset:  b.Asset,
			Free:   b.Free.String(),
			Locked: b.Locked.String(),
		})
	}
	for _, f := range l.led.Fees() {
		snap.Fees = append(snap.Fees, BalanceRecord{Asset: f.Asset, Free: f.Free.String()})
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := l.db.Set(snapshotKey(), data, pebble.Sync); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Fills scans all persisted fills in replay order
func (l *RunLog) Fills() ([]FillRecord, error) {
	return scan[FillRecord](l.db, []byte(prefixFill))
}

// Orders scans all persisted order transitions in replay order
func (l *RunLog) Orders() ([]OrderRecord, error) {
	return scan[OrderRecord](l.db, []byte(prefixOrder))
}

// LoadSnapshot reads the final snapshot, or nil if the run never finished
func (l *RunLog) LoadSnapshot() (*Snapshot, error) {
	data, closer, err := l.db.Get(snapshotKey())
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	defer closer.Close()
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func scan[T any](db *pebble.DB, prefix []byte) ([]T, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var out []T
	for iter.First(); iter.Valid(); iter.Next() {
		var rec T
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}
