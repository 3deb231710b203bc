package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"

	"signalbot/internal/model"
	"signalbot/internal/store"
)

func (s *Store) LoadReference(ctx context.Context, chatID int64) (float64, error) {
	var p float64
	err := s.db.QueryRowContext(ctx,
		`SELECT price FROM reference_prices WHERE chat_id = ?`, chatID).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite load reference: %w", err)
	}
	return p, nil
}

func (s *Store) IsSubscribed(ctx context.Context, chatID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM subscribers WHERE chat_id = ?`, chatID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite subscribed: %w", err)
	}
	return true, nil
}

// History returns the newest limit rows in insertion order.
func (s *Store) History(ctx context.Context, chatID int64, limit int) ([]model.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, signal, price, rsi, usd_change, pct_change FROM (
			SELECT id, ts, signal, price, rsi, usd_change, pct_change
			FROM history WHERE chat_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query history: %w", err)
	}
	defer rows.Close()

	var out []model.HistoryEntry
	for rows.Next() {
		var (
			e   model.HistoryEntry
			ns  int64
			sig string
		)
		if err := rows.Scan(&ns, &sig, &e.Price, &e.RSI, &e.USDChange, &e.PctChange); err != nil {
			return nil, fmt.Errorf("sqlite scan history: %w", err)
		}
		e.Timestamp = time.Unix(0, ns)
		if e.Signal, err = model.ParseSignal(sig); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Subscribers(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM subscribers ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query subscribers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LatestSnapshot returns the most recently saved snapshot, or false when none
// was recorded.
func (s *Store) LatestSnapshot(ctx context.Context) (model.Snapshot, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM indicator_snapshots ORDER BY id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, false, nil
	}
	if err != nil {
		return model.Snapshot{}, false, fmt.Errorf("sqlite query snapshot: %w", err)
	}
	var row snapshotJSON
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return model.Snapshot{}, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return row.snapshot(), true, nil
}

// snapshotJSON stores NaN warm-up values as null.
type snapshotJSON struct {
	Time       time.Time `json:"time"`
	Close      *float64  `json:"close"`
	SMAFast    *float64  `json:"sma_fast"`
	SMASlow    *float64  `json:"sma_slow"`
	RSI        *float64  `json:"rsi"`
	MACD       *float64  `json:"macd"`
	MACDSignal *float64  `json:"macd_signal"`
	BBHigh     *float64  `json:"bb_high"`
	BBMid      *float64  `json:"bb_mid"`
	BBLow      *float64  `json:"bb_low"`
}

func snapshotRow(s model.Snapshot) snapshotJSON {
	f := func(v float64) *float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return &v
	}
	return snapshotJSON{
		Time: s.Time, Close: f(s.Close), SMAFast: f(s.SMAFast), SMASlow: f(s.SMASlow),
		RSI: f(s.RSI), MACD: f(s.MACD), MACDSignal: f(s.MACDSignal),
		BBHigh: f(s.BBHigh), BBMid: f(s.BBMid), BBLow: f(s.BBLow),
	}
}

func (r snapshotJSON) snapshot() model.Snapshot {
	f := func(p *float64) float64 {
		if p == nil {
			return math.NaN()
		}
		return *p
	}
	return model.Snapshot{
		Time: r.Time, Close: f(r.Close), SMAFast: f(r.SMAFast), SMASlow: f(r.SMASlow),
		RSI: f(r.RSI), MACD: f(r.MACD), MACDSignal: f(r.MACDSignal),
		BBHigh: f(r.BBHigh), BBMid: f(r.BBMid), BBLow: f(r.BBLow),
	}
}
