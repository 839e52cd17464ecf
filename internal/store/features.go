package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FeatureRecord 持久化一根K线的特征快照，供重启后的对账路径复用。
type FeatureRecord struct {
	ID             int64     `json:"id"`
	Symbol         string    `json:"symbol"`
	BarTime        time.Time `json:"bar_time"`
	Close          float64   `json:"close"`
	ATR            float64   `json:"atr"`
	TrendReference float64   `json:"trend_reference"`
	Oscillator     float64   `json:"oscillator"`
}

func (s *Store) initFeatureSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS features (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	bar_time TEXT NOT NULL,
	close REAL NOT NULL,
	atr REAL NOT NULL,
	trend_reference REAL NOT NULL,
	oscillator REAL NOT NULL,
	UNIQUE(symbol, bar_time)
);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化特征表失败: %w", err)
	}
	return s.initEventSchema()
}

// SaveFeature 写入特征快照，同一根K线重复写入时覆盖。
func (s *Store) SaveFeature(ctx context.Context, f FeatureRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO features (symbol, bar_time, close, atr, trend_reference, oscillator)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol, bar_time) DO UPDATE SET
		   close = excluded.close,
		   atr = excluded.atr,
		   trend_reference = excluded.trend_reference,
		   oscillator = excluded.oscillator`,
		f.Symbol, f.BarTime.UTC().Format(time.RFC3339),
		f.Close, f.ATR, f.TrendReference, f.Oscillator,
	)
	if err != nil {
		return fmt.Errorf("store: 写入特征快照失败: %w", err)
	}
	return nil
}

// LatestFeature 返回标的最新一条特征快照，不存在时 ok 为 false。
func (s *Store) LatestFeature(ctx context.Context, symbol string) (FeatureRecord, bool, error) {
	var (
		f       FeatureRecord
		barTime string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, symbol, bar_time, close, atr, trend_reference, oscillator
		 FROM features WHERE symbol = ? ORDER BY bar_time DESC LIMIT 1`, symbol,
	).Scan(&f.ID, &f.Symbol, &barTime, &f.Close, &f.ATR, &f.TrendReference, &f.Oscillator)
	if errors.Is(err, sql.ErrNoRows) {
		return FeatureRecord{}, false, nil
	}
	if err != nil {
		return FeatureRecord{}, false, fmt.Errorf("store: 查询特征快照失败: %w", err)
	}
	f.BarTime, _ = time.Parse(time.RFC3339, barTime)
	return f, true, nil
}
