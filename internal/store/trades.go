package store

import (
	"context"
	"fmt"
	"time"
)

// TradeRecord 描述一笔已完结交易。
type TradeRecord struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Shares     int64     `json:"shares"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason"` // stop_triggered | exit_signal | manual_close | overnight_gap | eod
}

func (s *Store) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	shares INTEGER NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL NOT NULL,
	entry_time TEXT NOT NULL,
	exit_time TEXT NOT NULL,
	pnl REAL NOT NULL,
	reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化交易表失败: %w", err)
	}
	return s.initFeatureSchema()
}

// SaveTrade 记录一笔完结交易。
func (s *Store) SaveTrade(ctx context.Context, t TradeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (symbol, shares, entry_price, exit_price, entry_time, exit_time, pnl, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.Shares, t.EntryPrice, t.ExitPrice,
		t.EntryTime.UTC().Format(time.RFC3339), t.ExitTime.UTC().Format(time.RFC3339),
		t.PnL, t.Reason,
	)
	if err != nil {
		return fmt.Errorf("store: 写入交易记录失败: %w", err)
	}
	return nil
}

// ListTrades 按时间倒序检索最近交易。
func (s *Store) ListTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, shares, entry_price, exit_price, entry_time, exit_time, pnl, reason
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: 查询交易记录失败: %w", err)
	}
	defer rows.Close()

	trades := make([]TradeRecord, 0, limit)
	for rows.Next() {
		var (
			t         TradeRecord
			entryTime string
			exitTime  string
		)
		if scanErr := rows.Scan(&t.ID, &t.Symbol, &t.Shares, &t.EntryPrice, &t.ExitPrice,
			&entryTime, &exitTime, &t.PnL, &t.Reason); scanErr != nil {
			return nil, fmt.Errorf("store: 解析交易记录失败: %w", scanErr)
		}
		t.EntryTime, _ = time.Parse(time.RFC3339, entryTime)
		t.ExitTime, _ = time.Parse(time.RFC3339, exitTime)
		trades = append(trades, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取交易记录失败: %w", err)
	}

	return trades, nil
}
