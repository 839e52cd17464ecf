package store

import (
	"context"
	"fmt"
	"time"
)

// EventRecord 持久化一条运行事件，供监控接口回放。
type EventRecord struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Summary   string    `json:"summary"`
	Payload   string    `json:"payload"` // JSON 明细
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) initEventSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	summary TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化事件表失败: %w", err)
	}
	return nil
}

// SaveEvent 写入运行事件。
func (s *Store) SaveEvent(ctx context.Context, e EventRecord) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO events (kind, summary, payload, created_at) VALUES (?, ?, ?, ?)`,
		e.Kind, e.Summary, e.Payload, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("store: 写入事件失败: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: 获取事件ID失败: %w", err)
	}
	return id, nil
}

// ListEvents 按时间倒序检索最近事件，kind 为空时不过滤。
func (s *Store) ListEvents(ctx context.Context, kind string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, kind, summary, payload, created_at FROM events`
	args := make([]any, 0, 2)
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]EventRecord, 0, limit)
	for rows.Next() {
		var (
			e         EventRecord
			createdAt string
		)
		if scanErr := rows.Scan(&e.ID, &e.Kind, &e.Summary, &e.Payload, &createdAt); scanErr != nil {
			return nil, fmt.Errorf("store: 解析事件失败: %w", scanErr)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取事件失败: %w", err)
	}
	return events, nil
}
