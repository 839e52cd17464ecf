package overnight

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// State 为隔夜落盘的保护状态。字段名即磁盘格式，不可改动，
// 否则旧文件在升级后无法恢复。
type State struct {
	Date         string  `json:"date"` // 交易日, YYYY-MM-DD
	LastStopLoss float64 `json:"last_stop_loss"`
	Symbol       string  `json:"symbol"`
}

// Save 原子写入状态文件：先写临时文件再重命名，
// 任何时刻磁盘上要么是旧状态要么是新状态，绝不出现半截文件。
func Save(path string, state State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("overnight: 创建状态目录失败: %w", err)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("overnight: 序列化状态失败: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("overnight: 写入临时状态文件失败: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("overnight: 状态文件落盘失败: %w", err)
	}
	return nil
}

// Load 读取状态文件，文件不存在时 ok 为 false。
func Load(path string) (State, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("overnight: 读取状态文件失败: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("overnight: 解析状态文件失败: %w", err)
	}
	return state, true, nil
}

// Clear 删除状态文件，文件不存在视为成功。
func Clear(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("overnight: 删除状态文件失败: %w", err)
	}
	return nil
}
