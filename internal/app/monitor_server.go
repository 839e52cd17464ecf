package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"atr-trader/internal/monitor"
	"atr-trader/internal/store"
)

// monitorServer 暴露运行监控接口：事件回放、交易流水、
// 状态查询、运行期指令与websocket实时推送。
type monitorServer struct {
	orch   *orchestrator
	svc    *monitor.Service
	store  *store.Store
	hub    *monitor.Hub
	logger *zap.Logger
}

func newMonitorServer(orch *orchestrator, svc *monitor.Service, st *store.Store, hub *monitor.Hub, logger *zap.Logger) *monitorServer {
	return &monitorServer{orch: orch, svc: svc, store: st, hub: hub, logger: logger}
}

// Run 启动HTTP服务并随ctx退出优雅关闭。
func (m *monitorServer) Run(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", m.handleEvents)
	mux.HandleFunc("/trades", m.handleTrades)
	mux.HandleFunc("/status", m.handleStatus)
	mux.HandleFunc("/command", m.handleCommand)
	mux.HandleFunc("/ws", m.hub.ServeWS)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("监控接口已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			m.logger.Warn("关闭监控服务失败", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("监控服务异常: %w", err)
		}
		return nil
	}
}

func (m *monitorServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 200)
	kind := strings.ToLower(strings.TrimSpace(q.Get("kind")))

	events, err := m.svc.ListEvents(r.Context(), kind, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.writeJSON(w, events)
}

func (m *monitorServer) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 100)

	trades, err := m.store.ListTrades(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.writeJSON(w, trades)
}

func (m *monitorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	result := m.orch.Execute(r.Context(), Command{Action: CommandStatus})
	if !result.OK {
		http.Error(w, result.Message, http.StatusServiceUnavailable)
		return
	}
	m.writeJSON(w, result.Status)
}

func (m *monitorServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持POST", http.StatusMethodNotAllowed)
		return
	}

	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, fmt.Sprintf("解析指令失败: %v", err), http.StatusBadRequest)
		return
	}

	result := m.orch.Execute(r.Context(), cmd)
	if !result.OK {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	m.writeJSON(w, result)
}

func (m *monitorServer) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		m.logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	if v > 1000 {
		return 1000
	}
	return v
}
