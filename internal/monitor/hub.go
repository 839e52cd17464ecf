package monitor

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub 向所有已连接的监控客户端广播事件。
// 广播对交易主循环永不阻塞：客户端消费滞后时丢弃消息。
type Hub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewHub 构造广播中心。
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// ServeWS 将HTTP请求升级为websocket并注册为监控客户端。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket 升级失败", zap.Error(err))
		return
	}

	outbox := make(chan []byte, 32)
	h.mu.Lock()
	h.clients[conn] = outbox
	h.mu.Unlock()
	h.logger.Info("监控客户端已连接", zap.String("remote", conn.RemoteAddr().String()))

	go h.writeLoop(conn, outbox)
	go h.readLoop(conn)
}

func (h *Hub) writeLoop(conn *websocket.Conn, outbox <-chan []byte) {
	for message := range outbox {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.drop(conn)
			return
		}
	}
}

// readLoop 只为感知客户端断开，收到的消息一律忽略。
func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

// Broadcast 向全部客户端推送消息，永不阻塞。
func (h *Hub) Broadcast(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, outbox := range h.clients {
		select {
		case outbox <- message:
		default:
			h.logger.Warn("监控客户端消费滞后，丢弃消息",
				zap.String("remote", conn.RemoteAddr().String()))
		}
	}
}

// Close 断开全部客户端。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, outbox := range h.clients {
		close(outbox)
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	outbox, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(outbox)
	}
	h.mu.Unlock()
	_ = conn.Close()
}
