package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"Mosaic-Protocol/internal/events"
	"Mosaic-Protocol/pkg/logger"
)

// conn 包装单个 WebSocket 连接，runID 非空时只接收该运行的事件。
type conn struct {
	ws     *websocket.Conn
	runID  string
	cancel context.CancelFunc
}

// Hub 管理所有活跃的 WebSocket 连接，并作为 events.Sink 广播编排事件。
type Hub struct {
	mu           sync.RWMutex
	conns        map[*conn]struct{}
	writeTimeout time.Duration
	log          *slog.Logger
}

// NewHub 创建 WebSocket 广播中心。
func NewHub() *Hub {
	return &Hub{
		conns:        make(map[*conn]struct{}),
		writeTimeout: 2 * time.Second,
		log:          logger.Named("ws"),
	}
}

// HandleWS 将请求升级为 WebSocket 连接。查询参数 run 可订阅单次运行。
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Error("websocket accept failed", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{ws: ws, runID: r.URL.Query().Get("run"), cancel: cancel}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.log.Info("websocket connected", slog.String("remote", r.RemoteAddr), slog.String("run_id", c.runID))

	// 读循环用于感知断开并消费 ping。
	go func() {
		defer func() {
			h.remove(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// Emit 实现 events.Sink。
func (h *Hub) Emit(ctx context.Context, evt events.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("websocket marshal failed", slog.Any("error", err))
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c.runID == "" || c.runID == evt.RunID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.writeTimeout)
		err := c.ws.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			h.log.Debug("websocket write failed", slog.Any("error", err))
			h.remove(c)
		}
	}
}

// ConnectionCount 返回当前连接数。
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close 断开全部连接。
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for c := range conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.log.Info("websocket disconnected", slog.String("run_id", c.runID))
	}
}

var _ events.Sink = (*Hub)(nil)
