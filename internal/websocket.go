package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/koopa0/system-design/strategy-server/pkg/errors"
	"github.com/koopa0/system-design/strategy-server/pkg/logger"
)

// 系統設計問題：
//   房間的每次狀態變更都要即時推給房內所有玩家，且推送不能卡住房間鎖。
//
// 設計方案：
//   ✅ 每條連線一個緩衝 channel，Send 只做非阻塞寫入
//   ✅ 讀寫各一個 goroutine（readPump / writePump）
//   ✅ Ping/Pong 心跳檢測死連接（54s/60s）
//   ✅ 連線建立前先驗證 token，玩家 ID 取自 token
//   ✅ 每條連線的指令數量受令牌桶限制

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var (
	// ErrConnectionClosed 連線已關閉
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull 發送緩衝區已滿（慢消費者）
	ErrSendBufferFull = errors.New("send buffer full")
)

// TokenVerifier 驗證連線 token，回傳玩家 ID
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// WebSocketHub WebSocket 連接中心
//
// 連線只以連線 ID 索引；房間與玩家的對應由 Room 的成員資料持有，
// Hub 不需要知道誰在哪個房間。
type WebSocketHub struct {
	dispatcher  *Dispatcher
	verifier    TokenVerifier
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	connections map[string]*Connection // connID -> Connection
	mu          sync.RWMutex
	stopped     bool

	frameRate  float64
	frameBurst int
}

// HubOption Hub 選項
type HubOption func(*WebSocketHub)

// WithFrameRate 每條連線每秒可送出的指令數，perSecond <= 0 代表不限
func WithFrameRate(perSecond float64, burst int) HubOption {
	return func(hub *WebSocketHub) {
		hub.frameRate = perSecond
		hub.frameBurst = burst
	}
}

// Connection WebSocket 連接，同時是玩家的通知出口
type Connection struct {
	ID       string
	PlayerID string
	Conn     *websocket.Conn
	Hub      *WebSocketHub
	LastPing time.Time

	send    chan []byte
	limiter *rate.Limiter
	mu      sync.Mutex
	closed  bool
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(dispatcher *Dispatcher, verifier TokenVerifier, logger *slog.Logger, opts ...HubOption) *WebSocketHub {
	hub := &WebSocketHub{
		dispatcher: dispatcher,
		verifier:   verifier,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(hub)
	}
	return hub
}

// ServeWS 處理 WebSocket 連接
//
// token 可放在查詢參數 ?token= 或 Authorization: Bearer 標頭。
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		http.Error(w, "缺少 token", http.StatusUnauthorized)
		return
	}

	playerID, err := hub.verifier.Verify(token)
	if err != nil {
		hub.logger.Debug("token 驗證失敗", "error", err)
		http.Error(w, "token 無效", http.StatusUnauthorized)
		return
	}

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := &Connection{
		ID:       uuid.NewString(),
		PlayerID: playerID,
		Conn:     conn,
		Hub:      hub,
		LastPing: time.Now(),
		send:     make(chan []byte, sendBufferSize),
		limiter:  newConnLimiter(hub.frameRate, hub.frameBurst),
	}

	if !hub.register(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"conn_id", c.ID,
		"player_id", playerID)
}

func (hub *WebSocketHub) register(c *Connection) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.stopped {
		return false
	}
	hub.connections[c.ID] = c
	return true
}

func (hub *WebSocketHub) unregister(c *Connection) {
	hub.mu.Lock()
	delete(hub.connections, c.ID)
	hub.mu.Unlock()

	c.close()
}

// ConnectionCount 目前連線數
func (hub *WebSocketHub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// Stop 關閉所有連線並拒絕新連線
func (hub *WebSocketHub) Stop() {
	hub.mu.Lock()
	hub.stopped = true
	conns := hub.connections
	hub.connections = make(map[string]*Connection)
	hub.mu.Unlock()

	for _, c := range conns {
		// 先關閉 send channel，writePump 會送出關閉幀
		c.close()
	}

	hub.logger.Info("WebSocket Hub 已停止", "closed", len(conns))
}

// Send 實現 Sink：序列化後非阻塞寫入緩衝區
func (c *Connection) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump 讀取客戶端指令並交給分派器
//
// 60 秒內沒有收到任何訊息（包括 Pong）就關閉連線。
func (c *Connection) readPump() {
	sess := NewSession(c.PlayerID, c)
	ctx := logger.WithConn(context.Background(), c.ID)

	defer func() {
		c.Hub.dispatcher.Disconnect(sess)
		c.Hub.unregister(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.Conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"conn_id", c.ID,
					"player_id", c.PlayerID)
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			c.Hub.dispatcher.fail(ctx, sess, "", apperrors.ErrRateLimited)
			continue
		}
		c.Hub.dispatcher.Handle(ctx, sess, message)
	}
}

// writePump 把緩衝區的事件寫到客戶端，並每 54 秒送出 Ping
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，嘗試送出關閉幀
				_ = c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中的消息
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.Conn.WriteMessage(websocket.TextMessage, next); err != nil {
					c.Hub.logger.Debug("發送消息失敗", "error", err, "conn_id", c.ID)
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
