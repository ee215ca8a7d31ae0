// Package browser は接続中のページとのWebSocketハブを提供する。
// ページの現在位置の受け取り、全画面遷移の指示、セッション状態の配信を担う。
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// メッセージ種別
const (
	MsgLocation = "location" // ページ → サーバー: 現在のパス
	MsgNavigate = "navigate" // サーバー → ページ: 全画面遷移
	MsgSession  = "session"  // サーバー → ページ: セッション状態
)

const (
	sendBufferSize = 64
	readLimit      = 4096
)

// ErrNoClients は遷移を指示できるページが接続されていないことを示す。
var ErrNoClients = errors.New("no browser clients connected")

// Message はWebSocketで送受信するメッセージ。
type Message struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	URL     string `json:"url,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// HubConfig はHubの設定。
type HubConfig struct {
	AllowedOrigins []string // 空の場合は同一オリジンのみ許可
	Logger         *slog.Logger
	OnClientCount  func(n int) // 接続数の変化時に呼ばれる
}

// Hub はページとのWebSocket接続を管理する。
// session.Navigatorとsession.Locationを実装する。
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	onCount  func(int)

	mu      sync.RWMutex
	clients map[*client]struct{}
	path    string
	latest  map[string][]byte
	closed  bool
}

// NewHub は新しいHubを生成する。
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	onCount := cfg.OnClientCount
	if onCount == nil {
		onCount = func(int) {}
	}

	h := &Hub{
		logger:  logger,
		onCount: onCount,
		clients: make(map[*client]struct{}),
		path:    "/",
		latest:  make(map[string][]byte),
	}
	if len(cfg.AllowedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
		for _, o := range cfg.AllowedOrigins {
			allowed[strings.TrimRight(o, "/")] = struct{}{}
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		}
	}
	return h
}

// ServeHTTP はWebSocketへアップグレードし、ページからのメッセージを受信する。
// 接続直後に最新のセッション状態を送る。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocketのアップグレードに失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	conn.SetReadLimit(readLimit)

	c := h.addClient(conn)
	if c == nil {
		conn.Close()
		return
	}
	h.logger.Debug("ページが接続しました",
		slog.String("remote_addr", r.RemoteAddr),
	)

	go func() {
		defer func() {
			h.removeClient(c)
			h.logger.Debug("ページが切断しました",
				slog.String("remote_addr", r.RemoteAddr),
			)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			h.handleMessage(data)
		}
	}()
}

func (h *Hub) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Debug("不正なメッセージを破棄しました",
			slog.String("error", err.Error()),
		)
		return
	}
	if msg.Type == MsgLocation && strings.HasPrefix(msg.Path, "/") {
		h.Visit(msg.Path)
	}
}

// addClient はページを登録する。Close済みの場合はnilを返す。
func (h *Hub) addClient(conn *websocket.Conn) *client {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	c := newClient(conn)
	h.clients[c] = struct{}{}
	n := len(h.clients)
	for _, data := range h.latest {
		select {
		case c.send <- data:
		default:
		}
	}
	h.mu.Unlock()

	h.onCount(n)
	return c
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.onCount(n)
	}
}

// Visit は表示中のパスを記録する。
func (h *Hub) Visit(path string) {
	h.mu.Lock()
	h.path = path
	h.mu.Unlock()
}

// CurrentPath は最後に記録されたパスを返す。未記録の場合は "/"。
func (h *Hub) CurrentPath() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.path
}

// Navigate は接続中の全ページへ全画面遷移を指示する。
// 接続中のページがない場合はErrNoClientsを返す。
func (h *Hub) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Message{Type: MsgNavigate, URL: url})
	if err != nil {
		return err
	}
	if h.broadcast(data) == 0 {
		return ErrNoClients
	}
	return nil
}

// Publish は全ページへメッセージを送る。
// 種別ごとの最新メッセージは保持され、後から接続したページにも送られる。
func (h *Hub) Publish(msgType string, payload any) error {
	data, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.latest[msgType] = data
	h.mu.Unlock()

	h.broadcast(data)
	return nil
}

// ClientCount は接続中のページ数を返す。
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close は全ページとの接続を閉じる。2回目以降の呼び出しは何もしない。
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	for c := range clients {
		close(c.send)
	}
	h.mu.Unlock()

	h.onCount(0)
}

// sendResult はtrySendの結果。
type sendResult int

const (
	sendOK   sendResult = iota
	sendGone            // 他のゴルーチンが登録を解除済み
	sendFull            // 送信バッファが満杯
)

// broadcast は送信できたページ数を返す。送信が詰まっているページは切断する。
func (h *Hub) broadcast(data []byte) int {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		switch h.trySend(c, data) {
		case sendOK:
			sent++
		case sendFull:
			h.logger.Warn("ページへの送信が詰まっているため切断します")
			h.removeClient(c)
		}
	}
	return sent
}

// trySend はクライアントがまだ登録されている場合に限り送信する。
func (h *Hub) trySend(c *client, data []byte) sendResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return sendGone
	}
	select {
	case c.send <- data:
		return sendOK
	default:
		return sendFull
	}
}
