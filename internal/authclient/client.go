// Package authclient はGoTrue互換の外部Auth Serviceクライアントを提供する。
// セッションは共有ストレージに保存され、ストレージの変更通知をセッション変更通知として購読者へ配信する。
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/authportal/internal/model"
	"github.com/hitoshi/authportal/internal/session"
)

const (
	// DefaultStorageKey はセッションを保存するキーの既定値。
	DefaultStorageKey = "sb-auth-token"
	// CodeVerifierSuffix はPKCE verifierを保存するキーの接尾辞。
	CodeVerifierSuffix = "-code-verifier"

	defaultRefreshInterval = 30 * time.Second
	defaultRefreshMargin   = 60 * time.Second
	defaultRequestTimeout  = 10 * time.Second
	maxResponseSize        = 1 << 20
)

// Config はClientの設定。
type Config struct {
	BaseURL         string // Auth ServiceのURL。APIは BaseURL + "/auth/v1"
	APIKey          string
	Storage         Storage // nilの場合はMemoryStorage
	StorageKey      string
	Navigator       session.Navigator // OAuth開始時の全画面遷移に使用
	AutoRefresh     bool
	RefreshInterval time.Duration
	RefreshMargin   time.Duration
	RequestTimeout  time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// StatusError はAuth Serviceが2xx以外のステータスを返したことを表す。
type StatusError struct {
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("auth service returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("auth service returned status %d: %s", e.StatusCode, e.Message)
}

// Client は外部Auth Serviceのクライアント。session.AuthServiceを実装する。
// 購読者へのコールバックは単一のディスパッチャーゴルーチンから状態変更の順に呼ばれ、重なることはない。
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	listeners map[uuid.UUID]func(*model.AuthSession)
	pending   []func()
	watching  bool
	current   *model.AuthSession
	wake      chan struct{}

	refresh refreshState
}

var _ session.AuthService = (*Client)(nil)

// New は新しいClientを生成し、ディスパッチャーを起動する。
// AutoRefreshが有効な場合はトークンの自動更新も開始する。
func New(cfg Config) (*Client, error) {
	var missing []string
	if cfg.BaseURL == "" {
		missing = append(missing, "BaseURL")
	}
	if cfg.APIKey == "" {
		missing = append(missing, "APIKey")
	}
	if cfg.Navigator == nil {
		missing = append(missing, "Navigator")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("authclient: missing config: %s", strings.Join(missing, ", "))
	}

	if cfg.Storage == nil {
		cfg.Storage = NewMemoryStorage()
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultStorageKey
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = defaultRefreshMargin
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		httpClient = &http.Client{Timeout: cfg.RequestTimeout, Jar: jar}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:       cfg,
		endpoint:  strings.TrimRight(cfg.BaseURL, "/") + "/auth/v1",
		http:      httpClient,
		logger:    cfg.Logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[uuid.UUID]func(*model.AuthSession)),
		wake:      make(chan struct{}, 1),
	}

	c.wg.Add(1)
	go c.run()

	if cfg.AutoRefresh {
		c.wg.Add(1)
		go c.refreshLoop()
	}

	return c, nil
}

// Close はディスパッチャー、変更通知の購読、自動更新を停止する。
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}

// SubscribeToSessionChanges はセッション変更通知を購読する。
// 初回呼び出し時にストレージの変更通知を確立し、失敗した場合は*model.SubscriptionErrorを返す。
// 購読直後に保存済みセッション（なければnil）が初回イベントとして届く。
func (c *Client) SubscribeToSessionChanges(cb func(*model.AuthSession)) (session.Subscription, error) {
	if err := c.ensureWatching(); err != nil {
		return nil, &model.SubscriptionError{Err: err}
	}

	id := uuid.New()
	c.mu.Lock()
	c.listeners[id] = cb
	c.mu.Unlock()

	c.enqueue(func() { c.deliverInitial(id) })

	return &subscription{client: c, id: id}, nil
}

type subscription struct {
	client *Client
	id     uuid.UUID
	once   sync.Once
}

// Unsubscribe は購読を解除する。複数回呼んでも解除は1回だけ行われる。
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.mu.Lock()
		delete(s.client.listeners, s.id)
		s.client.mu.Unlock()
	})
}

func (c *Client) ensureWatching() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watching {
		return nil
	}
	ch, err := c.cfg.Storage.Watch(c.ctx)
	if err != nil {
		return fmt.Errorf("failed to watch session storage: %w", err)
	}
	c.watching = true

	c.wg.Add(1)
	go c.watchLoop(ch)
	return nil
}

func (c *Client) watchLoop(ch <-chan string) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case key, ok := <-ch:
			if !ok {
				return
			}
			if key != WatchAll && key != c.cfg.StorageKey {
				continue
			}
			c.enqueue(c.reload)
		}
	}
}

// enqueue はディスパッチャーで実行する処理を末尾に追加する。
func (c *Client) enqueue(fn func()) {
	c.mu.Lock()
	c.pending = append(c.pending, fn)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run はキューの処理を到着順に1件ずつ実行する。
func (c *Client) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.pending) == 0 {
				c.mu.Unlock()
				break
			}
			fn := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()

			fn()
		}
	}
}

func (c *Client) currentSession() *model.AuthSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// setAndBroadcast は現在のセッションを置き換え、全購読者へ通知する。ディスパッチャーからのみ呼ぶ。
func (c *Client) setAndBroadcast(s *model.AuthSession) {
	c.mu.Lock()
	c.current = s
	callbacks := make([]func(*model.AuthSession), 0, len(c.listeners))
	for _, cb := range c.listeners {
		callbacks = append(callbacks, cb)
	}
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(s)
	}
}

// deliverInitial は購読者へ初回イベントを届ける。
// 読み込んだセッションが既知のものと異なる場合は他の購読者にも通知する。
func (c *Client) deliverInitial(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()

	s := c.recoverSession(ctx)

	c.mu.Lock()
	changed := sessionChanged(c.current, s)
	cb, ok := c.listeners[id]
	c.mu.Unlock()

	if changed {
		c.setAndBroadcast(s)
		return
	}
	if ok {
		cb(s)
	}
}

// reload はストレージの変更通知を受けてセッションを読み直し、変化があれば通知する。
// 起動時の読み込みと同じ失効・更新の規則を適用する。読み込みに失敗した場合は現状を維持する。
func (c *Client) reload() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()

	s, err := c.loadSession(ctx)
	if err != nil {
		c.logger.Warn("セッションの再読み込みに失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}

	if !sessionChanged(c.currentSession(), s) {
		return
	}
	c.setAndBroadcast(s)
}

// recoverSession は保存済みセッションを読み込む。読み込みに失敗した場合は未サインインとして扱う。
func (c *Client) recoverSession(ctx context.Context) *model.AuthSession {
	s, err := c.loadSession(ctx)
	if err != nil {
		c.logger.Error("保存済みセッションの読み込みに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil
	}
	return s
}

// loadSession は保存済みセッションを読み込み、有効なセッションを返す。
// 失効間近であればトークン更新を試み、リフレッシュトークンが無効な場合はセッションを破棄してnilを返す。
// エラーを返すのはストレージの読み込みに失敗した場合のみ。
func (c *Client) loadSession(ctx context.Context) (*model.AuthSession, error) {
	raw, err := c.cfg.Storage.Get(ctx, c.cfg.StorageKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := c.now()
	s, err := decodeSession(raw, now)
	if err != nil {
		c.logger.Warn("保存済みセッションを解釈できません",
			slog.String("error", err.Error()),
		)
		return nil, nil
	}

	if !s.ExpiresWithin(c.cfg.RefreshMargin, now) {
		return s, nil
	}
	if s.RefreshToken == "" {
		if s.Expired(now) {
			return nil, nil
		}
		return s, nil
	}

	refreshed, err := c.refreshSession(ctx, s.RefreshToken)
	switch {
	case err == nil:
		if err := c.saveSession(ctx, refreshed); err != nil {
			c.logger.Warn("更新したセッションの保存に失敗しました",
				slog.String("error", err.Error()),
			)
		}
		return refreshed, nil
	case isPermanentRefreshError(err):
		c.logger.Info("保存済みセッションは失効しています",
			slog.String("error", err.Error()),
		)
		if err := c.cfg.Storage.Delete(ctx, c.cfg.StorageKey); err != nil {
			c.logger.Warn("セッションの削除に失敗しました",
				slog.String("error", err.Error()),
			)
		}
		return nil, nil
	default:
		c.logger.Warn("保存済みセッションの更新に失敗しました",
			slog.String("error", err.Error()),
		)
		return s, nil
	}
}

func (c *Client) saveSession(ctx context.Context, s *model.AuthSession) error {
	data, err := encodeSession(s)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return c.cfg.Storage.Set(ctx, c.cfg.StorageKey, data)
}

// refreshSession はリフレッシュトークンで新しいセッションを取得する。
func (c *Client) refreshSession(ctx context.Context, refreshToken string) (*model.AuthSession, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/token?grant_type=refresh_token",
		map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, &RefreshError{Result: RefreshResultBackoff, Err: err}
	}

	var payload sessionPayload
	status, err := c.doJSON(req, &payload)
	if err != nil {
		if status == 0 {
			return nil, &RefreshError{Result: RefreshResultBackoff, Err: err}
		}
		result := ClassifyRefreshStatus(status)
		if result == RefreshResultOK {
			result = RefreshResultBackoff
		}
		return nil, &RefreshError{StatusCode: status, Result: result, Err: err}
	}

	s, err := payload.toSession(c.now())
	if err != nil {
		return nil, &RefreshError{StatusCode: status, Result: RefreshResultBackoff, Err: err}
	}
	return s, nil
}

// newRequest はAuth Service向けのリクエストを生成する。apikeyヘッダーを必ず付与する。
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// doJSON はリクエストを送信し、2xxであればレスポンスをoutへデコードする。
// 通信エラーの場合のステータスは0。2xx以外は*StatusErrorを返す。
func (c *Client) doJSON(req *http.Request, out any) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ep errorPayload
		_ = json.Unmarshal(body, &ep)
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Message: ep.text()}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func sessionChanged(a, b *model.AuthSession) bool {
	if a == nil || b == nil {
		return (a == nil) != (b == nil)
	}
	return a.AccessToken != b.AccessToken || a.User.ID != b.User.ID
}
