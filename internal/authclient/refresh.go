package authclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RefreshResult はトークン更新のHTTPステータスに基づく分類。
type RefreshResult int

const (
	// RefreshResultOK は更新成功（2xx）。
	RefreshResultOK RefreshResult = iota
	// RefreshResultStop はリフレッシュトークンが無効で、セッションを破棄すべき状態（400/401/403）。
	RefreshResultStop
	// RefreshResultBackoff は一時的な失敗で、バックオフ後に再試行すべき状態（429/5xx/通信エラー）。
	RefreshResultBackoff
	// RefreshResultUnknown は未知のステータスコード。
	RefreshResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延（5秒）。
	initialBackoff = 5 * time.Second
	// maxBackoff は指数バックオフの最大遅延（5分）。
	maxBackoff = 5 * time.Minute
)

// ClassifyRefreshStatus はトークン更新レスポンスのHTTPステータスコードを分類する。
func ClassifyRefreshStatus(statusCode int) RefreshResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return RefreshResultOK
	case statusCode == 400 || statusCode == 401 || statusCode == 403:
		return RefreshResultStop
	case statusCode == 429:
		return RefreshResultBackoff
	case statusCode >= 500:
		return RefreshResultBackoff
	default:
		return RefreshResultUnknown
	}
}

// CalculateBackoff は連続エラー回数に基づいて指数バックオフ遅延を計算する。
// 初回5秒、2倍ずつ増加、最大5分。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// RefreshError はトークン更新の失敗を表す。
type RefreshError struct {
	StatusCode int // 通信エラーの場合は0
	Result     RefreshResult
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *RefreshError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("token refresh failed: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed with status %d: %v", e.StatusCode, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Permanent はリフレッシュトークン自体が無効であるかを返す。
func (e *RefreshError) Permanent() bool {
	return e.Result == RefreshResultStop
}

func isPermanentRefreshError(err error) bool {
	var refreshErr *RefreshError
	return errors.As(err, &refreshErr) && refreshErr.Permanent()
}

// refreshState は自動更新のバックオフ状態。ディスパッチャーのゴルーチンからのみ参照する。
type refreshState struct {
	consecutiveErrors int
	nextAttempt       time.Time
}

func (s *refreshState) success() {
	s.consecutiveErrors = 0
	s.nextAttempt = time.Time{}
}

func (s *refreshState) backoff(now time.Time) time.Duration {
	delay := CalculateBackoff(s.consecutiveErrors)
	s.consecutiveErrors++
	s.nextAttempt = now.Add(delay)
	return delay
}

// refreshLoop はRefreshIntervalごとに自動更新の確認をディスパッチャーへ依頼する。
func (c *Client) refreshLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.enqueue(c.autoRefresh)
		}
	}
}

// autoRefresh は現在のセッションが失効間近であればトークンを更新する。
// 更新結果はストレージへ保存され、変更通知を経由して購読者へ届く。
func (c *Client) autoRefresh() {
	current := c.currentSession()
	if current == nil || current.RefreshToken == "" {
		return
	}

	now := c.now()
	if !current.ExpiresWithin(c.cfg.RefreshMargin, now) {
		return
	}
	if now.Before(c.refresh.nextAttempt) {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()

	refreshed, err := c.refreshSession(ctx, current.RefreshToken)
	switch {
	case err == nil:
		c.refresh.success()
		if err := c.saveSession(ctx, refreshed); err != nil {
			c.logger.Warn("更新したセッションの保存に失敗しました",
				slog.String("error", err.Error()),
			)
		}
		c.setAndBroadcast(refreshed)
		c.logger.Info("アクセストークンを更新しました",
			slog.String("user_id", refreshed.User.ID),
		)
	case isPermanentRefreshError(err):
		c.refresh.success()
		c.logger.Warn("リフレッシュトークンが無効のためセッションを破棄します",
			slog.String("error", err.Error()),
		)
		if err := c.cfg.Storage.Delete(ctx, c.cfg.StorageKey); err != nil {
			c.logger.Warn("セッションの削除に失敗しました",
				slog.String("error", err.Error()),
			)
		}
		c.setAndBroadcast(nil)
	default:
		delay := c.refresh.backoff(now)
		c.logger.Warn("アクセストークンの更新に失敗しました。バックオフ後に再試行します",
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)
	}
}
