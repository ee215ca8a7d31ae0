// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authportal/internal/model"
	"github.com/hitoshi/authportal/internal/session"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// identityContextKey はリクエストコンテキストにユーザー情報を格納するためのキー。
	identityContextKey = contextKey("identity")
	// logFieldsContextKey はロギングミドルウェアが内側のハンドラーから値を受け取るためのキー。
	logFieldsContextKey = contextKey("log_fields")
)

// SessionWaiter はゲートミドルウェアが必要とするセッション管理の部分集合。
// session.Managerが満たす。
type SessionWaiter interface {
	WaitReady(ctx context.Context) (session.Snapshot, error)
}

// NewSessionGateMiddleware は初回のセッション判定が完了するまでリクエストを待機させるミドルウェアを返す。
// 判定完了後は現在のユーザー情報（未認証ならnil）をリクエストコンテキストに注入する。
// 判定がタイムアウトした場合やクライアントが切断した場合は503を返し、未認証として扱わない。
func NewSessionGateMiddleware(waiter SessionWaiter, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap, err := waiter.WaitReady(r.Context())
			if err != nil {
				level := slog.LevelError
				if errors.Is(err, context.Canceled) {
					level = slog.LevelInfo
				}
				logger.Log(r.Context(), level, "セッション判定の完了を待てませんでした",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteAPIError(w, model.NewSessionUnresolvedAPIError())
				return
			}

			id := snap.Identity
			if id != nil {
				setLogUserID(r.Context(), id.ID)
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

// IdentityFromContext はリクエストコンテキストからユーザー情報を取得する。
// ゲートミドルウェアを通過していない場合や未認証の場合はnilを返す。
func IdentityFromContext(ctx context.Context) *model.Identity {
	id, _ := ctx.Value(identityContextKey).(*model.Identity)
	return id
}

// ContextWithIdentity はコンテキストにユーザー情報を注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, id *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// logFields はロギングミドルウェアが出力する追加フィールド。
type logFields struct {
	userID string
}

func setLogUserID(ctx context.Context, userID string) {
	if f, ok := ctx.Value(logFieldsContextKey).(*logFields); ok {
		f.userID = userID
	}
}
