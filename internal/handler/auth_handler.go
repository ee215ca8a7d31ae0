// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authportal/internal/middleware"
	"github.com/hitoshi/authportal/internal/model"
	"github.com/hitoshi/authportal/internal/security"
	"github.com/hitoshi/authportal/internal/session"
)

// SessionManager は認証ハンドラーが必要とするセッション管理インターフェース。
// session.Managerが満たす。
type SessionManager interface {
	Snapshot() session.Snapshot
	SignIn(ctx context.Context, provider model.Provider) error
	SignOut(ctx context.Context) (session.Target, error)
}

// AuthHandler はサインイン・サインアウトとセッション参照のHTTPハンドラー。
type AuthHandler struct {
	manager   SessionManager
	sanitizer *security.IdentitySanitizer
	logger    *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(manager SessionManager, sanitizer *security.IdentitySanitizer, logger *slog.Logger) *AuthHandler {
	if sanitizer == nil {
		sanitizer = security.NewIdentitySanitizer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		manager:   manager,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// signInResponse はサインイン開始のAPIレスポンス。
type signInResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
}

// signOutResponse はサインアウトのAPIレスポンス。
type signOutResponse struct {
	Redirect string `json:"redirect"`
}

// identityResponse は画面表示用のユーザー情報。
type identityResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Provider  string `json:"provider"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// sessionResponse はセッション状態のAPIレスポンス。
type sessionResponse struct {
	Identity  *identityResponse `json:"identity"`
	IsLoading bool              `json:"isLoading"`
}

// SignIn はOAuthハンドシェイクを開始する。
// POST /auth/{provider}
// 遷移はブラウザハブ経由で行われるため、開始できた時点で202を返す。
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	provider, err := model.ParseProvider(name)
	if err != nil {
		middleware.WriteAPIError(w, model.NewUnknownProviderAPIError(name))
		return
	}

	if err := h.manager.SignIn(r.Context(), provider); err != nil {
		middleware.WriteError(w, err, model.NewOAuthInitiationAPIError(provider))
		return
	}

	writeJSON(w, http.StatusAccepted, signInResponse{
		Status:   "navigating",
		Provider: string(provider),
	})
}

// SignOut はセッションを無効化する。
// POST /auth/logout
// 成功時は遷移先URLを返す。ページはハブからの遷移指示を受け取れない場合にこのURLへ移動する。
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	target, err := h.manager.SignOut(r.Context())
	if err != nil {
		middleware.WriteError(w, err, model.NewSignOutAPIError())
		return
	}

	writeJSON(w, http.StatusOK, signOutResponse{Redirect: target.URL})
}

// Session は現在のセッション状態を返す。
// GET /api/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.SessionPayload(h.manager.Snapshot()))
}

// SessionPayload はスナップショットを表示用にサニタイズしたレスポンスに変換する。
// ブラウザハブへの配信でも同じ形式を使う。
func (h *AuthHandler) SessionPayload(snap session.Snapshot) any {
	resp := sessionResponse{IsLoading: snap.IsLoading}
	if id := h.sanitizer.Identity(snap.Identity); id != nil {
		resp.Identity = &identityResponse{
			ID:        id.ID,
			Email:     id.Email,
			Provider:  id.Provider,
			Name:      id.Name,
			AvatarURL: id.AvatarURL,
		}
	}
	return resp
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
