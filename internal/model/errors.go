package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeOAuthInitiationFailed = "OAUTH_INITIATION_FAILED"
	ErrCodeSignOutFailed         = "SIGN_OUT_FAILED"
	ErrCodeSessionUnresolved     = "SESSION_UNRESOLVED"
	ErrCodeUnknownProvider       = "UNKNOWN_PROVIDER"
	ErrCodeCSRFTokenInvalid      = "CSRF_TOKEN_INVALID"
)

// ErrSessionUnresolved は初回のセッション変更通知が待機時間内に届かなかったことを示す。
var ErrSessionUnresolved = errors.New("session state unresolved")

// OAuthInitiationError はプロバイダーのOAuthハンドシェイクを開始できなかったことを表す。
type OAuthInitiationError struct {
	Provider Provider
	Err      error
}

// Error はerrorインターフェースを実装する。
func (e *OAuthInitiationError) Error() string {
	return fmt.Sprintf("failed to start %s sign-in: %v", e.Provider, e.Err)
}

// Unwrap は原因エラーを返す。
func (e *OAuthInitiationError) Unwrap() error {
	return e.Err
}

// SignOutError はセッションの無効化に失敗したことを表す。
type SignOutError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *SignOutError) Error() string {
	return fmt.Sprintf("failed to sign out: %v", e.Err)
}

// Unwrap は原因エラーを返す。
func (e *SignOutError) Unwrap() error {
	return e.Err
}

// SubscriptionError はセッション変更通知チャネルを確立できなかった、
// または初回通知が届かなかったことを表す。
type SubscriptionError struct {
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("session change subscription failed: %v", e.Err)
}

// Unwrap は原因エラーを返す。
func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// NewOAuthInitiationAPIError はサインイン開始失敗のAPIエラーを生成する。
func NewOAuthInitiationAPIError(provider Provider) *APIError {
	return &APIError{
		Code:     ErrCodeOAuthInitiationFailed,
		Message:  fmt.Sprintf("%sでのサインインを開始できませんでした。", providerLabel(provider)),
		Category: "auth",
		Action:   "しばらく待ってから再度お試しください。解決しない場合は管理者に連絡してください。",
	}
}

// NewSignOutAPIError はサインアウト失敗のAPIエラーを生成する。
func NewSignOutAPIError() *APIError {
	return &APIError{
		Code:     ErrCodeSignOutFailed,
		Message:  "サインアウトに失敗しました。",
		Category: "auth",
		Action:   "ネットワーク接続を確認して、再度お試しください。",
	}
}

// NewSessionUnresolvedAPIError はセッション状態が確定しない場合のAPIエラーを生成する。
func NewSessionUnresolvedAPIError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionUnresolved,
		Message:  "認証状態を確認できませんでした。",
		Category: "system",
		Action:   "ページを再読み込みしてください。",
	}
}

// NewUnknownProviderAPIError は未対応プロバイダー指定時のAPIエラーを生成する。
func NewUnknownProviderAPIError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownProvider,
		Message:  fmt.Sprintf("未対応のプロバイダーです: %s", name),
		Category: "validation",
		Action:   "google または github を指定してください。",
	}
}

// NewCSRFTokenAPIError はCSRFトークン検証失敗のAPIエラーを生成する。
func NewCSRFTokenAPIError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFTokenInvalid,
		Message:  "リクエストを検証できませんでした。",
		Category: "validation",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// APIErrorFrom は操作エラーをUI表示用のAPIErrorに変換する。
// 既知の型でない場合はnilを返す。
func APIErrorFrom(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	var oauthErr *OAuthInitiationError
	if errors.As(err, &oauthErr) {
		return NewOAuthInitiationAPIError(oauthErr.Provider)
	}
	var signOutErr *SignOutError
	if errors.As(err, &signOutErr) {
		return NewSignOutAPIError()
	}
	var subErr *SubscriptionError
	if errors.As(err, &subErr) {
		return NewSessionUnresolvedAPIError()
	}
	return nil
}

func providerLabel(p Provider) string {
	switch p {
	case ProviderGoogle:
		return "Google"
	case ProviderGitHub:
		return "GitHub"
	default:
		return string(p)
	}
}
