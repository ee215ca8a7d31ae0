// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// Provider はOAuthプロバイダー名を表す。
type Provider string

const (
	// ProviderGoogle はGoogle OAuthを表す。
	ProviderGoogle Provider = "google"
	// ProviderGitHub はGitHub OAuthを表す。
	ProviderGitHub Provider = "github"
)

// Valid はサポート対象のプロバイダーかどうかを返す。
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderGitHub:
		return true
	default:
		return false
	}
}

// ParseProvider は文字列をProviderに変換する。大文字小文字は区別しない。
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unsupported provider: %q", s)
	}
	return p, nil
}

// Identity は外部Auth Serviceが発行した認証主体を表す。
// Auth Serviceが所有するイミュータブルな値であり、このアプリケーションはフィールドを変更しない。
type Identity struct {
	ID           string
	Email        string
	Provider     string
	Name         string
	AvatarURL    string
	AppMetadata  map[string]any
	UserMetadata map[string]any
}

// AuthSession はAuth Serviceが発行したセッションを表す。
// セッション変更通知のペイロードとして使用する。
type AuthSession struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	User         Identity
}

// ExpiresWithin はアクセストークンがnowからmargin以内に失効するかを返す。
// 失効時刻が不明な場合はfalseを返す。
func (s *AuthSession) ExpiresWithin(margin time.Duration, now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(s.ExpiresAt)
}

// Expired はアクセストークンが失効済みかを返す。
func (s *AuthSession) Expired(now time.Time) bool {
	return s.ExpiresWithin(0, now)
}
