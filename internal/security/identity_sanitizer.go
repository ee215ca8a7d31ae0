// Package security はアプリケーションのセキュリティ機能を提供する。
//
// IdentitySanitizer は認証サービスから受け取ったユーザー情報のうち、
// 画面に表示されるフィールドをサニタイズする。
// 表示名やメールアドレスはプロバイダー側でユーザーが自由に設定できるため、
// bluemondayのStrictPolicyで全てのHTMLを除去してから返す。
package security

import (
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/authportal/internal/model"
)

// IdentitySanitizer はユーザー情報の表示用サニタイズを行う。
// bluemondayのポリシーはスレッドセーフなので、1つのインスタンスを共有してよい。
type IdentitySanitizer struct {
	policy *bluemonday.Policy
}

// NewIdentitySanitizer はIdentitySanitizerを生成する。
func NewIdentitySanitizer() *IdentitySanitizer {
	return &IdentitySanitizer{policy: bluemonday.StrictPolicy()}
}

// Text は文字列から全てのHTMLタグを除去し、前後の空白を取り除いて返す。
// 特殊文字はHTMLエンティティとしてエスケープされる。
func (s *IdentitySanitizer) Text(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}

// AvatarURL はアバター画像のURLを検証する。
// httpsスキームかつホストを持つ絶対URLのみ通過させ、それ以外は空文字を返す。
func (s *IdentitySanitizer) AvatarURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" || u.User != nil {
		return ""
	}
	return u.String()
}

// Identity は表示用にサニタイズしたIdentityのコピーを返す。
// メタデータは外部に公開しないため含めない。nilにはnilを返す。
func (s *IdentitySanitizer) Identity(id *model.Identity) *model.Identity {
	if id == nil {
		return nil
	}
	return &model.Identity{
		ID:        id.ID,
		Email:     s.Text(id.Email),
		Provider:  id.Provider,
		Name:      s.Text(id.Name),
		AvatarURL: s.AvatarURL(id.AvatarURL),
	}
}
