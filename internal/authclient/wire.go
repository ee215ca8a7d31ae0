package authclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/authportal/internal/model"
)

// sessionPayload はAuth Serviceのトークンレスポンスおよび保存形式のセッション。
type sessionPayload struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in,omitempty"`
	ExpiresAt    int64        `json:"expires_at,omitempty"`
	RefreshToken string       `json:"refresh_token"`
	User         *userPayload `json:"user,omitempty"`
}

// userPayload はAuth Serviceのユーザーオブジェクト。
type userPayload struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// accessClaims はアクセストークンから取り出すクレーム。署名は検証しない。
type accessClaims struct {
	Email       string         `json:"email"`
	AppMetadata map[string]any `json:"app_metadata"`
	jwt.RegisteredClaims
}

// errorPayload はAuth Serviceのエラーレスポンス。
// エンドポイントによりフィールド名が異なるため、いずれかに値が入る。
type errorPayload struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
}

func (e errorPayload) text() string {
	for _, s := range []string{e.ErrorDescription, e.Msg, e.Message, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// settingsPayload はAuth Serviceの/settingsレスポンス。
type settingsPayload struct {
	External map[string]bool `json:"external"`
}

// decodeSession は保存済みまたは受信したJSONをAuthSessionに変換する。
// 失効時刻はexpires_at、expires_in、アクセストークンのexpクレームの順に決定する。
func decodeSession(data []byte, now time.Time) (*model.AuthSession, error) {
	var p sessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return p.toSession(now)
}

func (p sessionPayload) toSession(now time.Time) (*model.AuthSession, error) {
	if p.AccessToken == "" {
		return nil, errors.New("session has no access token")
	}

	claims := parseAccessClaims(p.AccessToken)

	s := &model.AuthSession{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
	}

	switch {
	case p.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(p.ExpiresAt, 0)
	case p.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(p.ExpiresIn) * time.Second)
	case claims != nil && claims.ExpiresAt != nil:
		s.ExpiresAt = claims.ExpiresAt.Time
	}

	if p.User != nil {
		s.User = p.User.toIdentity()
	}
	if s.User.ID == "" && claims != nil {
		s.User.ID = claims.Subject
		s.User.Email = claims.Email
		s.User.AppMetadata = claims.AppMetadata
		s.User.Provider = stringValue(claims.AppMetadata, "provider")
	}
	if s.User.ID == "" {
		return nil, errors.New("session has no user")
	}

	return s, nil
}

func (u *userPayload) toIdentity() model.Identity {
	name := stringValue(u.UserMetadata, "full_name")
	if name == "" {
		name = stringValue(u.UserMetadata, "name")
	}
	avatar := stringValue(u.UserMetadata, "avatar_url")
	if avatar == "" {
		avatar = stringValue(u.UserMetadata, "picture")
	}
	return model.Identity{
		ID:           u.ID,
		Email:        u.Email,
		Provider:     stringValue(u.AppMetadata, "provider"),
		Name:         name,
		AvatarURL:    avatar,
		AppMetadata:  u.AppMetadata,
		UserMetadata: u.UserMetadata,
	}
}

// encodeSession はAuthSessionを保存形式のJSONに変換する。
func encodeSession(s *model.AuthSession) ([]byte, error) {
	p := sessionPayload{
		AccessToken:  s.AccessToken,
		TokenType:    s.TokenType,
		RefreshToken: s.RefreshToken,
		User: &userPayload{
			ID:           s.User.ID,
			Email:        s.User.Email,
			AppMetadata:  s.User.AppMetadata,
			UserMetadata: s.User.UserMetadata,
		},
	}
	if !s.ExpiresAt.IsZero() {
		p.ExpiresAt = s.ExpiresAt.Unix()
	}
	return json.Marshal(p)
}

// parseAccessClaims はアクセストークンのクレームを署名検証なしで取り出す。
// JWTでない場合はnilを返す。
func parseAccessClaims(token string) *accessClaims {
	claims := &accessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	return claims
}

func stringValue(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
