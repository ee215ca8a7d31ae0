package authclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/hitoshi/authportal/internal/model"
	"github.com/hitoshi/authportal/internal/session"
)

// BeginOAuth はプロバイダーのOAuthハンドシェイクを開始する。
// プロバイダーが有効であることを確認し、PKCE verifierを保存してから認可URLへの全画面遷移を指示する。
// 遷移を指示した時点で返る。失敗した場合は*model.OAuthInitiationErrorを返す。
func (c *Client) BeginOAuth(ctx context.Context, provider model.Provider, opts session.OAuthOptions) error {
	fail := func(err error) error {
		return &model.OAuthInitiationError{Provider: provider, Err: err}
	}

	if !provider.Valid() {
		return fail(fmt.Errorf("unsupported provider: %q", provider))
	}
	if err := c.checkProviderEnabled(ctx, provider); err != nil {
		return fail(err)
	}

	verifier := oauth2.GenerateVerifier()
	if err := c.cfg.Storage.Set(ctx, c.cfg.StorageKey+CodeVerifierSuffix, []byte(verifier)); err != nil {
		return fail(fmt.Errorf("failed to store code verifier: %w", err))
	}

	authURL := c.AuthorizeURL(provider, opts, verifier)
	if err := c.cfg.Navigator.Navigate(ctx, authURL); err != nil {
		return fail(fmt.Errorf("failed to navigate to provider: %w", err))
	}

	c.logger.Info("OAuth認可画面への遷移を指示しました",
		slog.String("provider", string(provider)),
	)
	return nil
}

// AuthorizeURL はAuth Serviceの/authorize URLを組み立てる。
// code_challengeはverifierからS256で導出する。
func (c *Client) AuthorizeURL(provider model.Provider, opts session.OAuthOptions, verifier string) string {
	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{AuthURL: c.endpoint + "/authorize"},
	}

	params := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("provider", string(provider)),
		oauth2.S256ChallengeOption(verifier),
	}
	if opts.RedirectTo != "" {
		params = append(params, oauth2.SetAuthURLParam("redirect_to", opts.RedirectTo))
	}
	if len(opts.Scopes) > 0 {
		params = append(params, oauth2.SetAuthURLParam("scopes", strings.Join(opts.Scopes, " ")))
	}
	for k, v := range opts.QueryParams {
		params = append(params, oauth2.SetAuthURLParam(k, v))
	}

	return conf.AuthCodeURL("", params...)
}

// checkProviderEnabled はAuth Serviceの設定でプロバイダーが有効かを確認する。
func (c *Client) checkProviderEnabled(ctx context.Context, provider model.Provider) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/settings", nil)
	if err != nil {
		return err
	}

	var settings settingsPayload
	if _, err := c.doJSON(req, &settings); err != nil {
		return fmt.Errorf("failed to read auth settings: %w", err)
	}
	if !settings.External[string(provider)] {
		return fmt.Errorf("provider %s is not enabled", provider)
	}
	return nil
}

// EndSession はセッションを無効化する。
// Auth Serviceでのトークン失効（既に無効な場合も成功扱い）の後、保存済みセッションを削除してサインアウトを通知する。
// 失敗した場合は*model.SignOutErrorを返し、保存済みセッションは残す。
func (c *Client) EndSession(ctx context.Context) error {
	raw, err := c.cfg.Storage.Get(ctx, c.cfg.StorageKey)
	switch {
	case errors.Is(err, ErrNotFound):
		c.enqueue(c.clearCurrent)
		return nil
	case err != nil:
		return &model.SignOutError{Err: fmt.Errorf("failed to read session: %w", err)}
	}

	if s, err := decodeSession(raw, c.now()); err == nil {
		if err := c.revoke(ctx, s.AccessToken); err != nil {
			return &model.SignOutError{Err: err}
		}
	} else {
		c.logger.Warn("保存済みセッションを解釈できないため失効処理を省略します",
			slog.String("error", err.Error()),
		)
	}

	if err := c.cfg.Storage.Delete(ctx, c.cfg.StorageKey); err != nil {
		return &model.SignOutError{Err: fmt.Errorf("failed to clear session: %w", err)}
	}
	if err := c.cfg.Storage.Delete(ctx, c.cfg.StorageKey+CodeVerifierSuffix); err != nil {
		c.logger.Warn("PKCE verifierの削除に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	c.enqueue(c.clearCurrent)
	return nil
}

// revoke はAuth Serviceでセッションを失効させる。
// 401/403/404はトークンが既に無効であることを示すため成功として扱う。
func (c *Client) revoke(ctx context.Context, accessToken string) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/logout?scope=global", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	status, err := c.doJSON(req, nil)
	if err == nil {
		return nil
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		c.logger.Info("セッションは既に失効しています",
			slog.Int("status", status),
		)
		return nil
	}
	return fmt.Errorf("failed to revoke session: %w", err)
}

func (c *Client) clearCurrent() {
	if c.currentSession() == nil {
		return
	}
	c.setAndBroadcast(nil)
}
