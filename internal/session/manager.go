// Package session はクライアント側の認証セッション管理を提供する。
// 外部Auth Serviceからのセッション変更通知を購読して現在のIdentityとloading状態を保持し、
// 状態遷移に応じたリダイレクトとサインイン/サインアウト操作を仲介する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authportal/internal/model"
)

// Subscription はAuth Serviceの通知チャネルへの登録を表す。
type Subscription interface {
	Unsubscribe()
}

// OAuthOptions はOAuthハンドシェイク開始時にAuth Serviceへ渡すオプション。
type OAuthOptions struct {
	RedirectTo  string
	Scopes      []string
	QueryParams map[string]string
}

// AuthService は外部Auth Serviceのクライアントインターフェース。
type AuthService interface {
	// SubscribeToSessionChanges はセッション変更通知を購読する。
	// コールバックには0回以上、セッションまたはnil（未サインイン/失効）が渡される。
	SubscribeToSessionChanges(cb func(*model.AuthSession)) (Subscription, error)
	// BeginOAuth はプロバイダーのOAuthハンドシェイクを開始する。
	// 開始が受け付けられた時点で返り、確立したセッションは通知経由で届く。
	BeginOAuth(ctx context.Context, provider model.Provider, opts OAuthOptions) error
	// EndSession はセッションを無効化する。
	EndSession(ctx context.Context) error
}

// ProviderParams はプロバイダー固有のOAuthパラメータ。
type ProviderParams struct {
	Scopes      []string          `yaml:"scopes"`
	QueryParams map[string]string `yaml:"query_params"`
}

// DefaultProviderParams はプロバイダー別の既定パラメータを返す。
// Googleはオフラインアクセスと同意画面の強制、GitHubはプロフィールとメールの読み取りを要求する。
func DefaultProviderParams() map[model.Provider]ProviderParams {
	return map[model.Provider]ProviderParams{
		model.ProviderGoogle: {
			QueryParams: map[string]string{
				"access_type": "offline",
				"prompt":      "consent",
			},
		},
		model.ProviderGitHub: {
			Scopes: []string{"read:user", "user:email"},
		},
	}
}

// Config はManagerの設定。
type Config struct {
	Destinations    Destinations
	Navigator       Navigator
	Location        Location
	Providers       map[model.Provider]ProviderParams // nilの場合はDefaultProviderParams
	ReadyTimeout    time.Duration                     // WaitReadyの上限。0以下は無制限
	NavigateTimeout time.Duration
	Logger          *slog.Logger
	Recorder        Recorder
}

// Manager はセッション状態と認証操作をまとめて提供する。
// プロセスにつき1つ生成し、表示層へ注入して使用する。
type Manager struct {
	svc       AuthService
	store     *Store
	coord     *Coordinator
	listener  *Listener
	dest      Destinations
	providers map[model.Provider]ProviderParams
	timeout   time.Duration
	logger    *slog.Logger
	recorder  Recorder
}

// NewManager は新しいManagerを生成する。
// 遷移先URLはどちらも必須で、欠けている場合はエラーを返す。
func NewManager(svc AuthService, cfg Config) (*Manager, error) {
	if svc == nil {
		return nil, errors.New("auth service is required")
	}
	if err := cfg.Destinations.Validate(); err != nil {
		return nil, err
	}
	if cfg.Navigator == nil || cfg.Location == nil {
		return nil, errors.New("navigator and location are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = noopRecorder{}
	}
	providers := cfg.Providers
	if providers == nil {
		providers = DefaultProviderParams()
	}

	store := NewStore()
	coord := NewCoordinator(cfg.Destinations, cfg.Navigator, cfg.Location, cfg.NavigateTimeout, logger, recorder)

	return &Manager{
		svc:       svc,
		store:     store,
		coord:     coord,
		listener:  NewListener(store, coord, logger, recorder),
		dest:      cfg.Destinations,
		providers: providers,
		timeout:   cfg.ReadyTimeout,
		logger:    logger,
		recorder:  recorder,
	}, nil
}

// Start はセッション変更通知の購読を開始する。
func (m *Manager) Start() error {
	if err := m.listener.Start(m.svc); err != nil {
		m.logger.Error("セッション変更通知の購読に失敗しました",
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Close は購読を解除する。以降に届いたイベントは状態を変更しない。
func (m *Manager) Close() {
	m.listener.Stop()
}

// Snapshot は現在のセッション状態を返す。
func (m *Manager) Snapshot() Snapshot {
	return m.store.Snapshot()
}

// Identity は現在のIdentityを返す。未サインインまたは状態不明の場合はnil。
func (m *Manager) Identity() *model.Identity {
	return m.store.Snapshot().Identity
}

// IsLoading は初回イベントを未処理であるかを返す。
func (m *Manager) IsLoading() bool {
	return m.store.Snapshot().IsLoading
}

// Subscribe は状態変更の通知チャネルと解除関数を返す。
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	return m.store.Subscribe()
}

// WaitReady は状態が確定するまで待機する。
// ReadyTimeoutを超えた場合はErrSessionUnresolvedをラップした*model.SubscriptionErrorを返す。
// 状態は未サインインに書き換えず、後から初回イベントが届けば通常通り処理される。
func (m *Manager) WaitReady(ctx context.Context) (Snapshot, error) {
	waitCtx := ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	snap, err := m.store.WaitReady(waitCtx)
	if err == nil {
		return snap, nil
	}
	if ctx.Err() != nil {
		return snap, ctx.Err()
	}

	m.recorder.RecordReadyTimeout()
	m.logger.Warn("セッション状態が時間内に確定しませんでした",
		slog.Duration("timeout", m.timeout),
	)
	return snap, &model.SubscriptionError{Err: model.ErrSessionUnresolved}
}

// SignInWithGoogle はGoogleでのOAuthハンドシェイクを開始する。
func (m *Manager) SignInWithGoogle(ctx context.Context) error {
	return m.SignIn(ctx, model.ProviderGoogle)
}

// SignInWithGithub はGitHubでのOAuthハンドシェイクを開始する。
func (m *Manager) SignInWithGithub(ctx context.Context) error {
	return m.SignIn(ctx, model.ProviderGitHub)
}

// SignIn は指定プロバイダーでのOAuthハンドシェイクを開始する。
// 開始に失敗した場合は*model.OAuthInitiationErrorを返す。自動リトライはせず、セッション状態も変更しない。
func (m *Manager) SignIn(ctx context.Context, provider model.Provider) error {
	if !provider.Valid() {
		return &model.OAuthInitiationError{
			Provider: provider,
			Err:      fmt.Errorf("unsupported provider: %q", provider),
		}
	}

	params := m.providers[provider]
	opts := OAuthOptions{
		RedirectTo:  m.dest.DashboardURL,
		Scopes:      params.Scopes,
		QueryParams: params.QueryParams,
	}

	if err := m.svc.BeginOAuth(ctx, provider, opts); err != nil {
		var initErr *model.OAuthInitiationError
		if !errors.As(err, &initErr) {
			initErr = &model.OAuthInitiationError{Provider: provider, Err: err}
		}
		m.recorder.RecordSignIn(string(provider), "error")
		m.logger.Warn("サインインの開始に失敗しました",
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		return initErr
	}

	m.recorder.RecordSignIn(string(provider), "initiated")
	m.logger.Info("サインインを開始しました",
		slog.String("provider", string(provider)),
	)
	return nil
}

// SignOut はセッションを無効化し、成功時は認証入口のログインページへ遷移する。
// 失敗した場合は*model.SignOutErrorを返し、遷移せずセッション表示もそのまま残す。
// 遷移先はページ側での遷移にも使えるよう戻り値で返す。
func (m *Manager) SignOut(ctx context.Context) (Target, error) {
	if err := m.svc.EndSession(ctx); err != nil {
		var signOutErr *model.SignOutError
		if !errors.As(err, &signOutErr) {
			signOutErr = &model.SignOutError{Err: err}
		}
		m.recorder.RecordSignOut("error")
		m.logger.Warn("サインアウトに失敗しました",
			slog.String("error", err.Error()),
		)
		return Target{Kind: TargetNone}, signOutErr
	}

	m.recorder.RecordSignOut("success")
	target, err := m.coord.OnSignedOut(ctx)
	if err != nil {
		m.logger.Warn("サインアウト後の遷移に失敗しました",
			slog.String("url", target.URL),
			slog.String("error", err.Error()),
		)
	}
	return target, nil
}
