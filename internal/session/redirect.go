package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// entryPaths はセッション確立時にダッシュボードへ遷移させる認証入口ページのパス。
// 完全一致で判定する。
var entryPaths = map[string]struct{}{
	"/":       {},
	"/login":  {},
	"/signup": {},
}

// Destinations はリダイレクト先の設定。
type Destinations struct {
	DashboardURL string // サインイン後の遷移先
	AuthURL      string // 認証入口のベースURL
}

// LoginURL はサインアウト後の遷移先 ${AuthURL}/login を返す。
func (d Destinations) LoginURL() string {
	return strings.TrimRight(d.AuthURL, "/") + "/login"
}

// Validate は必須の遷移先が設定されているかを検証する。
func (d Destinations) Validate() error {
	var missing []string
	if d.DashboardURL == "" {
		missing = append(missing, "DashboardURL")
	}
	if d.AuthURL == "" {
		missing = append(missing, "AuthURL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing redirect destinations: %s", strings.Join(missing, ", "))
	}
	return nil
}

// TargetKind はリダイレクト先の種別。
type TargetKind int

const (
	// TargetNone はリダイレクトしないことを表す。
	TargetNone TargetKind = iota
	// TargetDashboard はダッシュボードへのリダイレクト。
	TargetDashboard
	// TargetAuth は認証入口へのリダイレクト。
	TargetAuth
)

// String はメトリクスとログ用のラベルを返す。
func (k TargetKind) String() string {
	switch k {
	case TargetDashboard:
		return "dashboard"
	case TargetAuth:
		return "auth"
	default:
		return "none"
	}
}

// Target は算出されたリダイレクト先。
type Target struct {
	Kind TargetKind
	URL  string
}

// None はリダイレクト不要かを返す。
func (t Target) None() bool {
	return t.Kind == TargetNone
}

// AfterSignIn はセッション確立時のリダイレクト先を現在のパスから算出する。
// 認証入口ページ以外ではリダイレクトしない。
func (d Destinations) AfterSignIn(path string) Target {
	if _, ok := entryPaths[path]; !ok {
		return Target{Kind: TargetNone}
	}
	return Target{Kind: TargetDashboard, URL: d.DashboardURL}
}

// AfterSignOut はサインアウト時のリダイレクト先を返す。常に認証入口のログインページ。
func (d Destinations) AfterSignOut() Target {
	return Target{Kind: TargetAuth, URL: d.LoginURL()}
}

// Navigator はページ遷移を実行する。
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// Location は現在表示中のページのパスを返す。
type Location interface {
	CurrentPath() string
}

// Coordinator はリダイレクト先の算出結果に従って遷移を実行する。
type Coordinator struct {
	dest     Destinations
	nav      Navigator
	loc      Location
	timeout  time.Duration
	logger   *slog.Logger
	recorder Recorder
}

// NewCoordinator は新しいCoordinatorを生成する。
// timeoutが0以下の場合、遷移にタイムアウトを設けない。
func NewCoordinator(dest Destinations, nav Navigator, loc Location, timeout time.Duration, logger *slog.Logger, recorder Recorder) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &Coordinator{
		dest:     dest,
		nav:      nav,
		loc:      loc,
		timeout:  timeout,
		logger:   logger,
		recorder: recorder,
	}
}

// OnEstablished はセッション確立時に呼ばれる。
// 現在のパスが認証入口ページであればダッシュボードへ遷移する。
// 遷移の失敗はログに記録し、呼び出し元には返さない。
func (c *Coordinator) OnEstablished(ctx context.Context) Target {
	path := c.loc.CurrentPath()
	target := c.dest.AfterSignIn(path)
	if target.None() {
		c.logger.Debug("リダイレクト不要",
			slog.String("path", path),
		)
		return target
	}

	if err := c.navigate(ctx, target); err != nil {
		c.logger.Warn("ダッシュボードへの遷移に失敗しました",
			slog.String("path", path),
			slog.String("url", target.URL),
			slog.String("error", err.Error()),
		)
	}
	return target
}

// OnSignedOut はサインアウト成功時に呼ばれ、認証入口のログインページへ遷移する。
func (c *Coordinator) OnSignedOut(ctx context.Context) (Target, error) {
	target := c.dest.AfterSignOut()
	if err := c.navigate(ctx, target); err != nil {
		return target, err
	}
	return target, nil
}

func (c *Coordinator) navigate(ctx context.Context, target Target) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.recorder.RecordRedirect(target.Kind.String())
	if err := c.nav.Navigate(ctx, target.URL); err != nil {
		return fmt.Errorf("navigate to %s: %w", target.URL, err)
	}

	c.logger.Info("リダイレクトしました",
		slog.String("target", target.Kind.String()),
		slog.String("url", target.URL),
	)
	return nil
}
