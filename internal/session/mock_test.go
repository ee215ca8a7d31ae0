package session

import (
	"context"
	"sync"

	"github.com/hitoshi/authportal/internal/model"
)

// --- モック定義 ---

type mockSubscription struct {
	mu    sync.Mutex
	calls int
}

func (s *mockSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
}

func (s *mockSubscription) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type mockAuthService struct {
	mu           sync.Mutex
	callback     func(*model.AuthSession)
	sub          *mockSubscription
	subscribeErr error

	beginOAuthFn func(ctx context.Context, provider model.Provider, opts OAuthOptions) error
	endSessionFn func(ctx context.Context) error
}

func newMockAuthService() *mockAuthService {
	return &mockAuthService{sub: &mockSubscription{}}
}

func (m *mockAuthService) SubscribeToSessionChanges(cb func(*model.AuthSession)) (Subscription, error) {
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	m.mu.Lock()
	m.callback = cb
	m.mu.Unlock()
	return m.sub, nil
}

func (m *mockAuthService) BeginOAuth(ctx context.Context, provider model.Provider, opts OAuthOptions) error {
	if m.beginOAuthFn != nil {
		return m.beginOAuthFn(ctx, provider, opts)
	}
	return nil
}

func (m *mockAuthService) EndSession(ctx context.Context) error {
	if m.endSessionFn != nil {
		return m.endSessionFn(ctx)
	}
	return nil
}

// emit は購読中のコールバックへセッション変更を通知する。
func (m *mockAuthService) emit(s *model.AuthSession) {
	m.mu.Lock()
	cb := m.callback
	m.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

type mockNavigator struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (n *mockNavigator) Navigate(_ context.Context, url string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
	return n.err
}

func (n *mockNavigator) visited() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.urls...)
}

type mockLocation struct {
	mu   sync.Mutex
	path string
}

func (l *mockLocation) CurrentPath() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

func (l *mockLocation) set(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.path = path
}

// --- compile-time interface checks ---
var _ AuthService = (*mockAuthService)(nil)
var _ Navigator = (*mockNavigator)(nil)
var _ Location = (*mockLocation)(nil)

const (
	testDashboardURL = "https://dashboard.example.com"
	testAuthURL      = "https://auth.example.com"
)

func testDestinations() Destinations {
	return Destinations{DashboardURL: testDashboardURL, AuthURL: testAuthURL}
}

func sessionFor(id string) *model.AuthSession {
	return &model.AuthSession{
		AccessToken: "token-" + id,
		User:        model.Identity{ID: id, Email: id + "@example.com"},
	}
}
