package handler

import (
	"context"
	"net/http"
	"sync"

	"github.com/hitoshi/authportal/internal/model"
	"github.com/hitoshi/authportal/internal/session"
)

// --- モック定義 ---

type mockManager struct {
	snapshot  session.Snapshot
	signInFn  func(ctx context.Context, provider model.Provider) error
	signOutFn func(ctx context.Context) (session.Target, error)

	signInCalls []model.Provider
}

func (m *mockManager) Snapshot() session.Snapshot {
	return m.snapshot
}

func (m *mockManager) SignIn(ctx context.Context, provider model.Provider) error {
	m.signInCalls = append(m.signInCalls, provider)
	if m.signInFn != nil {
		return m.signInFn(ctx, provider)
	}
	return nil
}

func (m *mockManager) SignOut(ctx context.Context) (session.Target, error) {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return session.Target{Kind: session.TargetAuth, URL: "https://auth.example.com/login"}, nil
}

func (m *mockManager) WaitReady(ctx context.Context) (session.Snapshot, error) {
	if m.snapshot.IsLoading {
		return m.snapshot, &model.SubscriptionError{Err: model.ErrSessionUnresolved}
	}
	return m.snapshot, nil
}

type mockHub struct {
	mu      sync.Mutex
	visited []string
}

func (h *mockHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (h *mockHub) Visit(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.visited = append(h.visited, path)
}

func (h *mockHub) visits() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.visited...)
}
