package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authportal/internal/middleware"
	"github.com/hitoshi/authportal/internal/model"
	"github.com/hitoshi/authportal/internal/session"
)

func serveSignIn(h *AuthHandler, provider string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Post("/auth/{provider}", h.SignIn)

	req := httptest.NewRequest(http.MethodPost, "/auth/"+provider, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func TestAuthHandler_SignIn(t *testing.T) {
	tests := []struct {
		name         string
		provider     string
		signInErr    error
		wantStatus   int
		wantCode     string
		wantProvider model.Provider
		wantCalled   bool
	}{
		{
			name:         "Google開始成功",
			provider:     "google",
			wantStatus:   http.StatusAccepted,
			wantProvider: model.ProviderGoogle,
			wantCalled:   true,
		},
		{
			name:         "GitHub開始成功",
			provider:     "github",
			wantStatus:   http.StatusAccepted,
			wantProvider: model.ProviderGitHub,
			wantCalled:   true,
		},
		{
			name:         "開始失敗は502",
			provider:     "google",
			signInErr:    &model.OAuthInitiationError{Provider: model.ProviderGoogle, Err: errors.New("provider disabled")},
			wantStatus:   http.StatusBadGateway,
			wantCode:     model.ErrCodeOAuthInitiationFailed,
			wantProvider: model.ProviderGoogle,
			wantCalled:   true,
		},
		{
			name:         "型のないエラーも開始失敗として扱う",
			provider:     "github",
			signInErr:    errors.New("unexpected"),
			wantStatus:   http.StatusBadGateway,
			wantCode:     model.ErrCodeOAuthInitiationFailed,
			wantProvider: model.ProviderGitHub,
			wantCalled:   true,
		},
		{
			name:       "未対応プロバイダーは400",
			provider:   "gitlab",
			wantStatus: http.StatusBadRequest,
			wantCode:   model.ErrCodeUnknownProvider,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := &mockManager{
				signInFn: func(ctx context.Context, provider model.Provider) error {
					return tt.signInErr
				},
			}
			h := NewAuthHandler(mgr, nil, nil)

			w := serveSignIn(h, tt.provider)

			if w.Result().StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
			}
			if tt.wantCalled != (len(mgr.signInCalls) == 1) {
				t.Fatalf("SignIn calls = %v, wantCalled %v", mgr.signInCalls, tt.wantCalled)
			}
			if tt.wantCalled && mgr.signInCalls[0] != tt.wantProvider {
				t.Errorf("provider = %q, want %q", mgr.signInCalls[0], tt.wantProvider)
			}

			if tt.wantCode != "" {
				body := decodeError(t, w)
				if body.Code != tt.wantCode {
					t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
				}
				return
			}

			var body signInResponse
			if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Status != "navigating" || body.Provider != string(tt.wantProvider) {
				t.Errorf("body = %+v", body)
			}
		})
	}
}

func TestAuthHandler_SignOut_Success_ReturnsRedirect(t *testing.T) {
	h := NewAuthHandler(&mockManager{}, nil, nil)

	w := httptest.NewRecorder()
	h.SignOut(w, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
	}
	var body signOutResponse
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Redirect != "https://auth.example.com/login" {
		t.Errorf("redirect = %q, want %q", body.Redirect, "https://auth.example.com/login")
	}
}

func TestAuthHandler_SignOut_Failure_Returns502(t *testing.T) {
	mgr := &mockManager{
		signOutFn: func(ctx context.Context) (session.Target, error) {
			return session.Target{}, &model.SignOutError{Err: errors.New("network down")}
		},
	}
	h := NewAuthHandler(mgr, nil, nil)

	w := httptest.NewRecorder()
	h.SignOut(w, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

	if w.Result().StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusBadGateway)
	}
	body := decodeError(t, w)
	if body.Code != model.ErrCodeSignOutFailed {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeSignOutFailed)
	}
	if body.Category != "auth" {
		t.Errorf("category = %q, want %q", body.Category, "auth")
	}
}

func TestAuthHandler_Session(t *testing.T) {
	tests := []struct {
		name     string
		snapshot session.Snapshot
		check    func(t *testing.T, body map[string]any)
	}{
		{
			name:     "判定中",
			snapshot: session.Snapshot{IsLoading: true},
			check: func(t *testing.T, body map[string]any) {
				if body["isLoading"] != true {
					t.Errorf("isLoading = %v, want true", body["isLoading"])
				}
				if body["identity"] != nil {
					t.Errorf("identity = %v, want null", body["identity"])
				}
			},
		},
		{
			name:     "未サインイン",
			snapshot: session.Snapshot{},
			check: func(t *testing.T, body map[string]any) {
				if body["isLoading"] != false {
					t.Errorf("isLoading = %v, want false", body["isLoading"])
				}
				if body["identity"] != nil {
					t.Errorf("identity = %v, want null", body["identity"])
				}
			},
		},
		{
			name: "サインイン済みは表示用フィールドをサニタイズする",
			snapshot: session.Snapshot{Identity: &model.Identity{
				ID:           "user-1",
				Email:        "taro@example.com",
				Provider:     "github",
				Name:         "<img src=x onerror=alert(1)>Taro",
				AvatarURL:    "javascript:alert(1)",
				UserMetadata: map[string]any{"secret": "value"},
			}},
			check: func(t *testing.T, body map[string]any) {
				id, ok := body["identity"].(map[string]any)
				if !ok {
					t.Fatalf("identity = %v, want object", body["identity"])
				}
				if id["id"] != "user-1" || id["provider"] != "github" {
					t.Errorf("identity = %v", id)
				}
				if id["name"] != "Taro" {
					t.Errorf("name = %v, want Taro", id["name"])
				}
				if id["avatar_url"] != "" {
					t.Errorf("avatar_url = %v, want empty", id["avatar_url"])
				}
				if _, ok := id["user_metadata"]; ok {
					t.Error("metadata should not be exposed")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAuthHandler(&mockManager{snapshot: tt.snapshot}, nil, nil)

			w := httptest.NewRecorder()
			h.Session(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))

			if w.Result().StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
			}
			if ct := w.Result().Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}

			var body map[string]any
			if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			tt.check(t, body)
		})
	}
}
