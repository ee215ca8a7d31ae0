package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/authportal/internal/model"
)

func findCSRFCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == csrfCookieName {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_SafeMethods_PassThroughWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			mw := NewCSRFMiddleware(CSRFConfig{Logger: newDiscardLogger()})

			called := false
			h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(method, "/login", nil))

			if !called {
				t.Fatalf("handler should have been called for %s request", method)
			}
			if w.Result().StatusCode != http.StatusOK {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusOK)
			}
		})
	}
}

func TestCSRFMiddleware_StateChangingRequests(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		cookie     string
		header     string
		wantStatus int
		wantReason string
	}{
		{
			name:       "一致するトークンは通過する",
			method:     http.MethodPost,
			cookie:     "valid-token",
			header:     "valid-token",
			wantStatus: http.StatusOK,
		},
		{
			name:       "Cookieなし",
			method:     http.MethodPost,
			header:     "valid-token",
			wantStatus: http.StatusForbidden,
			wantReason: "missing cookie token",
		},
		{
			name:       "ヘッダーなし",
			method:     http.MethodPost,
			cookie:     "valid-token",
			wantStatus: http.StatusForbidden,
			wantReason: "missing header token",
		},
		{
			name:       "不一致",
			method:     http.MethodPost,
			cookie:     "cookie-token",
			header:     "header-token",
			wantStatus: http.StatusForbidden,
			wantReason: "token mismatch",
		},
		{
			name:       "長さの異なるトークン",
			method:     http.MethodPost,
			cookie:     "token",
			header:     "token-with-suffix",
			wantStatus: http.StatusForbidden,
			wantReason: "token mismatch",
		},
		{
			name:       "PUTもトークン必須",
			method:     http.MethodPut,
			wantStatus: http.StatusForbidden,
			wantReason: "missing cookie token",
		},
		{
			name:       "PATCHもトークン必須",
			method:     http.MethodPatch,
			wantStatus: http.StatusForbidden,
			wantReason: "missing cookie token",
		},
		{
			name:       "DELETEもトークン必須",
			method:     http.MethodDelete,
			wantStatus: http.StatusForbidden,
			wantReason: "missing cookie token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logBuf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&logBuf, nil))
			mw := NewCSRFMiddleware(CSRFConfig{Logger: logger})

			called := false
			h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/auth/google", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()

			h.ServeHTTP(w, req)

			if w.Result().StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Result().StatusCode, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v, want %v", called, tt.wantStatus == http.StatusOK)
			}
			if tt.wantReason == "" {
				return
			}

			var body ErrorResponseBody
			if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode error body: %v", err)
			}
			if body.Code != model.ErrCodeCSRFTokenInvalid {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFTokenInvalid)
			}
			if body.Action == "" {
				t.Error("action should be set")
			}

			var entry map[string]any
			if err := json.Unmarshal(logBuf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse log: %v\nraw: %s", err, logBuf.String())
			}
			if entry["reason"] != tt.wantReason {
				t.Errorf("reason = %v, want %q", entry["reason"], tt.wantReason)
			}
			if entry["path"] != "/auth/google" {
				t.Errorf("path = %v, want %q", entry["path"], "/auth/google")
			}
		})
	}
}

func TestCSRFMiddleware_GETRequest_SetsCSRFCookie(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{
		CookieSecure: true,
		CookieDomain: "auth.example.com",
		Logger:       newDiscardLogger(),
	})

	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login", nil))

	c := findCSRFCookie(w.Result())
	if c == nil {
		t.Fatal("expected CSRF cookie to be set on GET request")
	}
	if len(c.Value) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(c.Value))
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want %v", c.SameSite, http.SameSiteLaxMode)
	}
	if c.HttpOnly {
		t.Error("CSRF cookie should NOT be HttpOnly (page script sends it back)")
	}
	if !c.Secure {
		t.Error("CSRF cookie should be Secure when CookieSecure is set")
	}
	if c.Path != "/" {
		t.Errorf("Path = %q, want %q", c.Path, "/")
	}
	if c.MaxAge != int((24 * time.Hour).Seconds()) {
		t.Errorf("MaxAge = %d, want %d", c.MaxAge, int((24 * time.Hour).Seconds()))
	}
}

func TestCSRFMiddleware_GETRequest_ExistingCookie_DoesNotReplace(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{Logger: newDiscardLogger()})

	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/login", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-token"})
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	if findCSRFCookie(w.Result()) != nil {
		t.Error("CSRF cookie should not be re-set when already present")
	}
}

// --- CSRFトークン取得エンドポイントのテスト ---

func TestCSRFTokenHandler_SetsTokenCookieAndReturnsJSON(t *testing.T) {
	h := NewCSRFTokenHandler(CSRFConfig{
		CookieMaxAge: time.Hour,
		Logger:       newDiscardLogger(),
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token == "" {
		t.Fatal("expected non-empty token in response")
	}

	c := findCSRFCookie(resp)
	if c == nil {
		t.Fatal("expected CSRF cookie to be set")
	}
	if c.Value != body.Token {
		t.Errorf("cookie value = %q, response token = %q; should match", c.Value, body.Token)
	}
	if c.MaxAge != 3600 {
		t.Errorf("MaxAge = %d, want 3600", c.MaxAge)
	}
}

func TestCSRFTokenHandler_ExistingCookie_ReturnsSameToken(t *testing.T) {
	h := NewCSRFTokenHandler(CSRFConfig{Logger: newDiscardLogger()})

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-csrf-token"})
	w := httptest.NewRecorder()

	h.ServeHTTP(w, req)

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token != "existing-csrf-token" {
		t.Errorf("token = %q, want %q", body.Token, "existing-csrf-token")
	}
	if findCSRFCookie(w.Result()) != nil {
		t.Error("existing cookie should not be replaced")
	}
}

func TestCSRF_TokenRoundTrip(t *testing.T) {
	cfg := CSRFConfig{Logger: newDiscardLogger()}
	tokenHandler := NewCSRFTokenHandler(cfg)
	protected := NewCSRFMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	w := httptest.NewRecorder()
	tokenHandler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))
	c := findCSRFCookie(w.Result())
	if c == nil {
		t.Fatal("expected CSRF cookie to be set")
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/github", strings.NewReader(""))
	req.AddCookie(c)
	req.Header.Set(csrfHeaderName, c.Value)
	w = httptest.NewRecorder()
	protected.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusAccepted)
	}
}
