package session

import (
	"context"
	"errors"
	"testing"
)

func TestDestinations_AfterSignIn(t *testing.T) {
	d := testDestinations()

	tests := []struct {
		path string
		want TargetKind
	}{
		{"/", TargetDashboard},
		{"/login", TargetDashboard},
		{"/signup", TargetDashboard},
		{"/settings", TargetNone},
		{"/login/", TargetNone},
		{"/signup/extra", TargetNone},
		{"", TargetNone},
		{"/LOGIN", TargetNone},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := d.AfterSignIn(tt.path)
			if got.Kind != tt.want {
				t.Errorf("AfterSignIn(%q).Kind = %v, want %v", tt.path, got.Kind, tt.want)
			}
			if tt.want == TargetDashboard && got.URL != testDashboardURL {
				t.Errorf("URL = %q, want %q", got.URL, testDashboardURL)
			}
			if tt.want == TargetNone && got.URL != "" {
				t.Errorf("URL = %q, want empty", got.URL)
			}
		})
	}
}

func TestDestinations_AfterSignOut(t *testing.T) {
	tests := []struct {
		name    string
		authURL string
		want    string
	}{
		{"末尾スラッシュなし", "https://auth.example.com", "https://auth.example.com/login"},
		{"末尾スラッシュあり", "https://auth.example.com/", "https://auth.example.com/login"},
		{"サブパス", "https://example.com/auth", "https://example.com/auth/login"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Destinations{DashboardURL: testDashboardURL, AuthURL: tt.authURL}
			got := d.AfterSignOut()
			if got.Kind != TargetAuth {
				t.Errorf("Kind = %v, want TargetAuth", got.Kind)
			}
			if got.URL != tt.want {
				t.Errorf("URL = %q, want %q", got.URL, tt.want)
			}
		})
	}
}

func TestDestinations_Validate(t *testing.T) {
	if err := testDestinations().Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := (Destinations{AuthURL: testAuthURL}).Validate(); err == nil {
		t.Error("expected error for missing DashboardURL")
	}
	if err := (Destinations{DashboardURL: testDashboardURL}).Validate(); err == nil {
		t.Error("expected error for missing AuthURL")
	}
}

func TestCoordinator_OnEstablished(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantURLs []string
	}{
		{"ログインページ", "/login", []string{testDashboardURL}},
		{"トップページ", "/", []string{testDashboardURL}},
		{"ディープリンク", "/settings", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nav := &mockNavigator{}
			c := NewCoordinator(testDestinations(), nav, &mockLocation{path: tt.path}, 0, nil, nil)

			c.OnEstablished(context.Background())

			got := nav.visited()
			if len(got) != len(tt.wantURLs) {
				t.Fatalf("navigations = %v, want %v", got, tt.wantURLs)
			}
			for i := range got {
				if got[i] != tt.wantURLs[i] {
					t.Errorf("navigation[%d] = %q, want %q", i, got[i], tt.wantURLs[i])
				}
			}
		})
	}
}

func TestCoordinator_OnEstablished_NavigationFailureIsSwallowed(t *testing.T) {
	nav := &mockNavigator{err: errors.New("no browser")}
	c := NewCoordinator(testDestinations(), nav, &mockLocation{path: "/"}, 0, nil, nil)

	target := c.OnEstablished(context.Background())
	if target.Kind != TargetDashboard {
		t.Errorf("Kind = %v, want TargetDashboard", target.Kind)
	}
}

func TestCoordinator_OnSignedOut(t *testing.T) {
	navErr := errors.New("no browser")
	nav := &mockNavigator{err: navErr}
	c := NewCoordinator(testDestinations(), nav, &mockLocation{path: "/settings"}, 0, nil, nil)

	target, err := c.OnSignedOut(context.Background())
	if !errors.Is(err, navErr) {
		t.Errorf("err = %v, want wrapping %v", err, navErr)
	}
	if target.URL != testAuthURL+"/login" {
		t.Errorf("URL = %q, want %q", target.URL, testAuthURL+"/login")
	}
	if got := nav.visited(); len(got) != 1 || got[0] != testAuthURL+"/login" {
		t.Errorf("navigations = %v", got)
	}
}
