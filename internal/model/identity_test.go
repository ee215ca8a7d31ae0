package model

import (
	"testing"
	"time"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Provider
		wantErr bool
	}{
		{"google", "google", ProviderGoogle, false},
		{"github", "github", ProviderGitHub, false},
		{"大文字混在", "GitHub", ProviderGitHub, false},
		{"前後の空白", " google ", ProviderGoogle, false},
		{"未対応", "gitlab", "", true},
		{"空文字", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseProvider(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseProvider(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseProvider(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestAuthSession_ExpiresWithin(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		margin    time.Duration
		want      bool
	}{
		{"十分先", now.Add(time.Hour), time.Minute, false},
		{"マージン内", now.Add(30 * time.Second), time.Minute, true},
		{"失効済み", now.Add(-time.Second), 0, true},
		{"ちょうど失効", now, 0, true},
		{"失効時刻不明", time.Time{}, time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &AuthSession{ExpiresAt: tt.expiresAt}
			if got := s.ExpiresWithin(tt.margin, now); got != tt.want {
				t.Errorf("ExpiresWithin(%v) = %v, want %v", tt.margin, got, tt.want)
			}
		})
	}
}
