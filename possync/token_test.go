package possync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/toyiyo/nimble-pnl-sub020/models"
)

func TestTokenNeedsRefresh(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	future := now.Add(2 * time.Hour)
	soon := now.Add(30 * time.Minute)
	past := now.Add(-time.Minute)

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{"no expiry on file", nil, true},
		{"comfortably valid", &future, false},
		{"inside refresh margin", &soon, true},
		{"already expired", &past, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &models.PosConnection{TokenExpiresAt: tt.expiresAt}
			if got := tokenNeedsRefresh(conn, now); got != tt.want {
				t.Fatalf("tokenNeedsRefresh = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRefreshRequestFor(t *testing.T) {
	conn := &models.PosConnection{Provider: models.PosProviderClover, Environment: "production"}
	endpoint, form, err := refreshRequestFor(conn, "rt-123")
	if err != nil {
		t.Fatalf("refreshRequestFor: %v", err)
	}
	if !strings.Contains(endpoint, "/oauth/v2/refresh") {
		t.Fatalf("endpoint = %q", endpoint)
	}
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "rt-123" {
		t.Fatalf("form = %v", form)
	}

	conn.Environment = "sandbox"
	endpoint, _, err = refreshRequestFor(conn, "rt-123")
	if err != nil {
		t.Fatalf("refreshRequestFor sandbox: %v", err)
	}
	if !strings.Contains(endpoint, "sandbox") {
		t.Fatalf("sandbox connection hit production endpoint %q", endpoint)
	}
}

func TestRefreshRequestForShift4Rejected(t *testing.T) {
	conn := &models.PosConnection{Provider: models.PosProviderShift4}
	if _, _, err := refreshRequestFor(conn, "anything"); err == nil {
		t.Fatal("shift4 api_key connections must not attempt oauth refresh")
	}
}

func TestLocalCipherRoundTrip(t *testing.T) {
	c := localCipher{}
	ctx := context.Background()

	enc, err := c.Encrypt(ctx, "sk_live_secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if enc == "sk_live_secret" {
		t.Fatal("plaintext stored verbatim")
	}
	dec, err := c.Decrypt(ctx, enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if dec != "sk_live_secret" {
		t.Fatalf("round trip = %q", dec)
	}

	// Legacy plaintext rows pass through unchanged.
	passthrough, err := c.Decrypt(ctx, "legacy-token")
	if err != nil || passthrough != "legacy-token" {
		t.Fatalf("passthrough = %q, %v", passthrough, err)
	}
}
