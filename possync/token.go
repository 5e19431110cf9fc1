package possync

import (
	"context"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/toyiyo/nimble-pnl-sub020/config"
	"github.com/toyiyo/nimble-pnl-sub020/models"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// refreshMargin refreshes tokens that are within an hour of expiring, so a
// long backfill run doesn't die mid-window.
const refreshMargin = time.Hour

// TokenManager decrypts connection credentials and rotates OAuth tokens.
type TokenManager struct {
	db     *gorm.DB
	cipher CredentialCipher
	client *providerClient
}

func NewTokenManager(db *gorm.DB, cipher CredentialCipher) *TokenManager {
	return &TokenManager{db: db, cipher: cipher, client: newProviderClient("oauth")}
}

func (m *TokenManager) database() *gorm.DB {
	if m.db != nil {
		return m.db
	}
	return config.GetDB()
}

// EnsureValidToken returns a plaintext access token for the connection,
// refreshing first when forced, expired, or inside the refresh margin.
// API-key connections never rotate; their stored credential is returned as-is.
func (m *TokenManager) EnsureValidToken(ctx context.Context, conn *models.PosConnection, force bool) (string, error) {
	if conn.AuthType == models.AuthTypeAPIKey {
		return m.decrypt(ctx, conn)
	}
	if force || tokenNeedsRefresh(conn, time.Now()) {
		if err := m.refresh(ctx, conn); err != nil {
			tokenRefreshesTotal.WithLabelValues(conn.Provider, "failure").Inc()
			return "", &TokenRefreshError{Provider: conn.Provider, Reason: err.Error()}
		}
		tokenRefreshesTotal.WithLabelValues(conn.Provider, "success").Inc()
	}
	return m.decrypt(ctx, conn)
}

func tokenNeedsRefresh(conn *models.PosConnection, now time.Time) bool {
	// Unknown expiry counts as expired; the refresh response re-stamps it.
	if conn.TokenExpiresAt == nil {
		return true
	}
	return now.Add(refreshMargin).After(*conn.TokenExpiresAt)
}

func (m *TokenManager) decrypt(ctx context.Context, conn *models.PosConnection) (string, error) {
	if conn.AccessTokenEnc == "" {
		return "", &TokenRefreshError{Provider: conn.Provider, Reason: "no stored access token"}
	}
	return m.cipher.Decrypt(ctx, conn.AccessTokenEnc)
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// refresh exchanges the stored refresh token for a new access token and
// persists the rotated, re-encrypted pair.
func (m *TokenManager) refresh(ctx context.Context, conn *models.PosConnection) error {
	if conn.RefreshTokenEnc == "" {
		return &TokenRefreshError{Provider: conn.Provider, Reason: "no refresh token on file"}
	}
	refreshToken, err := m.cipher.Decrypt(ctx, conn.RefreshTokenEnc)
	if err != nil {
		return err
	}

	endpoint, form, err := refreshRequestFor(conn, refreshToken)
	if err != nil {
		return err
	}

	var tokens oauthTokenResponse
	err = m.client.doJSON(ctx, apiRequest{
		Method:  "POST",
		URL:     endpoint,
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		Body:    []byte(form.Encode()),
	}, &tokens)
	if err != nil {
		return err
	}
	if tokens.AccessToken == "" {
		return &TokenRefreshError{Provider: conn.Provider, Reason: "refresh response missing access_token"}
	}

	accessEnc, err := m.cipher.Encrypt(ctx, tokens.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc := ""
	if tokens.RefreshToken != "" {
		refreshEnc, err = m.cipher.Encrypt(ctx, tokens.RefreshToken)
		if err != nil {
			return err
		}
	}
	var expiresAt *time.Time
	if tokens.ExpiresIn > 0 {
		t := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
		expiresAt = &t
	}

	if err := conn.SaveRotatedTokens(ctx, m.database(), accessEnc, refreshEnc, expiresAt); err != nil {
		return err
	}
	config.GetLogger().WithFields(logrus.Fields{
		"provider":      conn.Provider,
		"restaurant_id": conn.RestaurantId,
	}).Info("rotated provider access token")
	return nil
}

// refreshRequestFor builds the provider-specific token endpoint and form body.
// Client credentials come from environment, not from the connection row.
func refreshRequestFor(conn *models.PosConnection, refreshToken string) (string, url.Values, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	switch conn.Provider {
	case models.PosProviderClover:
		base := utils.EnvString("CLOVER_API_BASE", "https://api.clover.com")
		if conn.Environment == "sandbox" {
			base = utils.EnvString("CLOVER_SANDBOX_API_BASE", "https://apisandbox.dev.clover.com")
		}
		form.Set("client_id", utils.EnvString("CLOVER_CLIENT_ID", ""))
		form.Set("client_secret", utils.EnvString("CLOVER_CLIENT_SECRET", ""))
		return base + "/oauth/v2/refresh", form, nil
	case models.PosProviderToast:
		base := utils.EnvString("TOAST_API_BASE", "https://ws-api.toasttab.com")
		form.Set("client_id", utils.EnvString("TOAST_CLIENT_ID", ""))
		form.Set("client_secret", utils.EnvString("TOAST_CLIENT_SECRET", ""))
		return base + "/authentication/v1/authentication/token", form, nil
	case models.PosProviderSquare:
		base := utils.EnvString("SQUARE_API_BASE", "https://connect.squareup.com")
		form.Set("client_id", utils.EnvString("SQUARE_CLIENT_ID", ""))
		form.Set("client_secret", utils.EnvString("SQUARE_CLIENT_SECRET", ""))
		return base + "/oauth2/token", form, nil
	case models.PosProviderShift4:
		// Shift4 connections use a static api_key credential; a refresh request
		// here means the row was misconfigured.
		return "", nil, &TokenRefreshError{Provider: conn.Provider, Reason: "shift4 uses api_key auth, nothing to refresh"}
	default:
		return "", nil, &TokenRefreshError{Provider: conn.Provider, Reason: "unknown provider"}
	}
}
