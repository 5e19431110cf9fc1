package possync

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/toyiyo/nimble-pnl-sub020/config"
	"github.com/toyiyo/nimble-pnl-sub020/utils"
)

// CredentialCipher encrypts provider credentials before they hit the database
// and decrypts them on the way out. Ciphertext is opaque to this service.
type CredentialCipher interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

type cipherRequest struct {
	Action string `json:"action"`
	Value  string `json:"value"`
}

type cipherResponse struct {
	Value string `json:"value"`
}

// gatewayCipher calls the shared encryption service over HTTP.
type gatewayCipher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewCredentialCipher returns the HTTP-backed cipher when ENCRYPTION_SERVICE_URL
// is set, otherwise a reversible local encoder for development databases.
func NewCredentialCipher() CredentialCipher {
	baseURL := utils.EnvString("ENCRYPTION_SERVICE_URL", "")
	if baseURL == "" {
		config.GetLogger().Warn("ENCRYPTION_SERVICE_URL not set, storing credentials base64-encoded only")
		return localCipher{}
	}
	return &gatewayCipher{
		baseURL: baseURL,
		apiKey:  utils.EnvString("ENCRYPTION_SERVICE_KEY", ""),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *gatewayCipher) Encrypt(ctx context.Context, plaintext string) (string, error) {
	return g.call(ctx, "encrypt", plaintext)
}

func (g *gatewayCipher) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	return g.call(ctx, "decrypt", ciphertext)
}

func (g *gatewayCipher) call(ctx context.Context, action, value string) (string, error) {
	body, err := utils.MarshalToJSON(cipherRequest{Action: action, Value: value})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("encryption service %s: %w", action, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("encryption service %s returned %d", action, resp.StatusCode)
	}
	var out cipherResponse
	if err := utils.UnmarshalFromJSON(raw, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// localCipher is a development fallback. Not encryption; only keeps raw tokens
// out of casual query output.
type localCipher struct{}

func (localCipher) Encrypt(_ context.Context, plaintext string) (string, error) {
	return "b64:" + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
}

func (localCipher) Decrypt(_ context.Context, ciphertext string) (string, error) {
	if len(ciphertext) > 4 && ciphertext[:4] == "b64:" {
		raw, err := base64.StdEncoding.DecodeString(ciphertext[4:])
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}
	return ciphertext, nil
}
