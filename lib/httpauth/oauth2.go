package httpauth

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// OAuth2Config configures OAuth2 client credentials authentication for a remote directory.
type OAuth2Config struct {
	TokenURL     string   `koanf:"tokenurl"`
	ClientID     string   `koanf:"clientid"`
	ClientSecret string   `koanf:"clientsecret"`
	Scopes       []string `koanf:"scopes"`
}

// IsConfigured returns true when all required fields are set.
func (c OAuth2Config) IsConfigured() bool {
	return c.TokenURL != "" && c.ClientID != "" && c.ClientSecret != ""
}

type oauth2TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// NewOAuth2HTTPClient creates an http.Client that authenticates using the
// OAuth2 client credentials grant. The base transport may be nil.
func NewOAuth2HTTPClient(config OAuth2Config, baseTransport http.RoundTripper) (*http.Client, error) {
	if !config.IsConfigured() {
		return nil, fmt.Errorf("OAuth2 configuration is incomplete: tokenurl, clientid, and clientsecret are required")
	}
	provider := NewTokenProvider(func() (string, time.Duration, error) {
		return fetchOAuth2Token(config)
	}, 30*time.Second)
	return &http.Client{
		Transport: NewAuthTransport(baseTransport, provider.TokenFunc()),
	}, nil
}

func fetchOAuth2Token(config OAuth2Config) (string, time.Duration, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {config.ClientID},
		"client_secret": {config.ClientSecret},
	}
	if len(config.Scopes) > 0 {
		data.Set("scope", strings.Join(config.Scopes, " "))
	}

	request, err := http.NewRequest(http.MethodPost, config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := &http.Client{Timeout: 30 * time.Second}
	response, err := client.Do(request)
	if err != nil {
		return "", 0, fmt.Errorf("token request failed: %w", err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read token response: %w", err)
	}
	if response.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("token request returned status %d: %s", response.StatusCode, string(body))
	}

	var tokenResponse oauth2TokenResponse
	if err := json.Unmarshal(body, &tokenResponse); err != nil {
		return "", 0, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResponse.AccessToken == "" {
		return "", 0, fmt.Errorf("token response did not contain access_token")
	}

	expiresIn := time.Duration(tokenResponse.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
		slog.Warn("OAuth2 token response did not include expires_in, defaulting to 1 hour")
	}
	return tokenResponse.AccessToken, expiresIn, nil
}
