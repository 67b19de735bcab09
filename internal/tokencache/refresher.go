package tokencache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/config"
	"github.com/draftworks/listing-api/internal/models"
	"github.com/draftworks/listing-api/internal/sanitize"
	"github.com/draftworks/listing-api/internal/secrets"
)

const (
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// OAuthRefresher exchanges a refresh credential (or client credentials) for a
// fresh access token at the provider's token endpoint.
type OAuthRefresher struct {
	providers map[string]config.OAuthProviderConfig
	secrets   secrets.Provider
	client    *http.Client
}

func NewOAuthRefresher(providers map[string]config.OAuthProviderConfig, creds secrets.Provider, timeout time.Duration) *OAuthRefresher {
	return &OAuthRefresher{
		providers: providers,
		secrets:   creds,
		client:    &http.Client{Timeout: timeout},
	}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, providerID string, current *models.Token) (*models.Token, error) {
	cfg, ok := r.providers[providerID]
	if !ok {
		return nil, apperror.New(apperror.Auth, fmt.Sprintf("no oauth configuration for provider %s", providerID))
	}

	clientID, okID := r.secrets.Get(providerID + "-client-id")
	clientSecret, okSecret := r.secrets.Get(providerID + "-client-secret")
	if !okID || !okSecret {
		return nil, apperror.New(apperror.Auth, fmt.Sprintf("missing client credentials for provider %s", providerID))
	}

	grant := cfg.Grant
	if grant == "" {
		grant = GrantRefreshToken
	}

	form := url.Values{}
	form.Set("grant_type", grant)
	switch grant {
	case GrantRefreshToken:
		if current == nil || current.RefreshToken == "" {
			return nil, apperror.New(apperror.Auth, fmt.Sprintf(
				"no refresh token for provider %s; provide an initial token to establish the refresh flow", providerID))
		}
		form.Set("refresh_token", current.RefreshToken)
	case GrantClientCredentials:
		// nothing beyond the grant type
	default:
		return nil, apperror.New(apperror.Auth, fmt.Sprintf("unsupported grant %q for provider %s", grant, providerID))
	}
	if cfg.Scope != "" {
		form.Set("scope", cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "build token request")
	}
	basic := base64.StdEncoding.EncodeToString([]byte(clientID + ":" + clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, apperror.New(apperror.TransientProvider, sanitize.Error(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, apperror.New(apperror.Auth, fmt.Sprintf("token refresh rejected for provider %s: %d", providerID, resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperror.New(apperror.TransientProvider, fmt.Sprintf("token endpoint for %s returned %d", providerID, resp.StatusCode))
	default:
		return nil, errors.Errorf("token refresh for %s failed with status %d", providerID, resp.StatusCode)
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "decode token response")
	}
	if body.AccessToken == "" {
		return nil, apperror.New(apperror.Auth, fmt.Sprintf("token endpoint for %s returned no access token", providerID))
	}

	now := time.Now()
	tok := &models.Token{
		ProviderID:   providerID,
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenType:    body.TokenType,
		ExpiresAt:    now.Add(time.Duration(body.ExpiresIn) * time.Second),
		IssuedAt:     now,
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	return tok, nil
}
