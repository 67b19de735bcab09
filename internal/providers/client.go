// Package providers contains the thin HTTP clients behind the pipeline's
// collaborator interfaces. All calls carry an explicit timeout and a bounded
// retry budget with exponential backoff for transient failures.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/sanitize"
)

// TokenSource is the slice of the token cache a provider client needs.
type TokenSource interface {
	Get(ctx context.Context, providerID string) (string, error)
	Invalidate(providerID string)
}

type Config struct {
	HTTPTimeout    time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

type apiClient struct {
	baseURL    string
	providerID string
	http       *http.Client
	tokens     TokenSource
	attempts   uint64
	baseDelay  time.Duration
	logger     zerolog.Logger
}

func newAPIClient(baseURL, providerID string, cfg Config, tokens TokenSource, logger zerolog.Logger) *apiClient {
	return &apiClient{
		baseURL:    baseURL,
		providerID: providerID,
		http:       &http.Client{Timeout: cfg.HTTPTimeout},
		tokens:     tokens,
		attempts:   uint64(cfg.RetryAttempts),
		baseDelay:  cfg.RetryBaseDelay,
		logger:     logger,
	}
}

// do performs one logical call: transient statuses are retried with backoff
// up to the attempt budget, and a 401 triggers exactly one credential reload
// before the call fails with an auth error.
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, headers map[string]string, body, out interface{}) error {
	reloaded := false
	backoff := retry.WithMaxRetries(c.attempts, retry.NewExponential(c.baseDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var reqBody io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return errors.Wrap(err, "encode request body")
			}
			reqBody = bytes.NewReader(encoded)
		}

		endpoint := c.baseURL + path
		if len(query) > 0 {
			endpoint += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if c.tokens != nil {
			token, err := c.tokens.Get(ctx, c.providerID)
			if err != nil {
				return err // auth errors are not retryable
			}
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(apperror.New(apperror.TransientProvider, sanitize.Error(err)))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out == nil {
				return nil
			}
			return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decode response")
		case resp.StatusCode == http.StatusNotFound:
			return apperror.New(apperror.NotFound, fmt.Sprintf("%s %s: not found", method, path))
		case resp.StatusCode == http.StatusUnauthorized:
			if !reloaded && c.tokens != nil {
				reloaded = true
				c.tokens.Invalidate(c.providerID)
				c.logger.Warn().Str("provider", c.providerID).Msg("401 from provider, reloading credential once")
				return retry.RetryableError(apperror.New(apperror.Auth, "credential rejected, reloading"))
			}
			return apperror.New(apperror.Auth, fmt.Sprintf("provider %s rejected credentials", c.providerID))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return retry.RetryableError(apperror.New(apperror.TransientProvider,
				fmt.Sprintf("%s %s returned %d", method, path, resp.StatusCode)))
		default:
			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return errors.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, sanitize.ErrorMessage(string(payload)))
		}
	})
	if err == nil {
		return nil
	}
	if apperror.Is(err, apperror.TransientProvider) {
		return apperror.New(apperror.TransientProvider,
			fmt.Sprintf("%s: retries exhausted: %s", c.providerID, sanitize.Error(err)))
	}
	return err
}

func (c *apiClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, query, nil, nil, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, headers map[string]string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, nil, headers, body, out)
}
