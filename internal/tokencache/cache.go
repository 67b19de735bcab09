// Package tokencache holds per-provider OAuth credentials behind an
// expiry-aware cache: memory first, then the durable store, then a
// single-flight refresh against the provider.
package tokencache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/models"
	"github.com/draftworks/listing-api/internal/repository"
)

// Refresher obtains a fresh token from the provider. current may be nil when
// no credential has ever been stored (client-credentials bootstrap).
type Refresher interface {
	Refresh(ctx context.Context, providerID string, current *models.Token) (*models.Token, error)
}

type Cache struct {
	store     repository.TokenStore
	refresher Refresher
	margin    time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu  sync.RWMutex
	mem map[string]*models.Token
	sf  singleflight.Group
}

func New(store repository.TokenStore, refresher Refresher, margin time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{
		store:     store,
		refresher: refresher,
		margin:    margin,
		logger:    logger.With().Str("component", "tokencache").Logger(),
		now:       time.Now,
		mem:       make(map[string]*models.Token),
	}
}

// SetClock overrides the cache clock. Tests only.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Get returns an access token valid for at least the safety margin.
// Concurrent callers for the same provider share one refresh.
func (c *Cache) Get(ctx context.Context, providerID string) (string, error) {
	if tok := c.cached(providerID); tok != nil {
		return tok.AccessToken, nil
	}

	v, err, _ := c.sf.Do(providerID, func() (interface{}, error) {
		// A previous flight may have filled the cache while we queued.
		if tok := c.cached(providerID); tok != nil {
			return tok.AccessToken, nil
		}

		stored, err := c.store.Get(ctx, providerID)
		if err != nil && !apperror.Is(err, apperror.NotFound) {
			return nil, err
		}
		if stored.ValidFor(c.now(), c.margin) {
			c.put(stored)
			return stored.AccessToken, nil
		}

		c.logger.Info().Str("provider", providerID).Msg("refreshing access token")
		fresh, err := c.refresher.Refresh(ctx, providerID, stored)
		if err != nil {
			return nil, err
		}
		// Merge: providers that rotate only the access token keep the
		// stored refresh credential.
		if fresh.RefreshToken == "" && stored != nil {
			fresh.RefreshToken = stored.RefreshToken
		}
		if err := c.store.Save(ctx, fresh); err != nil {
			return nil, err
		}
		c.put(fresh)
		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the in-memory entry so the next Get reloads from the
// durable store. Providers call this exactly once after a 401 before retrying.
func (c *Cache) Invalidate(providerID string) {
	c.mu.Lock()
	delete(c.mem, providerID)
	c.mu.Unlock()
}

// SetInitial seeds the first credential for a provider, establishing the
// refresh flow. Used by the OAuth callback on the front door.
func (c *Cache) SetInitial(ctx context.Context, providerID, accessToken, refreshToken string, expiresIn time.Duration) error {
	if accessToken == "" {
		return apperror.New(apperror.BadRequest, "access token is required")
	}
	now := c.now()
	tok := &models.Token{
		ProviderID:   providerID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    now.Add(expiresIn),
		IssuedAt:     now,
	}
	if err := c.store.Save(ctx, tok); err != nil {
		return err
	}
	c.put(tok)
	c.logger.Info().Str("provider", providerID).Msg("initial token stored")
	return nil
}

// Revoke removes the credential from memory and durable storage.
func (c *Cache) Revoke(ctx context.Context, providerID string) error {
	c.Invalidate(providerID)
	return c.store.Delete(ctx, providerID)
}

func (c *Cache) cached(providerID string) *models.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok := c.mem[providerID]
	if tok.ValidFor(c.now(), c.margin) {
		return tok
	}
	return nil
}

func (c *Cache) put(tok *models.Token) {
	c.mu.Lock()
	c.mem[tok.ProviderID] = tok
	c.mu.Unlock()
}
