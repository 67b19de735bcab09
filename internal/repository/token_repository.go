package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/models"
)

// TokenStore is the durable half of the token cache. Save uses merge
// semantics: empty fields on the incoming token do not overwrite stored ones.
type TokenStore interface {
	Get(ctx context.Context, providerID string) (*models.Token, error)
	Save(ctx context.Context, token *models.Token) error
	Delete(ctx context.Context, providerID string) error
}

type tokenStore struct {
	db *sql.DB
}

func NewTokenStore(db *sql.DB) TokenStore {
	return &tokenStore{db: db}
}

func (s *tokenStore) Get(ctx context.Context, providerID string) (*models.Token, error) {
	var (
		t       models.Token
		refresh sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT provider_id, access_token, refresh_token, token_type, expires_at, issued_at, updated_at
		FROM provider_tokens
		WHERE provider_id = $1
	`, providerID).Scan(&t.ProviderID, &t.AccessToken, &refresh, &t.TokenType, &t.ExpiresAt, &t.IssuedAt, &t.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.New(apperror.NotFound, fmt.Sprintf("no token for provider %s", providerID))
		}
		return nil, errors.Wrap(err, "get token")
	}
	if refresh.Valid {
		t.RefreshToken = refresh.String
	}
	return &t, nil
}

func (s *tokenStore) Save(ctx context.Context, token *models.Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_tokens (provider_id, access_token, refresh_token, token_type, expires_at, issued_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, now(), now())
		ON CONFLICT (provider_id) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = COALESCE(EXCLUDED.refresh_token, provider_tokens.refresh_token),
			token_type    = EXCLUDED.token_type,
			expires_at    = EXCLUDED.expires_at,
			updated_at    = now()
	`, token.ProviderID, token.AccessToken, token.RefreshToken, token.TokenType, token.ExpiresAt)
	return errors.Wrap(err, "save token")
}

func (s *tokenStore) Delete(ctx context.Context, providerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM provider_tokens WHERE provider_id = $1`, providerID)
	return errors.Wrap(err, "delete token")
}

// MemoryTokenStore backs the token cache unit tests.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]models.Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]models.Token)}
}

func (s *MemoryTokenStore) Get(_ context.Context, providerID string) (*models.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[providerID]
	if !ok {
		return nil, apperror.New(apperror.NotFound, fmt.Sprintf("no token for provider %s", providerID))
	}
	cp := t
	return &cp, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, token *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tokens[token.ProviderID]
	merged := *token
	if ok && merged.RefreshToken == "" {
		merged.RefreshToken = existing.RefreshToken
	}
	s.tokens[token.ProviderID] = merged
	return nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, providerID)
	return nil
}
