package models

import "time"

// Token is a cached OAuth credential for one provider. It is created on first
// successful authentication and mutated in place on refresh.
type Token struct {
	ProviderID   string    `json:"provider_id" db:"provider_id"`
	AccessToken  string    `json:"-" db:"access_token"`
	RefreshToken string    `json:"-" db:"refresh_token"`
	TokenType    string    `json:"token_type" db:"token_type"`
	ExpiresAt    time.Time `json:"expires_at" db:"expires_at"`
	IssuedAt     time.Time `json:"issued_at" db:"issued_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ValidFor reports whether the token is still usable at now plus margin.
func (t *Token) ValidFor(now time.Time, margin time.Duration) bool {
	if t == nil || t.AccessToken == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.After(now.Add(margin))
}
