package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/tokencache"
)

// TokenHandler seeds and revokes provider OAuth tokens. The initial token for
// a provider comes from an operator-driven authorization flow outside this
// service; subsequent refreshes happen automatically.
type TokenHandler struct {
	cache  *tokencache.Cache
	logger zerolog.Logger
}

func NewTokenHandler(cache *tokencache.Cache, logger zerolog.Logger) *TokenHandler {
	return &TokenHandler{cache: cache, logger: logger}
}

type setTokenRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (h *TokenHandler) SetToken(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]

	var req setTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperror.New(apperror.BadRequest, "invalid request body"))
		return
	}
	if req.AccessToken == "" {
		respondError(w, apperror.New(apperror.BadRequest, "access_token is required"))
		return
	}
	if req.ExpiresIn <= 0 {
		respondError(w, apperror.New(apperror.BadRequest, "expires_in must be positive"))
		return
	}

	err := h.cache.SetInitial(r.Context(), providerID, req.AccessToken, req.RefreshToken,
		time.Duration(req.ExpiresIn)*time.Second)
	if err != nil {
		respondError(w, err)
		return
	}
	h.logger.Info().Str("provider", providerID).Msg("provider token stored")
	respondJSON(w, http.StatusNoContent, nil)
}

func (h *TokenHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider"]
	if err := h.cache.Revoke(r.Context(), providerID); err != nil {
		respondError(w, err)
		return
	}
	h.logger.Info().Str("provider", providerID).Msg("provider token revoked")
	respondJSON(w, http.StatusNoContent, nil)
}
