package providers

import (
	"context"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/pipeline"
)

// CatalogClient looks item keys up in a barcode-indexed release catalog.
type CatalogClient struct {
	api *apiClient
}

func NewCatalogClient(baseURL, providerID string, cfg Config, tokens TokenSource, logger zerolog.Logger) *CatalogClient {
	return &CatalogClient{
		api: newAPIClient(baseURL, providerID, cfg, tokens, logger.With().Str("component", "catalog").Logger()),
	}
}

type catalogSearchResponse struct {
	Results []struct {
		Title  string   `json:"title"`
		Year   int      `json:"year"`
		Format []string `json:"format"`
		Genre  []string `json:"genre"`
	} `json:"results"`
}

func (c *CatalogClient) Lookup(ctx context.Context, itemKey string) (*pipeline.Metadata, error) {
	query := url.Values{}
	query.Set("barcode", itemKey)
	query.Set("per_page", "1")

	var resp catalogSearchResponse
	if err := c.api.getJSON(ctx, "/database/search", query, &resp); err != nil {
		if apperror.Is(err, apperror.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}

	hit := resp.Results[0]
	md := &pipeline.Metadata{
		ItemKey: itemKey,
		Year:    hit.Year,
		Genres:  hit.Genre,
	}
	if len(hit.Format) > 0 {
		md.Format = hit.Format[0]
	}
	// Catalog titles come back as "Artist - Title".
	if artist, title, found := strings.Cut(hit.Title, " - "); found {
		md.Artist = strings.TrimSpace(artist)
		md.Title = strings.TrimSpace(title)
	} else {
		md.Title = strings.TrimSpace(hit.Title)
	}
	return md, nil
}
