package providers

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/pipeline"
)

// ImageClient searches an album-art service for cover imagery.
type ImageClient struct {
	api *apiClient
}

func NewImageClient(baseURL, providerID string, cfg Config, tokens TokenSource, logger zerolog.Logger) *ImageClient {
	return &ImageClient{
		api: newAPIClient(baseURL, providerID, cfg, tokens, logger.With().Str("component", "images").Logger()),
	}
}

type imageSearchResponse struct {
	Images []struct {
		URL    string `json:"url"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"images"`
}

func (c *ImageClient) Lookup(ctx context.Context, md *pipeline.Metadata) (*pipeline.ImageSet, error) {
	query := url.Values{}
	query.Set("artist", md.Artist)
	query.Set("album", md.Title)

	var resp imageSearchResponse
	if err := c.api.getJSON(ctx, "/v1/albums/search", query, &resp); err != nil {
		if apperror.Is(err, apperror.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if len(resp.Images) == 0 {
		return nil, nil
	}

	set := &pipeline.ImageSet{Primary: resp.Images[0].URL}
	for _, img := range resp.Images {
		set.All = append(set.All, img.URL)
	}
	return set, nil
}
