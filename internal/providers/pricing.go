package providers

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/pipeline"
)

// PricingClient derives a price recommendation from recent sold listings.
type PricingClient struct {
	api *apiClient
}

func NewPricingClient(baseURL, providerID string, cfg Config, tokens TokenSource, logger zerolog.Logger) *PricingClient {
	return &PricingClient{
		api: newAPIClient(baseURL, providerID, cfg, tokens, logger.With().Str("component", "pricing").Logger()),
	}
}

type soldListingsResponse struct {
	Median     float64 `json:"median_price"`
	Low        float64 `json:"low_price"`
	High       float64 `json:"high_price"`
	SampleSize int     `json:"sample_size"`
}

func (c *PricingClient) Lookup(ctx context.Context, md *pipeline.Metadata) (*pipeline.Pricing, error) {
	query := url.Values{}
	query.Set("artist", md.Artist)
	query.Set("title", md.Title)
	if md.Format != "" {
		query.Set("format", md.Format)
	}

	var resp soldListingsResponse
	if err := c.api.getJSON(ctx, "/marketplace/sold", query, &resp); err != nil {
		if apperror.Is(err, apperror.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	if resp.SampleSize == 0 || resp.Median <= 0 {
		return nil, nil
	}

	confidence := "low"
	switch {
	case resp.SampleSize >= 10:
		confidence = "high"
	case resp.SampleSize >= 3:
		confidence = "medium"
	}
	return &pipeline.Pricing{
		Recommended: resp.Median,
		Min:         resp.Low,
		Max:         resp.High,
		Confidence:  confidence,
		SampleSize:  resp.SampleSize,
		Source:      "sold-listings",
	}, nil
}
