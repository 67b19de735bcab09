package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/pipeline"
)

// PublisherClient creates draft listings on the marketplace. The idempotency
// token is forwarded as an Idempotency-Key header; a retried publish for the
// same item does not create a duplicate when the marketplace honors the key.
// When it does not, a duplicate draft on retry is a known, accepted risk.
type PublisherClient struct {
	api *apiClient
}

func NewPublisherClient(baseURL, providerID string, cfg Config, tokens TokenSource, logger zerolog.Logger) *PublisherClient {
	return &PublisherClient{
		api: newAPIClient(baseURL, providerID, cfg, tokens, logger.With().Str("component", "publisher").Logger()),
	}
}

type createListingRequest struct {
	SKU         string   `json:"sku"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Price       float64  `json:"price"`
	Currency    string   `json:"currency"`
	Condition   string   `json:"condition"`
	ImageURLs   []string `json:"image_urls,omitempty"`
	Barcode     string   `json:"barcode"`
}

type createListingResponse struct {
	OfferID   string `json:"offer_id"`
	ListingID string `json:"listing_id"`
	Status    string `json:"status"`
}

func (c *PublisherClient) Publish(ctx context.Context, itemKey string, payload pipeline.ListingPayload, idempotencyToken string) (*pipeline.DraftReceipt, error) {
	sku := generateSKU(payload.Metadata)

	req := createListingRequest{
		SKU:       sku,
		Title:     listingTitle(payload.Metadata),
		Price:     payload.Pricing.Recommended,
		Currency:  "USD",
		Condition: "USED_VERY_GOOD",
		Barcode:   itemKey,
	}
	if payload.Images != nil {
		req.ImageURLs = payload.Images.All
	}

	var resp createListingResponse
	err := c.api.postJSON(ctx, "/sell/listings", map[string]string{
		"Idempotency-Key": idempotencyToken,
	}, req, &resp)
	if err != nil {
		return nil, err
	}

	receipt := &pipeline.DraftReceipt{
		SKU:       sku,
		OfferID:   resp.OfferID,
		ListingID: resp.ListingID,
		Status:    resp.Status,
	}
	if receipt.Status == "" {
		receipt.Status = "draft"
	}
	return receipt, nil
}

func listingTitle(md *pipeline.Metadata) string {
	title := fmt.Sprintf("%s - %s", md.Artist, md.Title)
	if md.Format != "" {
		title += " (" + md.Format + ")"
	}
	if md.Year > 0 {
		title += fmt.Sprintf(" %d", md.Year)
	}
	return title
}

// generateSKU builds a readable, unique stock keeping unit from the artist
// and a short random suffix.
func generateSKU(md *pipeline.Metadata) string {
	prefix := strings.ToUpper(strings.ReplaceAll(md.Artist, " ", ""))
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	if prefix == "" {
		prefix = "ITEM"
	}
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%s-%s", prefix, suffix)
}
