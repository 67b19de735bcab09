// Package pipeline runs one item key through the four enrichment steps:
// metadata lookup, pricing lookup, image lookup, and listing publication.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/apperror"
	"github.com/draftworks/listing-api/internal/sanitize"
)

// Metadata describes the catalog record for an item key.
type Metadata struct {
	ItemKey string   `json:"item_key"`
	Title   string   `json:"title"`
	Artist  string   `json:"artist"`
	Year    int      `json:"year,omitempty"`
	Format  string   `json:"format,omitempty"`
	Genres  []string `json:"genres,omitempty"`
}

// Complete reports whether the record carries enough to list: title and
// artist at minimum.
func (m *Metadata) Complete() bool {
	return m != nil && m.Title != "" && m.Artist != ""
}

// Pricing is a price recommendation with its confidence.
type Pricing struct {
	Recommended float64 `json:"recommended_price"`
	Min         float64 `json:"min_price"`
	Max         float64 `json:"max_price"`
	Confidence  string  `json:"confidence"`
	SampleSize  int     `json:"sample_size"`
	Source      string  `json:"source"`
}

// DefaultPricing is used when the pricing provider has nothing for the item;
// missing pricing degrades the listing, it does not fail it.
func DefaultPricing() *Pricing {
	return &Pricing{
		Recommended: 9.99,
		Min:         7.99,
		Max:         12.99,
		Confidence:  "none",
		SampleSize:  0,
		Source:      "default",
	}
}

type ImageSet struct {
	Primary string   `json:"primary_image,omitempty"`
	All     []string `json:"images,omitempty"`
}

// ListingPayload is the enriched document handed to the publisher.
type ListingPayload struct {
	Metadata *Metadata `json:"metadata"`
	Pricing  *Pricing  `json:"pricing"`
	Images   *ImageSet `json:"images,omitempty"`
}

// DraftReceipt is the publisher's acknowledgement for one listing.
type DraftReceipt struct {
	SKU       string `json:"sku"`
	OfferID   string `json:"offer_id,omitempty"`
	ListingID string `json:"listing_id,omitempty"`
	Status    string `json:"status"`
}

// Result is the outcome snapshot checkpointed for one item.
type Result struct {
	ItemKey   string        `json:"item_key"`
	Success   bool          `json:"success"`
	Metadata  *Metadata     `json:"metadata,omitempty"`
	Pricing   *Pricing      `json:"pricing,omitempty"`
	Images    *ImageSet     `json:"images,omitempty"`
	Draft     *DraftReceipt `json:"draft,omitempty"`
	Error     string        `json:"error,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Snapshot encodes the result for checkpoint storage.
func (r Result) Snapshot() json.RawMessage {
	b, err := json.Marshal(r)
	if err != nil {
		b, _ = json.Marshal(Result{ItemKey: r.ItemKey, Success: false, Error: "snapshot encoding failed"})
	}
	return b
}

// Provider collaborators. Lookups returning (nil, nil) mean "no data", which
// is a valid outcome, not an error.
type (
	MetadataProvider interface {
		Lookup(ctx context.Context, itemKey string) (*Metadata, error)
	}
	PricingProvider interface {
		Lookup(ctx context.Context, md *Metadata) (*Pricing, error)
	}
	ImageProvider interface {
		Lookup(ctx context.Context, md *Metadata) (*ImageSet, error)
	}
	ListingPublisher interface {
		// Publish creates the downstream listing. idempotencyToken lets a
		// retried publish for the same item avoid a duplicate when the
		// collaborator supports idempotent creation; when it does not, a
		// duplicate draft on retry is a known risk.
		Publish(ctx context.Context, itemKey string, payload ListingPayload, idempotencyToken string) (*DraftReceipt, error)
	}
)

// Stage drives the four steps for single items. One Stage instance serves one
// batch run; seq is the run-local publish sequence.
type Stage struct {
	metadata  MetadataProvider
	pricing   PricingProvider
	images    ImageProvider
	publisher ListingPublisher
	logger    zerolog.Logger
	seq       atomic.Int64
	now       func() time.Time
}

func NewStage(md MetadataProvider, pr PricingProvider, im ImageProvider, pub ListingPublisher, logger zerolog.Logger) *Stage {
	return &Stage{
		metadata:  md,
		pricing:   pr,
		images:    im,
		publisher: pub,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		now:       time.Now,
	}
}

// ProcessItem runs itemKey through the pipeline. Item-level failures are
// reported in the Result, never as an error; the batch decides what to do
// with them.
func (s *Stage) ProcessItem(ctx context.Context, itemKey string, publish bool) Result {
	result := Result{ItemKey: itemKey, Timestamp: s.now()}
	log := s.logger.With().Str("item", itemKey).Logger()

	md, err := s.metadata.Lookup(ctx, itemKey)
	if err != nil {
		result.Error = sanitize.Error(err)
		result.ErrorCode = string(apperror.CodeOf(err))
		log.Warn().Str("error", result.Error).Msg("metadata lookup failed")
		return result
	}
	if !md.Complete() {
		result.Error = "no metadata found or incomplete"
		result.ErrorCode = string(apperror.IncompleteMetadata)
		log.Warn().Msg("incomplete metadata, skipping remaining steps")
		return result
	}
	result.Metadata = md
	log.Info().Str("artist", md.Artist).Str("title", md.Title).Msg("metadata found")

	pricing, err := s.pricing.Lookup(ctx, md)
	if err != nil || pricing == nil || pricing.Recommended <= 0 {
		if err != nil {
			log.Warn().Str("error", sanitize.Error(err)).Msg("pricing lookup failed, using default pricing")
		} else {
			log.Warn().Msg("no pricing data, using default pricing")
		}
		pricing = DefaultPricing()
	}
	result.Pricing = pricing

	images, err := s.images.Lookup(ctx, md)
	if err != nil {
		log.Warn().Str("error", sanitize.Error(err)).Msg("image lookup failed, continuing without images")
		images = nil
	}
	if images == nil || images.Primary == "" {
		// Listings without imagery are allowed downstream.
		log.Warn().Msg("no images found")
	}
	result.Images = images

	if !publish {
		result.Success = true
		return result
	}

	token := s.idempotencyToken(itemKey)
	draft, err := s.publisher.Publish(ctx, itemKey, ListingPayload{
		Metadata: md,
		Pricing:  pricing,
		Images:   images,
	}, token)
	if err != nil {
		result.Error = fmt.Sprintf("draft creation failed: %s", sanitize.Error(err))
		result.ErrorCode = string(apperror.CodeOf(err))
		log.Error().Str("error", result.Error).Msg("publish failed")
		return result
	}
	result.Draft = draft
	result.Success = true
	log.Info().Str("sku", draft.SKU).Str("status", draft.Status).Msg("listing published")
	return result
}

// idempotencyToken combines the item key with a monotonically increasing
// run-local sequence number.
func (s *Stage) idempotencyToken(itemKey string) string {
	return fmt.Sprintf("%s-%d", itemKey, s.seq.Add(1))
}
