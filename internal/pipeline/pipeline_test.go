package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/draftworks/listing-api/internal/apperror"
)

type fakeMetadata struct {
	byKey map[string]*Metadata
	err   error
}

func (f *fakeMetadata) Lookup(_ context.Context, key string) (*Metadata, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byKey[key], nil
}

type fakePricing struct {
	pricing *Pricing
	err     error
}

func (f *fakePricing) Lookup(context.Context, *Metadata) (*Pricing, error) {
	return f.pricing, f.err
}

type fakeImages struct {
	images *ImageSet
	err    error
}

func (f *fakeImages) Lookup(context.Context, *Metadata) (*ImageSet, error) {
	return f.images, f.err
}

type fakePublisher struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, itemKey string, _ ListingPayload, token string) (*DraftReceipt, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, token)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &DraftReceipt{SKU: "sku-" + itemKey, OfferID: "offer-1", Status: "draft"}, nil
}

func completeMetadata(key string) *Metadata {
	return &Metadata{ItemKey: key, Title: "Blue Train", Artist: "John Coltrane", Year: 1958}
}

func newStage(md MetadataProvider, pr PricingProvider, im ImageProvider, pub ListingPublisher) *Stage {
	return NewStage(md, pr, im, pub, zerolog.Nop())
}

func TestProcessItemHappyPath(t *testing.T) {
	pub := &fakePublisher{}
	stage := newStage(
		&fakeMetadata{byKey: map[string]*Metadata{"A": completeMetadata("A")}},
		&fakePricing{pricing: &Pricing{Recommended: 14.99, Confidence: "high", SampleSize: 12, Source: "sold-listings"}},
		&fakeImages{images: &ImageSet{Primary: "https://img/1.jpg", All: []string{"https://img/1.jpg"}}},
		pub,
	)

	res := stage.ProcessItem(context.Background(), "A", true)
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.Error)
	}
	if res.Draft == nil || res.Draft.SKU != "sku-A" {
		t.Fatalf("unexpected draft: %+v", res.Draft)
	}
	if res.Pricing.Recommended != 14.99 {
		t.Fatalf("provider pricing not used: %+v", res.Pricing)
	}
}

func TestIncompleteMetadataShortCircuits(t *testing.T) {
	pub := &fakePublisher{}
	stage := newStage(
		&fakeMetadata{byKey: map[string]*Metadata{}}, // nothing known
		&fakePricing{},
		&fakeImages{},
		pub,
	)

	res := stage.ProcessItem(context.Background(), "B", true)
	if res.Success {
		t.Fatal("expected failure for missing metadata")
	}
	if res.ErrorCode != string(apperror.IncompleteMetadata) {
		t.Fatalf("expected INCOMPLETE_METADATA, got %q", res.ErrorCode)
	}
	if len(pub.tokens) != 0 {
		t.Fatal("publish must not run after metadata failure")
	}
}

func TestMissingPricingDegradesToDefault(t *testing.T) {
	stage := newStage(
		&fakeMetadata{byKey: map[string]*Metadata{"A": completeMetadata("A")}},
		&fakePricing{pricing: nil}, // empty lookup is a valid outcome
		&fakeImages{},
		&fakePublisher{},
	)

	res := stage.ProcessItem(context.Background(), "A", true)
	if !res.Success {
		t.Fatalf("missing pricing must not fail the item: %q", res.Error)
	}
	if res.Pricing.Source != "default" || res.Pricing.Confidence != "none" {
		t.Fatalf("expected default pricing, got %+v", res.Pricing)
	}
}

func TestMissingImagesDoNotFailItem(t *testing.T) {
	stage := newStage(
		&fakeMetadata{byKey: map[string]*Metadata{"A": completeMetadata("A")}},
		&fakePricing{pricing: &Pricing{Recommended: 10, Confidence: "low"}},
		&fakeImages{err: apperror.New(apperror.TransientProvider, "image service unavailable")},
		&fakePublisher{},
	)

	res := stage.ProcessItem(context.Background(), "A", true)
	if !res.Success {
		t.Fatalf("image failure must degrade, not fail: %q", res.Error)
	}
	if res.Images != nil {
		t.Fatalf("expected no images, got %+v", res.Images)
	}
}

func TestPublishFailureFailsItem(t *testing.T) {
	stage := newStage(
		&fakeMetadata{byKey: map[string]*Metadata{"A": completeMetadata("A")}},
		&fakePricing{},
		&fakeImages{},
		&fakePublisher{err: apperror.New(apperror.TransientProvider, "publish exhausted retries")},
	)

	res := stage.ProcessItem(context.Background(), "A", true)
	if res.Success {
		t.Fatal("expected failure when publish fails")
	}
	if !strings.Contains(res.Error, "draft creation failed") {
		t.Fatalf("unexpected error text: %q", res.Error)
	}
}

func TestSkippingPublishStillSucceedsWithMetadata(t *testing.T) {
	pub := &fakePublisher{}
	stage := newStage(
		&fakeMetadata{byKey: map[string]*Metadata{"A": completeMetadata("A")}},
		&fakePricing{},
		&fakeImages{},
		pub,
	)

	res := stage.ProcessItem(context.Background(), "A", false)
	if !res.Success {
		t.Fatalf("expected success without publish: %q", res.Error)
	}
	if len(pub.tokens) != 0 {
		t.Fatal("publisher must not be called when publish is off")
	}
}

func TestIdempotencyTokensAreSequencedPerRun(t *testing.T) {
	pub := &fakePublisher{}
	stage := newStage(
		&fakeMetadata{byKey: map[string]*Metadata{
			"036000291452": completeMetadata("036000291452"),
			"012345678905": completeMetadata("012345678905"),
		}},
		&fakePricing{},
		&fakeImages{},
		pub,
	)

	ctx := context.Background()
	stage.ProcessItem(ctx, "036000291452", true)
	stage.ProcessItem(ctx, "012345678905", true)
	stage.ProcessItem(ctx, "036000291452", true)

	want := []string{"036000291452-1", "012345678905-2", "036000291452-3"}
	if len(pub.tokens) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(pub.tokens), len(want))
	}
	for i, tok := range want {
		if pub.tokens[i] != tok {
			t.Errorf("token[%d] = %q, want %q", i, pub.tokens[i], tok)
		}
	}
}
