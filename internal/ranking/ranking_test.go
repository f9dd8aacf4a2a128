package ranking

import (
	"context"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func newTestRanker() *Ranker {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// TestPersonalizeIsNoOpWhenDisabled covers B5: personalization must be
// a pass-through when the tenant hasn't opted in, even with a
// non-empty PersonalizationContext.
func TestPersonalizeIsNoOpWhenDisabled(t *testing.T) {
	r := newTestRanker()
	docs := []Document{{Score: 0.5, Title: "billing FAQ"}}
	pctx := PersonalizationContext{MemoryKeywords: []string{"billing"}}

	got := r.Personalize(context.Background(), uuid.New(), false, pctx, docs)

	if got[0].Score != 0.5 {
		t.Errorf("Score = %v, want unchanged 0.5 when personalization is disabled", got[0].Score)
	}
}

// TestPersonalizeIsNoOpWithEmptyContext covers B5's other half: an
// enabled ranker with no signal at all (no memory/session keywords or
// preferences) must not alter scores.
func TestPersonalizeIsNoOpWithEmptyContext(t *testing.T) {
	r := newTestRanker()
	docs := []Document{{Score: 0.5, Title: "billing FAQ"}}

	got := r.Personalize(context.Background(), uuid.New(), true, PersonalizationContext{}, docs)

	if got[0].Score != 0.5 {
		t.Errorf("Score = %v, want unchanged 0.5 with an empty PersonalizationContext", got[0].Score)
	}
}

func TestPersonalizeBoostsMemoryKeywordMatch(t *testing.T) {
	r := newTestRanker()
	docs := []Document{
		{ID: uuid.New(), Score: 0.5, Title: "unrelated document"},
		{ID: uuid.New(), Score: 0.5, Snippet: "how to reset your billing password"},
	}
	pctx := PersonalizationContext{MemoryKeywords: []string{"billing"}}

	got := r.Personalize(context.Background(), uuid.New(), true, pctx, docs)

	if len(got) != 2 {
		t.Fatalf("got %d docs, want 2", len(got))
	}
	if got[0].Score <= 0.5 {
		t.Errorf("top result's score = %v, want boosted above 0.5", got[0].Score)
	}
	if !strings.Contains(got[0].Snippet, "billing password") {
		t.Errorf("expected the billing-matching document to rank first, got %+v", got[0])
	}
}

func TestPersonalizeBoostsPreferredTypeAndTags(t *testing.T) {
	r := newTestRanker()
	docs := []Document{
		{Score: 0.4, Type: "faq"},
		{Score: 0.4, Type: "guide", Tags: []string{"onboarding"}},
	}
	pctx := PersonalizationContext{PreferredTypes: []string{"guide"}, PreferredTags: []string{"onboarding"}}

	got := r.Personalize(context.Background(), uuid.New(), true, pctx, docs)

	if got[0].Type != "guide" {
		t.Errorf("expected the preferred-type document to rank first, got %+v", got[0])
	}
	if math.Abs(got[0].Score-0.6) > 1e-9 {
		t.Errorf("Score = %v, want 0.4 + type boost (0.1) + tag boost (0.1) = 0.6", got[0].Score)
	}
}

func TestPersonalizeCapsScoreAtOne(t *testing.T) {
	r := newTestRanker()
	docs := []Document{{Score: 0.95, Type: "guide", Tags: []string{"onboarding"}, Snippet: "billing help", Title: "billing"}}
	pctx := PersonalizationContext{
		MemoryKeywords:  []string{"billing"},
		SessionKeywords: []string{"billing"},
		PreferredTypes:  []string{"guide"},
		PreferredTags:   []string{"onboarding"},
	}

	got := r.Personalize(context.Background(), uuid.New(), true, pctx, docs)

	if got[0].Score != 1.0 {
		t.Errorf("Score = %v, want capped at 1.0", got[0].Score)
	}
}

func TestPersonalizeDoesNotMutateInputSlice(t *testing.T) {
	r := newTestRanker()
	docs := []Document{{Score: 0.5, Snippet: "billing password reset"}}
	pctx := PersonalizationContext{MemoryKeywords: []string{"billing"}}

	_ = r.Personalize(context.Background(), uuid.New(), true, pctx, docs)

	if docs[0].Score != 0.5 {
		t.Errorf("input slice was mutated: Score = %v, want unchanged 0.5", docs[0].Score)
	}
}

func TestExtractKeywordsFiltersShortWordsAndDedupes(t *testing.T) {
	got := ExtractKeywords("The billing password needs a reset.", "Billing issues again, billing.")

	want := map[string]bool{"billing": true, "password": true, "needs": true, "reset": true, "issues": true, "again": true}
	if len(got) != len(want) {
		t.Fatalf("ExtractKeywords = %v, want %d unique keywords", got, len(want))
	}
	for _, kw := range got {
		if !want[kw] {
			t.Errorf("unexpected keyword %q", kw)
		}
		if len(kw) <= 3 {
			t.Errorf("keyword %q should have been filtered (len <= 3)", kw)
		}
	}
}
