// Package ranking implements Context-Aware Ranking (spec §4.10): an
// optional personalization pass over search results that boosts
// documents matching the caller's memory, session context, or stated
// preferences. Grounded on
// original_source/app/services/context_aware_search_service.go's
// personalize_search_results/_calculate_personalization_score, kept as
// a pure scoring function here since the keyword extraction and context
// fetches it composes belong to internal/memory and internal/session
// respectively.
package ranking

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Boost factors applied per matching context source (spec §4.10).
const (
	MemoryBoostFactor     = 0.15
	SessionBoostFactor    = 0.10
	PreferenceBoostFactor = 0.10

	perfWarnMS = 50
)

// Document is one ranked search result eligible for boosting.
type Document struct {
	ID       uuid.UUID      `json:"id"`
	Score    float64        `json:"score"`
	Title    string         `json:"title,omitempty"`
	Snippet  string         `json:"snippet,omitempty"`
	Type     string         `json:"type,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PersonalizationContext carries the caller's memory/session signals
// used to compute boosts. A Ranker treats a zero-value Context (all
// fields empty) as "no personalization available" and returns the
// input unchanged.
type PersonalizationContext struct {
	MemoryKeywords  []string
	SessionKeywords []string
	PreferredTypes  []string
	PreferredTags   []string
}

func (c PersonalizationContext) empty() bool {
	return len(c.MemoryKeywords) == 0 && len(c.SessionKeywords) == 0 &&
		len(c.PreferredTypes) == 0 && len(c.PreferredTags) == 0
}

// Ranker applies personalization boosts and re-sorts results.
type Ranker struct {
	logger *slog.Logger
}

// New builds a Ranker.
func New(logger *slog.Logger) *Ranker {
	return &Ranker{logger: logger}
}

// Personalize boosts each document's score per pctx and returns the
// list re-sorted descending by score. If enabled is false or pctx
// carries no signal, docs is returned unchanged (spec §4.10 no-op
// cases). The boost math never mutates the input slice's backing
// array order in place; callers should use the returned slice.
func (r *Ranker) Personalize(ctx context.Context, tenantID uuid.UUID, enabled bool, pctx PersonalizationContext, docs []Document) []Document {
	start := time.Now()

	if !enabled || pctx.empty() || len(docs) == 0 {
		return docs
	}

	boosted := make([]Document, len(docs))
	copy(boosted, docs)
	for i := range boosted {
		boosted[i].Score = applyBoost(boosted[i], pctx)
	}

	sort.SliceStable(boosted, func(i, j int) bool { return boosted[i].Score > boosted[j].Score })

	elapsed := time.Since(start)
	if elapsed.Milliseconds() > perfWarnMS {
		r.logger.Warn("personalization exceeded performance threshold", "tenant_id", tenantID,
			"elapsed_ms", elapsed.Milliseconds(), "threshold_ms", perfWarnMS)
	}

	return boosted
}

func applyBoost(doc Document, pctx PersonalizationContext) float64 {
	text := strings.ToLower(doc.Title + " " + doc.Snippet)

	boost := 0.0
	if len(pctx.MemoryKeywords) > 0 {
		boost += matchRatio(text, pctx.MemoryKeywords) * MemoryBoostFactor
	}
	if len(pctx.SessionKeywords) > 0 {
		boost += matchRatio(text, pctx.SessionKeywords) * SessionBoostFactor
	}
	if len(pctx.PreferredTypes) > 0 && contains(pctx.PreferredTypes, doc.Type) {
		boost += PreferenceBoostFactor
	}
	if len(pctx.PreferredTags) > 0 && anyOverlap(pctx.PreferredTags, doc.Tags) {
		boost += PreferenceBoostFactor
	}

	score := doc.Score + boost
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func matchRatio(text string, keywords []string) float64 {
	matches := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			matches++
		}
	}
	if matches == 0 {
		return 0
	}
	return float64(matches) / float64(len(keywords))
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func anyOverlap(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

// ExtractKeywords pulls words longer than 3 characters out of free text
// (spec §4.10's memory/session keyword extraction — words filtered to
// avoid boosting on stopwords like "the" and "and").
func ExtractKeywords(texts ...string) []string {
	seen := map[string]struct{}{}
	var keywords []string
	for _, text := range texts {
		for _, word := range strings.Fields(strings.ToLower(text)) {
			word = strings.Trim(word, ".,!?;:\"'()")
			if len(word) <= 3 {
				continue
			}
			if _, ok := seen[word]; ok {
				continue
			}
			seen[word] = struct{}{}
			keywords = append(keywords, word)
		}
	}
	return keywords
}
