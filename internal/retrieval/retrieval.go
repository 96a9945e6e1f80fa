// Package retrieval assembles the token-budgeted short-term and long-term
// context blocks consumed by the respond path.
//
// Grounded on the budget-accumulation style of internal/buffer/summarizer.go
// in the teacher repo (append-while-under-budget, reject-rather-than-
// truncate individual lines), generalized from token-windowed chat history
// to EVA's two-block (short-term, long-term) memory context.
package retrieval

import (
	"fmt"
	"strings"

	"github.com/deflagg/eva-sub002/internal/embedding"
	"github.com/deflagg/eva-sub002/internal/evamem"
	"github.com/deflagg/eva-sub002/internal/semantic"
	"github.com/deflagg/eva-sub002/internal/shortterm"
	"github.com/deflagg/eva-sub002/internal/tags"
	"github.com/deflagg/eva-sub002/internal/vectorstore"
)

// Budget tuning constants.
const (
	MaxTraitItems = 12
	MaxExperienceItems = 8
	LongTermTokenBudget = 320
	ShortTermTokenBudget = 320
	RecentInsightWindowMs = 2 * 60 * 1000
	RecentShortTermFallbackRows = 3
	MaxShortTermRows = 8
)

// EstimateTokens is the token estimator: ⌈len(text)/4⌉, minimum 1.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 1
	}
	n := (len(s) + 3) / 4
	if n < 1 {
		return 1
	}
	return n
}

// ShortTermMode records which selection strategy produced the short-term
// block, for observability/testing.
type ShortTermMode string

const (
	ShortTermModeTagFilter ShortTermMode = "tag_filter"
	ShortTermModeFallback ShortTermMode = "fallback"
	ShortTermModeNone ShortTermMode = "none"
)

// Context is the assembled, rendered memory context for one respond call.
type Context struct {
	ShortTermBlock string
	ShortTermMode ShortTermMode
	LongTermBlock string
}

// budget accumulates lines under a token budget, rejecting individual
// lines that would overflow rather than truncating mid-line.
type budget struct {
	max int
	used int
	b strings.Builder
}

func newBudget(max int) *budget { return &budget{max: max} }

// add appends line if it fits; returns whether it was added.
func (b *budget) add(line string) bool {
	cost := EstimateTokens(line)
	if b.used+cost > b.max {
		return false
	}
	if b.b.Len() > 0 {
		b.b.WriteByte('\n')
	}
	b.b.WriteString(line)
	b.used += cost
	return true
}

func (b *budget) String() string { return b.b.String() }

// Deps bundles the stores retrieval reads from.
type Deps struct {
	ShortTerm *shortterm.Store
	Semantic *semantic.Store
	Vectors *vectorstore.Store
	Whitelist *tags.Whitelist
	TagRules *tags.RuleSet
}

// BuildLongTerm assembles the long-term block: top semantic items by rank,
// then top experiences by cosine similarity against queryText's embedding.
func BuildLongTerm(deps Deps, queryText string) (string, error) {
	b := newBudget(LongTermTokenBudget)

	traits, err := deps.Semantic.TopByRank(MaxTraitItems)
	if err != nil {
		return "", fmt.Errorf("retrieval: long-term traits: %w", err)
	}
	for _, t := range traits {
		line := fmt.Sprintf("TRAIT[%s] %s (confidence=%.2f, support=%d)", t.Kind, t.Text, t.Confidence, t.SupportCount)
		b.add(line)
	}

	queryEmb := embedding.Slice(embedding.Sketch(queryText))
	experiences, err := deps.Vectors.TopK(vectorstore.TableExperiences, queryEmb, MaxExperienceItems)
	if err != nil {
		return "", fmt.Errorf("retrieval: long-term experiences: %w", err)
	}
	for _, e := range experiences {
		line := fmt.Sprintf("EXPERIENCE %s (similarity=%.3f) tags=%s", e.Entry.Text, e.Similarity, strings.Join(e.Entry.Tags, ","))
		b.add(line)
	}

	return b.String(), nil
}

// BuildShortTerm assembles the short-term block: a header, recent
// wm_insight observations within the last 2 minutes, and short-term
// summaries selected either by tag-filter overlap or by recency fallback.
func BuildShortTerm(deps Deps, nowMs int64, workingLog []*evamem.Entry, queryText string) Context {
	b := newBudget(ShortTermTokenBudget)
	b.add("SHORT_TERM_CONTEXT:")

	cutoff := nowMs - RecentInsightWindowMs
	for _, e := range workingLog {
		if e.Type != evamem.EntryWMInsight || e.TsMs < cutoff {
			continue
		}
		b.add(fmt.Sprintf("OBSERVATION %s", e.OneLiner))
	}

	queryTags := deps.TagRules.Derive(queryText)
	queryTags = deps.Whitelist.Sanitize(queryTags)

	mode := ShortTermModeNone
	var rows []shortTermRow
	if len(queryTags) > 0 {
		summaries, err := deps.ShortTerm.TagOverlap(queryTags, MaxShortTermRows)
		if err == nil && len(summaries) > 0 {
			mode = ShortTermModeTagFilter
			for _, s := range summaries {
				rows = append(rows, shortTermRow{text: s.SummaryText})
			}
		}
	}
	if mode == ShortTermModeNone {
		summaries, err := deps.ShortTerm.Recent(RecentShortTermFallbackRows)
		if err == nil && len(summaries) > 0 {
			mode = ShortTermModeFallback
			for _, s := range summaries {
				rows = append(rows, shortTermRow{text: s.SummaryText})
			}
		}
	}
	for _, r := range rows {
		b.add(fmt.Sprintf("SUMMARY %s", r.text))
	}

	return Context{ShortTermBlock: b.String(), ShortTermMode: mode}
}

type shortTermRow struct{ text string }

// RenderWorkingLogEntry formats a single working-memory entry as a
// chat-style message block: "WM_KIND=<type>\nts_ms: <n>\nWM_JSON: <line>".
func RenderWorkingLogEntry(e *evamem.Entry) (role, block string, err error) {
	line, mErr := e.Marshal()
	if mErr != nil {
		return "", "", mErr
	}
	block = fmt.Sprintf("WM_KIND=%s\nts_ms: %d\nWM_JSON: %s", e.Type, e.TsMs, string(line))
	return e.Role(), block, nil
}
