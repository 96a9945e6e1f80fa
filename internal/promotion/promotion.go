// Package promotion implements the daily promotion job:
// distill yesterday's short-term summary rows into the long-term vector
// store and structured semantic store, then refresh the summary caches.
//
// Grounded on internal/consolidate/consolidate.go's day-bounded read +
// per-row classify + merge-upsert shape in the teacher repo, adapted from
// episode consolidation to short-term-summary promotion, and on
// internal/graph/db.go's vec0 upsert plumbing via the new vectorstore
// package. Prescriptive-verb detection for the chat-narrative promotion
// signal uses github.com/tsawler/prose/v3 for POS tagging, the same
// tagging library internal/ner/extract.go reaches for in the pack.
package promotion

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tsawler/prose/v3"

	"github.com/deflagg/eva-sub002/internal/embedding"
	"github.com/deflagg/eva-sub002/internal/semantic"
	"github.com/deflagg/eva-sub002/internal/shortterm"
	"github.com/deflagg/eva-sub002/internal/tags"
	"github.com/deflagg/eva-sub002/internal/vectorstore"
)

// Result is the outcome of one promotion run.
type Result struct {
	RunAtMs int64
	WindowStartMs int64
	WindowEndMs int64
	SourceRowCount int
	ExperienceUpsertCount int
	PersonalityUpsertCount int
	TotalExperienceCount int
	TotalPersonalityCount int
}

// ExperienceCacheEntry is one row of core_experiences.json.
type ExperienceCacheEntry struct {
	ID string `json:"id"`
	Text string `json:"text"`
	Tags []string `json:"tags"`
	TagCounts map[string]int `json:"tag_counts"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
}

// PersonalityCacheEntry is one row of core_personality.json.
type PersonalityCacheEntry struct {
	ID string `json:"id"`
	Kind string `json:"kind"`
	Text string `json:"text"`
	Confidence float64 `json:"confidence"`
	LastSeenMs int64 `json:"last_seen_ms"`
}

var preferenceRe = regexp.MustCompile(`prefer`)

// prescriptiveSignals maps an imperative-mood lemma to the Penn
// Treebank POS tags tsawler/prose/v3 must assign it for the match to
// count: modal/verb forms for the verb lemmas, adverb forms for the
// two intensity adverbs. This is what makes the POS tagger load-bearing
// rather than decorative — a lemma hit with the wrong tag (e.g. "need"
// tagged NN, the noun) does not count as prescriptive.
var prescriptiveSignals = map[string][]string{
	"should": {"MD"},
	"must": {"MD"},
	"need": {"MD", "VB", "VBP"},
	"remember": {"VB", "VBP"},
	"always": {"RB"},
	"never": {"RB"},
	"avoid": {"VB", "VBP"},
	"ensure": {"VB", "VBP"},
}

// Deps bundles the stores and rule sets promotion reads/writes.
type Deps struct {
	ShortTerm *shortterm.Store
	Semantic *semantic.Store
	Vectors *vectorstore.Store
	Whitelist *tags.Whitelist
	ExperienceTagRules *tags.RuleSet
	PersonalityTagRules *tags.RuleSet
}

// WindowForMidnight returns [localMidnight-24h, localMidnight) for now in
// loc.
func WindowForMidnight(now time.Time, loc *time.Location) (startMs, endMs int64) {
	now = now.In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	endMs = midnight.UnixMilli()
	startMs = midnight.Add(-24 * time.Hour).UnixMilli()
	return startMs, endMs
}

// Run executes one promotion pass over short-term rows in
// [windowStartMs, windowEndMs).
func Run(deps Deps, runAtMs, windowStartMs, windowEndMs int64) (Result, error) {
	rows, err := deps.ShortTerm.InWindow(windowStartMs, windowEndMs)
	if err != nil {
		return Result{}, fmt.Errorf("promotion: read window: %w", err)
	}

	res := Result{RunAtMs: runAtMs, WindowStartMs: windowStartMs, WindowEndMs: windowEndMs, SourceRowCount: len(rows)}

	for _, row := range rows {
		experienceTags := deps.Whitelist.Sanitize(dedupeFallback(deps.ExperienceTagRules.Derive(row.SummaryText), "awareness"))
		emb := embedding.Slice(embedding.Text(row.SummaryText, experienceTags))

		entryID := fmt.Sprintf("short-term-experience-%d", row.ID)
		if err := deps.Vectors.Upsert(vectorstore.TableExperiences, vectorstore.Entry{
			ID: entryID,
			SourceSummaryID: row.ID,
			SourceCreatedAtMs: row.CreatedAtMs,
			UpdatedAtMs: runAtMs,
			Text: row.SummaryText,
			Tags: experienceTags,
			Embedding: emb,
		}); err != nil {
			return Result{}, fmt.Errorf("promotion: upsert experience %s: %w", entryID, err)
		}
		res.ExperienceUpsertCount++

		if item, ok := classifySemanticItem(row.SummaryText, row.ID, row.CreatedAtMs); ok {
			if err := deps.Semantic.Merge(item, runAtMs); err != nil {
				return Result{}, fmt.Errorf("promotion: merge semantic item: %w", err)
			}

			personalityTags := deps.Whitelist.Sanitize(dedupeFallback(deps.PersonalityTagRules.Derive(row.SummaryText), "preference"))
			personalityEmb := embedding.Slice(embedding.Text(row.SummaryText, personalityTags))
			personalityID := fmt.Sprintf("short-term-personality-%d", row.ID)
			if err := deps.Vectors.Upsert(vectorstore.TablePersonality, vectorstore.Entry{
				ID: personalityID,
				SourceSummaryID: row.ID,
				SourceCreatedAtMs: row.CreatedAtMs,
				UpdatedAtMs: runAtMs,
				Text: row.SummaryText,
				Tags: personalityTags,
				Embedding: personalityEmb,
			}); err != nil {
				return Result{}, fmt.Errorf("promotion: upsert personality %s: %w", personalityID, err)
			}
			res.PersonalityUpsertCount++
		}
	}

	total, err := deps.Vectors.Count(vectorstore.TableExperiences)
	if err != nil {
		return Result{}, err
	}
	res.TotalExperienceCount = total

	totalSemantic, err := deps.Semantic.Count()
	if err != nil {
		return Result{}, err
	}
	res.TotalPersonalityCount = totalSemantic

	return res, nil
}

// classifySemanticItem decides whether row text should be promoted into
// the semantic store, and if so returns the constructed Item.
func classifySemanticItem(text string, sourceRowID, createdAtMs int64) (semantic.Item, bool) {
	lc := strings.ToLower(text)
	if !matchesPromotionSignal(lc) {
		return semantic.Item{}, false
	}

	kind := semantic.KindTrait
	confidence := 0.70
	if preferenceRe.MatchString(lc) {
		kind = semantic.KindPreference
		confidence = 0.82
	}

	return semantic.Item{
		ID: semantic.ID(kind, text),
		Kind: kind,
		Text: text,
		Confidence: confidence,
		SupportCount: 1,
		FirstSeenMs: createdAtMs,
		LastSeenMs: createdAtMs,
		SourceSummaryIDs: []int64{sourceRowID},
	}, true
}

var signalRe = regexp.MustCompile(`prefer|tone|mood|decide|decision|follow[-_\s]?up|plan|safe|hazard|danger`)

// matchesPromotionSignal reports whether text matches the
// preference/tone/decision/follow-up/planning/safety signals, or reads as
// a chat-narrative with prescriptive verbs.
func matchesPromotionSignal(lc string) bool {
	if signalRe.MatchString(lc) {
		return true
	}
	return hasPrescriptiveVerb(lc)
}

// hasPrescriptiveVerb runs POS tagging over text and reports whether any
// token's lowercased text is a known prescriptive signal AND its tagged
// POS is one of that signal's allowed tags. Tokens are not lemmatized, so
// inflected forms such as "needs" do not match.
func hasPrescriptiveVerb(text string) bool {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return fallbackPrescriptiveScan(text)
	}
	for _, tok := range doc.Tokens() {
		lemma := strings.ToLower(tok.Text)
		allowedTags, ok := prescriptiveSignals[lemma]
		if !ok {
			continue
		}
		for _, tag := range allowedTags {
			if tok.Tag == tag {
				return true
			}
		}
	}
	return false
}

// fallbackPrescriptiveScan is the plain-lemma scan used only when the POS
// tagger itself fails to parse text (no tags to gate on at all).
func fallbackPrescriptiveScan(text string) bool {
	lc := strings.ToLower(text)
	for verb := range prescriptiveSignals {
		if strings.Contains(lc, verb) {
			return true
		}
	}
	return false
}

func dedupeFallback(in []string, fallback string) []string {
	if len(in) == 0 {
		return []string{fallback}
	}
	return in
}

// BuildExperienceCache assembles the core_experiences.json payload: recent
// top-16 rows with tag counts.
func BuildExperienceCache(vecs *vectorstore.Store) ([]ExperienceCacheEntry, error) {
	entries, err := vecs.Recent(vectorstore.TableExperiences, 16)
	if err != nil {
		return nil, err
	}
	out := make([]ExperienceCacheEntry, 0, len(entries))
	for _, e := range entries {
		counts := map[string]int{}
		for _, t := range e.Tags {
			counts[t]++
		}
		out = append(out, ExperienceCacheEntry{ID: e.ID, Text: e.Text, Tags: e.Tags, TagCounts: counts, UpdatedAtMs: e.UpdatedAtMs})
	}
	return out, nil
}

// BuildPersonalityCache assembles the core_personality.json payload:
// recent top-12 semantic items by last_seen_ms.
func BuildPersonalityCache(sem *semantic.Store) ([]PersonalityCacheEntry, error) {
	items, err := sem.RecentByLastSeen(12)
	if err != nil {
		return nil, err
	}
	out := make([]PersonalityCacheEntry, 0, len(items))
	for _, it := range items {
		out = append(out, PersonalityCacheEntry{ID: it.ID, Kind: string(it.Kind), Text: it.Text, Confidence: it.Confidence, LastSeenMs: it.LastSeenMs})
	}
	return out, nil
}
