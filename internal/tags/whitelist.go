// Package tags implements the tag whitelist and the regex-based tagging
// rules used throughout the memory pipeline.
//
// The rule table is data, not code, the way internal/reflex/engine.go in
// the teacher loads pattern/action YAML files with hot reload via mtime
// comparison. EVA's tag rules are simpler (no pipeline/action, just a
// regex → tag mapping) so they're expressed as a committed
// experience_tags.json whitelist plus an in-process Rules table, rather
// than one file per rule.
package tags

import (
	"encoding/json"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/deflagg/eva-sub002/internal/logging"
)

// Whitelist is the authoritative set of lowercase tag/concept strings
// allowed in persisted records.
type Whitelist struct {
	mu sync.RWMutex
	path string
	modTime int64
	allowed map[string]struct{}
	fallback string

	warnedMu sync.Mutex
	warned map[string]bool // unknown tags we've already logged once
}

// defaultTags is used when no committed experience_tags.json is
// present (e.g. in tests).
var defaultTags = []string{
	"awareness", "chat", "preference", "trait", "fact", "project", "rule",
	"near_collision", "roi_dwell", "safety", "planning", "follow_up",
	"decision", "tone", "social", "vision", "event",
}

// Load reads a whitelist JSON file (a flat array of lowercase strings)
// at path. If the file does not exist, the built-in default set is used
// instead so the system still runs with a sane whitelist.
func Load(path, fallback string) (*Whitelist, error) {
	w := &Whitelist{
		path: path,
		fallback: fallback,
		allowed: make(map[string]struct{}),
		warned: make(map[string]bool),
	}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Whitelist) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			w.set(defaultTags)
			return nil
		}
		return err
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	w.set(list)
	if info, statErr := os.Stat(w.path); statErr == nil {
		w.mu.Lock()
		w.modTime = info.ModTime().UnixNano()
		w.mu.Unlock()
	}
	return nil
}

func (w *Whitelist) set(list []string) {
	m := make(map[string]struct{}, len(list))
	for _, t := range list {
		m[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	w.mu.Lock()
	w.allowed = m
	w.mu.Unlock()
}

// MaybeReload re-reads the whitelist file if its mtime changed since the
// last load, matching the hot-reload pattern in reflex/engine.go.
func (w *Whitelist) MaybeReload() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	w.mu.RLock()
	unchanged := info.ModTime().UnixNano() == w.modTime
	w.mu.RUnlock()
	if unchanged {
		return
	}
	if err := w.reload(); err != nil {
		logging.Warn("tags", "reload %s failed: %v", w.path, err)
	}
}

// Allowed reports whether tag (case-insensitively) is in the whitelist.
func (w *Whitelist) Allowed(tag string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.allowed[strings.ToLower(strings.TrimSpace(tag))]
	return ok
}

// Fallback returns the configured fallback tag, preferring whichever of
// awareness/chat/preference is actually present in the whitelist.
func (w *Whitelist) Fallback() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, candidate := range []string{"awareness", "chat", "preference"} {
		if _, ok := w.allowed[candidate]; ok {
			return candidate
		}
	}
	return w.fallback
}

// Sanitize normalizes, dedupes, and filters in against the whitelist. If
// filtering empties the set, the fallback tag is inserted so tags are
// never left empty.
func (w *Whitelist) Sanitize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		t := strings.ToLower(strings.TrimSpace(raw))
		if t == "" {
			continue
		}
		if !w.Allowed(t) {
			w.warnOnce(t)
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		out = append(out, w.Fallback())
	}
	return out
}

func (w *Whitelist) warnOnce(tag string) {
	w.warnedMu.Lock()
	defer w.warnedMu.Unlock()
	if w.warned[tag] {
		return
	}
	w.warned[tag] = true
	logging.Warn("tags", "dropping unknown tag %q (not in whitelist)", tag)
}

// Rule maps a compiled regex over free text to the tag it contributes.
type Rule struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Tag string `yaml:"tag" json:"tag"`
	re *regexp.Regexp
}

// RuleSet is an ordered list of tagging Rules, evaluated top to bottom.
// Grounded on the regex-trigger shape of reflex.Trigger in the teacher,
// trimmed to just {pattern, tag} since EVA's tag derivation has no
// pipeline/action steps to run.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet compiles rules, skipping (and logging) any with an invalid
// pattern rather than failing the whole set.
func NewRuleSet(rules []Rule) *RuleSet {
	rs := &RuleSet{}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			logging.Warn("tags", "skipping rule with invalid pattern %q: %v", r.Pattern, err)
			continue
		}
		r.re = re
		rs.rules = append(rs.rules, r)
	}
	return rs
}

// Derive returns every tag whose rule pattern matches text (case
// insensitive substring/regex match), in rule order, deduplicated.
func (rs *RuleSet) Derive(text string) []string {
	lc := strings.ToLower(text)
	seen := make(map[string]struct{})
	var out []string
	for _, r := range rs.rules {
		if r.re.MatchString(lc) {
			if _, dup := seen[r.Tag]; dup {
				continue
			}
			seen[r.Tag] = struct{}{}
			out = append(out, r.Tag)
		}
	}
	return out
}

// DefaultExperienceRules is the default rule set for promotion's
// experience-tag derivation.
func DefaultExperienceRules() *RuleSet {
	return NewRuleSet([]Rule{
		{Pattern: `vision|insight`, Tag: "awareness"},
		{Pattern: `near[-_\s]?collision`, Tag: "near_collision"},
		{Pattern: `roi|dwell`, Tag: "roi_dwell"},
		{Pattern: `plan|todo|follow[-_\s]?up`, Tag: "follow_up"},
		{Pattern: `safe|hazard|danger`, Tag: "safety"},
	})
}

// DefaultPersonalityRules is the smaller default rule set for
// personality-tag derivation.
func DefaultPersonalityRules() *RuleSet {
	return NewRuleSet([]Rule{
		{Pattern: `prefer`, Tag: "preference"},
		{Pattern: `tone|mood`, Tag: "tone"},
		{Pattern: `decide|decision`, Tag: "decision"},
	})
}
