// Package tone is the per-session ToneState cache: {sessionKey -> {tone,
// updated_at_ms, lastReason}}, atomically rewritten via temp-file + rename.
//
// Grounded on the atomic temp-file-then-rename persistence style used
// throughout the teacher repo's state snapshots (internal/state/inspect.go)
// and mirrored here at a much smaller scope: one JSON file, one map.
package tone

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/deflagg/eva-sub002/internal/logging"
)

// AllowedTones is the fixed set tone values are normalized against.
// Chosen as a small, named palette matching the other narration dials
// (ttsStyle clean/spicy implies a similarly small, enumerable tone set).
var AllowedTones = []string{"neutral", "playful", "serious", "warm", "dry"}

const DefaultTone = "neutral"
const DefaultSessionKey = "__default__"

// explicitToneChangeRe matches a user request that explicitly asks for a
// tone change.
var explicitToneChangeRe = regexp.MustCompile(`(?i)\b(be more|switch to|use a|sound more)\s+(playful|serious|warm|dry|neutral)\b`)

// IsExplicitToneChange reports whether text explicitly asks for a tone
// change.
func IsExplicitToneChange(text string) bool {
	return explicitToneChangeRe.MatchString(text)
}

// Allowed reports whether tone is one of AllowedTones.
func Allowed(tone string) bool {
	for _, t := range AllowedTones {
		if t == tone {
			return true
		}
	}
	return false
}

// Normalize returns tone if allowed, else DefaultTone.
func Normalize(tone string) string {
	if Allowed(tone) {
		return tone
	}
	return DefaultTone
}

// State is one session's tone record.
type State struct {
	Tone string `json:"tone"`
	UpdatedAtMs int64 `json:"updated_at_ms"`
	LastReason string `json:"last_reason,omitempty"`
}

// Cache is the in-memory + persisted ToneState map.
type Cache struct {
	mu sync.RWMutex
	path string
	state map[string]State
}

// Load reads the tone cache file at path, starting empty if it does not
// exist.
func Load(path string) (*Cache, error) {
	c := &Cache{path: path, state: make(map[string]State)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &c.state); err != nil {
		logging.Warn("tone", "discarding malformed tone cache %s: %v", path, err)
		return c, nil
	}
	return c, nil
}

// Get returns the current tone for sessionKey, defaulting to DefaultTone
// if unset.
func (c *Cache) Get(sessionKey string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.state[sessionKey]; ok {
		return s.Tone
	}
	return DefaultTone
}

// Update sets the tone for sessionKey and atomically rewrites the cache
// file. reason is "explicit" when the user's
// request matched the explicit-tone-change regex, "observed" otherwise
// (the model reported a drifted tone without being explicitly asked).
func (c *Cache) Update(sessionKey, newTone string, nowMs int64, reason string) error {
	c.mu.Lock()
	c.state[sessionKey] = State{Tone: newTone, UpdatedAtMs: nowMs, LastReason: reason}
	snapshot := make(map[string]State, len(c.state))
	for k, v := range c.state {
		snapshot[k] = v
	}
	c.mu.Unlock()
	return c.rewriteAtomic(snapshot)
}

func (c *Cache) rewriteAtomic(state map[string]State) error {
	data, err := json.MarshalIndent(state, "", " ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, ".tone-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, c.path)
}
