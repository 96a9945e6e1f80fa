// Package trace is the purely-observational trace logger:
// an append-only, size-rotated JSONL sink with redaction and truncation,
// hot-reloading its config by comparing file mtime on every write. Never
// lets a sink failure affect the caller.
//
// Grounded on internal/journal/journal.go's append-on-every-write JSONL
// sink in the teacher repo (open-append-close per call, no held file
// handle), generalized with a redaction/truncation/rotation/hot-reload
// policy, none of which journal.go needed.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/deflagg/eva-sub002/internal/logging"
	"gopkg.in/yaml.v3"
)

// Phase is one of the per-phase gates.
type Phase string

const (
	PhaseRequest Phase = "request"
	PhaseResponse Phase = "response"
	PhaseError Phase = "error"
)

// Config is the hot-reloadable trace policy.
type Config struct {
	Enabled bool `yaml:"enabled"`
	Gates map[Phase]bool `yaml:"gates"`
	TruncateChars int `yaml:"truncate_chars"`
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
	MaxRotations int `yaml:"max_rotations"`
}

// DefaultConfig enables all gates with sane truncation/rotation defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Gates: map[Phase]bool{PhaseRequest: true, PhaseResponse: true, PhaseError: true},
		TruncateChars: 2000,
		MaxSizeBytes: 10 << 20,
		MaxRotations: 5,
	}
}

// Entry is one logged trace record.
type Entry struct {
	Phase Phase `json:"phase"`
	TsMs int64 `json:"ts_ms"`
	Fields map[string]any `json:"fields,omitempty"`
}

// Logger is the trace sink for one file path, with an optional sidecar
// config file that is re-read whenever its mtime changes.
type Logger struct {
	path string
	configPath string

	mu sync.Mutex
	cfg Config
	cfgModTime int64
}

// New creates a Logger writing to path, with its config loaded from
// configPath (if non-empty) and falling back to DefaultConfig().
func New(path, configPath string) *Logger {
	l := &Logger{path: path, configPath: configPath, cfg: DefaultConfig()}
	l.reloadConfigLocked()
	return l
}

// Log writes entry if its phase is gated on, applying redaction and
// truncation, and rotating the file first if it has grown past the
// configured threshold. Never returns an error to the caller beyond
// logging it — trace must never affect runtime behavior.
func (l *Logger) Log(phase Phase, fields map[string]any) {
	l.mu.Lock()
	l.reloadConfigLocked()
	cfg := l.cfg
	l.mu.Unlock()

	if !cfg.Enabled || !cfg.Gates[phase] {
		return
	}

	redacted := redactMap(fields, cfg.TruncateChars)
	entry := Entry{Phase: phase, TsMs: time.Now().UnixMilli(), Fields: redacted}
	data, err := json.Marshal(entry)
	if err != nil {
		logging.Warn("trace", "marshal failed: %v", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.rotateIfNeededLocked(cfg); err != nil {
		logging.Warn("trace", "rotation failed, continuing append: %v", err)
	}
	if err := l.appendLocked(data); err != nil {
		logging.Warn("trace", "append failed: %v", err)
	}
}

func (l *Logger) appendLocked(line []byte) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// rotateIfNeededLocked shifts file -> file.1 -> file.N, dropping the
// oldest, when the current file is at or past MaxSizeBytes. A failed
// rotation falls through to a continued append.
func (l *Logger) rotateIfNeededLocked(cfg Config) error {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < cfg.MaxSizeBytes {
		return nil
	}

	oldest := fmt.Sprintf("%s.%d", l.path, cfg.MaxRotations)
	os.Remove(oldest)
	for i := cfg.MaxRotations - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", l.path, i)
		to := fmt.Sprintf("%s.%d", l.path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return err
			}
		}
	}
	return os.Rename(l.path, l.path+".1")
}

func (l *Logger) reloadConfigLocked() {
	if l.configPath == "" {
		return
	}
	info, err := os.Stat(l.configPath)
	if err != nil {
		return
	}
	if info.ModTime().UnixNano() == l.cfgModTime {
		return
	}
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		logging.Warn("trace", "reload %s failed: %v", l.configPath, err)
		return
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		logging.Warn("trace", "parse %s failed: %v", l.configPath, err)
		return
	}
	l.cfg = cfg
	l.cfgModTime = info.ModTime().UnixNano()
}

// redactedKeys are replaced with a fixed placeholder regardless of value.
var redactedKeys = map[string]struct{}{
	"apiKey": {}, "api_key": {}, "secrets": {},
}

// base64ImageKeys are replaced with a size-annotated placeholder rather
// than a fixed one.
var base64ImageKeys = map[string]struct{}{
	"image_b64": {}, "data": {}, "b64": {}, "base64": {},
}

func redactMap(in map[string]any, truncateChars int) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, ok := redactedKeys[k]; ok {
			out[k] = "[redacted]"
			continue
		}
		if _, ok := base64ImageKeys[k]; ok {
			if s, ok := v.(string); ok {
				out[k] = fmt.Sprintf("[omitted base64 image: %d chars]", len(s))
				continue
			}
		}
		switch val := v.(type) {
		case string:
			out[k] = truncateString(val, truncateChars)
		case map[string]any:
			out[k] = redactMap(val, truncateChars)
		default:
			out[k] = val
		}
	}
	return out
}

// truncateString replaces strings over truncateChars with
// "<prefix>… [truncated N chars]".
func truncateString(s string, truncateChars int) string {
	if truncateChars <= 0 || len(s) <= truncateChars {
		return s
	}
	omitted := len(s) - truncateChars
	return fmt.Sprintf("%s… [truncated %d chars]", s[:truncateChars], omitted)
}
