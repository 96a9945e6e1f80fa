// Package config loads the immutable per-process Config for the
// Orchestrator and Executive daemons. Actual config-file conventions
// (where the file lives, how deploys supply it) are left to the caller;
// this package only defines the shape and a loader useful for local runs
// and tests, the way the teacher loads its own .env with godotenv in
// cmd/bud/main.go.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TTSStyle selects the insight narration voice dial.
type TTSStyle string

const (
	TTSStyleClean TTSStyle = "clean"
	TTSStyleSpicy TTSStyle = "spicy"
)

// Server holds Orchestrator/Executive HTTP bind settings.
type Server struct {
	Port int `yaml:"port"`
}

// Memory holds the memory directory root.
type Memory struct {
	Dir string `yaml:"dir"`
}

// Insight holds /insight endpoint tuning.
type Insight struct {
	CooldownMs int64 `yaml:"cooldown_ms"`
	MaxFrames int `yaml:"max_frames"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	TTSStyle TTSStyle `yaml:"tts_style"`
}

// CompactionJob holds the compaction job's cron schedule and window.
type CompactionJob struct {
	Cron string `yaml:"cron"`
	WindowMs int64 `yaml:"window_ms"`
}

// PromotionJob holds the promotion job's cron schedule.
type PromotionJob struct {
	Cron string `yaml:"cron"`
}

// Jobs holds scheduler configuration.
type Jobs struct {
	Enabled bool `yaml:"enabled"`
	Compaction CompactionJob `yaml:"compaction"`
	Promotion PromotionJob `yaml:"promotion"`
	Timezone string `yaml:"timezone"`
}

// Config is the immutable per-process configuration.
type Config struct {
	Server Server `yaml:"server"`
	Memory Memory `yaml:"memory"`
	Insight Insight `yaml:"insight"`
	Jobs Jobs `yaml:"jobs"`
	SecretsFile string `yaml:"secrets_file"`

	// Secrets loaded from SecretsFile via godotenv; not serialized.
	Secrets map[string]string `yaml:"-"`
}

// Default returns sane defaults so the daemons can run without any file
// on disk present (useful for tests and the zero-config path).
func Default() *Config {
	return &Config{
		Server: Server{Port: 8091},
		Memory: Memory{Dir: "./eva_memory"},
		Insight: Insight{
			CooldownMs: 5000,
			MaxFrames: 6,
			MaxBodyBytes: 8 << 20,
			TTSStyle: TTSStyleClean,
		},
		Jobs: Jobs{
			Enabled: true,
			Compaction: CompactionJob{
				Cron: "0 * * * *",
				WindowMs: int64(time.Hour / time.Millisecond),
			},
			Promotion: PromotionJob{Cron: "0 0 * * *"},
			Timezone: "UTC",
		},
	}
}

// Load reads a YAML config file at path, falling back to Default() values
// for anything unset, then loads the secrets file (if configured) with
// godotenv. A missing path is not an error — Default() is returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if cfg.Insight.MaxFrames <= 0 || cfg.Insight.MaxFrames > 6 {
		cfg.Insight.MaxFrames = 6
	}

	if cfg.SecretsFile != "" {
		secrets, err := godotenv.Read(cfg.SecretsFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: load secrets %s: %w", cfg.SecretsFile, err)
			}
		} else {
			cfg.Secrets = secrets
		}
	}
	return cfg, nil
}
