package tone

import (
	"path/filepath"
	"testing"
)

func TestIsExplicitToneChange(t *testing.T) {
	cases := map[string]bool{
		"be more playful please":     true,
		"switch to serious mode":     true,
		"how's the weather":          false,
		"Use a warm tone from now on": true,
	}
	for text, want := range cases {
		if got := IsExplicitToneChange(text); got != want {
			t.Errorf("IsExplicitToneChange(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestNormalizeFallsBackToDefault(t *testing.T) {
	if got := Normalize("playful"); got != "playful" {
		t.Errorf("expected allowed tone to pass through, got %s", got)
	}
	if got := Normalize("furious"); got != DefaultTone {
		t.Errorf("expected unknown tone to normalize to default, got %s", got)
	}
}

func TestUpdateAndGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(filepath.Join(dir, "personality_tone.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := c.Get("s1"); got != DefaultTone {
		t.Fatalf("expected default tone for unseen session, got %s", got)
	}

	if err := c.Update("s1", "playful", 100, "explicit"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if got := c.Get("s1"); got != "playful" {
		t.Fatalf("expected playful tone, got %s", got)
	}

	reloaded, err := Load(filepath.Join(dir, "personality_tone.json"))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Get("s1"); got != "playful" {
		t.Fatalf("expected persisted tone to survive reload, got %s", got)
	}
}
