package alertdebounce

import (
	"testing"
	"time"
)

func TestAllowDedupesSameKeyWithinWindow(t *testing.T) {
	d := New()
	t0 := time.Now()

	if !d.Allow("insight:clip1", t0) {
		t.Fatalf("expected first fire to be allowed")
	}
	if d.Allow("insight:clip1", t0.Add(30*time.Second)) {
		t.Fatalf("expected second fire within dedupe window to be suppressed")
	}
	if !d.Allow("insight:clip1", t0.Add(61*time.Second)) {
		t.Fatalf("expected fire after dedupe window to be allowed")
	}
}

func TestAllowEnforcesGlobalCooldownAcrossKeys(t *testing.T) {
	d := New()
	t0 := time.Now()

	if !d.Allow("event:near_collision:t1", t0) {
		t.Fatalf("expected first fire to be allowed")
	}
	if d.Allow("event:other:t2", t0.Add(5*time.Second)) {
		t.Fatalf("expected different key within cooldown to be suppressed")
	}
	if !d.Allow("event:other:t2", t0.Add(11*time.Second)) {
		t.Fatalf("expected different key after cooldown to be allowed")
	}
}

func TestEventKeyDefaultsMissingTrackID(t *testing.T) {
	if got := EventKey("near_collision", ""); got != "event:near_collision:na" {
		t.Fatalf("expected na track id, got %q", got)
	}
}
