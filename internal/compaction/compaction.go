// Package compaction implements the hourly working-memory compaction job:
// summarize aged entries into short-term bullets via the model's
// mandatory tool, falling back to a deterministic summary on any error,
// then persist the bullets and atomically truncate the working log.
//
// Grounded on the bounded-prompt, cap-and-reject style of
// internal/buffer/summarizer.go in the teacher repo (per-record
// projections, a hard record cap, deterministic fallback when the model
// path fails), generalized from chat-history summarization to EVA's four
// working-memory entry kinds.
package compaction

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/deflagg/eva-sub002/internal/evamem"
	"github.com/deflagg/eva-sub002/internal/modelclient"
	"github.com/deflagg/eva-sub002/internal/shortterm"
	"github.com/deflagg/eva-sub002/internal/toolcontract"
	"github.com/deflagg/eva-sub002/internal/wm"
)

const (
	maxOldRecordsInPrompt = 240
	maxBulletLen = 220
	minBullets = 3
	maxModelBullets = 7
	maxFallbackBullets = 5
)

// Result is the outcome of one compaction run.
type Result struct {
	RunAtMs int64
	CutoffMs int64
	SourceEntryCount int
	KeptEntryCount int
	SummaryCount int
}

var telemetryKV = regexp.MustCompile(`\b[A-Za-z0-9_]+=[A-Za-z0-9_.]+\b`)

// Run executes one compaction pass: reads log, splits at cutoff, calls the
// model (or falls back), persists bullets to the short-term store, and
// atomically rewrites the working log with only the kept entries.
func Run(ctx context.Context, client modelclient.Client, log *wm.Log, store *shortterm.Store, nowMs, windowMs int64) (Result, error) {
	entries, err := log.Read()
	if err != nil {
		return Result{}, fmt.Errorf("compaction: read log: %w", err)
	}

	cutoff := nowMs - windowMs
	var old, kept []*evamem.Entry
	for _, e := range entries {
		if e.TsMs < cutoff {
			old = append(old, e)
		} else {
			kept = append(kept, e)
		}
	}

	if len(old) == 0 {
		return Result{RunAtMs: nowMs, CutoffMs: cutoff, SourceEntryCount: 0, KeptEntryCount: len(kept)}, nil
	}

	bullets := modelBullets(ctx, client, old)
	if len(bullets) < minBullets {
		bullets = fallbackBullets(old)
	}

	bucketStart := old[0].TsMs
	for _, e := range old {
		if e.TsMs < bucketStart {
			bucketStart = e.TsMs
		}
	}

	ids, err := store.InsertBatch(nowMs, bucketStart, cutoff, len(old), bullets)
	if err != nil {
		return Result{}, fmt.Errorf("compaction: insert bullets: %w", err)
	}

	if err := log.RewriteAtomic(kept); err != nil {
		return Result{}, fmt.Errorf("compaction: rewrite log: %w", err)
	}

	return Result{
		RunAtMs: nowMs,
		CutoffMs: cutoff,
		SourceEntryCount: len(old),
		KeptEntryCount: len(kept),
		SummaryCount: len(ids),
	}, nil
}

// modelBullets renders old into a bounded prompt and calls the model's
// mandatory compaction tool, returning normalized+validated bullets (or
// nil on any error, letting the caller fall back).
func modelBullets(ctx context.Context, client modelclient.Client, old []*evamem.Entry) []string {
	if client == nil {
		return nil
	}
	records := old
	if len(records) > maxOldRecordsInPrompt {
		records = records[len(records)-maxOldRecordsInPrompt:]
	}

	var b strings.Builder
	for _, e := range records {
		b.WriteString(projectRecord(e))
		b.WriteByte('\n')
	}

	req := modelclient.Request{
		SystemPrompt: "Summarize the following working-memory records into 3-7 short bullets.",
		Tools: []toolcontract.ToolDef{toolcontract.CommitWorkingMemoryCompactionTool},
		FinalUser: b.String(),
	}
	resp, err := client.Complete(ctx, req)
	if err != nil || resp.ToolCall == nil || resp.ToolCall.Name != toolcontract.ToolCommitWorkingMemoryCompaction {
		return nil
	}
	if err := toolcontract.Validate(toolcontract.CommitWorkingMemoryCompactionTool, resp.ToolCall.Args); err != nil {
		return nil
	}
	raw := toolcontract.StringSlice(resp.ToolCall.Args, "bullets")
	return normalizeBullets(raw, maxModelBullets)
}

// projectRecord renders one record's per-kind detail projection for the
// compaction prompt.
func projectRecord(e *evamem.Entry) string {
	switch e.Type {
	case evamem.EntryTextInput:
		return "user_input: " + e.Text
	case evamem.EntryTextOutput:
		tone, surprise := "", 0.0
		if e.Meta != nil {
			tone = e.Meta.Tone
			surprise = e.Meta.Surprise
		}
		return fmt.Sprintf("assistant_output: %s (tone=%s surprise=%.2f)", e.Text, tone, surprise)
	case evamem.EntryWMInsight:
		return fmt.Sprintf("insight: %s (severity=%s tags=%s) what_changed=%s", e.OneLiner, e.Severity, strings.Join(e.Tags, ","), strings.Join(e.WhatChanged, "; "))
	case evamem.EntryWMEvent:
		return fmt.Sprintf("event: %s (source=%s severity=%s) %s", e.Name, e.Source, e.Severity, e.Summary)
	default:
		return ""
	}
}

// normalizeBullets strips list markers, compacts whitespace, enforces the
// per-bullet length cap, rejects telemetry-like bullets, and dedupes
// case-insensitively, capping at max.
func normalizeBullets(raw []string, max int) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		b := strings.TrimSpace(r)
		b = strings.TrimLeft(b, "-*• \t")
		b = strings.Join(strings.Fields(b), " ")
		if b == "" {
			continue
		}
		if isTelemetryLike(b) {
			continue
		}
		if len(b) > maxBulletLen {
			b = b[:maxBulletLen]
		}
		key := strings.ToLower(b)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, b)
		if len(out) >= max {
			break
		}
	}
	return out
}

// isTelemetryLike rejects bullets that look like leaked structured data
// rather than prose: contains "{}", a `"key":` fragment, a known
// telemetry key, or two or more k=v pairs.
func isTelemetryLike(s string) bool {
	if strings.Contains(s, "{}") || strings.Contains(s, `":`) {
		return true
	}
	for _, key := range []string{"frame_id", "track_id", "clip_id", "ts_ms", "request_id"} {
		if strings.Contains(s, key) {
			return true
		}
	}
	return len(telemetryKV.FindAllString(s, 2)) >= 2
}

// fallbackBullets is the deterministic summary path: vision insight
// one-liners, then high-surprise text_output, then the last two
// text_output entries, then rollup counts; padded to minBullets, capped
// at maxFallbackBullets.
func fallbackBullets(old []*evamem.Entry) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(s string) bool {
		s = strings.TrimSpace(s)
		if s == "" {
			return false
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
		out = append(out, s)
		return len(out) >= maxFallbackBullets
	}

	for _, e := range old {
		if e.Type == evamem.EntryWMInsight && e.OneLiner != "" {
			if add(e.OneLiner) {
				return out
			}
		}
	}
	for _, e := range old {
		if e.Type == evamem.EntryTextOutput && e.Meta != nil && e.Meta.Surprise >= 0.7 {
			if add(e.Text) {
				return out
			}
		}
	}
	var lastOutputs []string
	for _, e := range old {
		if e.Type == evamem.EntryTextOutput {
			lastOutputs = append(lastOutputs, e.Text)
		}
	}
	if n := len(lastOutputs); n > 0 {
		start := 0
		if n > 2 {
			start = n - 2
		}
		for _, t := range lastOutputs[start:] {
			if add(t) {
				return out
			}
		}
	}

	counts := rollupCounts(old)
	for _, c := range counts {
		if add(c) {
			return out
		}
	}

	for len(out) < minBullets {
		out = append(out, fmt.Sprintf("no further detail available (%d records compacted)", len(old)))
	}
	return out
}

func rollupCounts(old []*evamem.Entry) []string {
	counts := map[evamem.EntryType]int{}
	for _, e := range old {
		counts[e.Type]++
	}
	var out []string
	for t, n := range counts {
		out = append(out, fmt.Sprintf("%d %s record(s) compacted", n, t))
	}
	return out
}
