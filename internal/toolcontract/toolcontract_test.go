package toolcontract

import "testing"

func TestValidateCommitTextResponseRequiresFields(t *testing.T) {
	err := Validate(CommitTextResponseTool, map[string]any{"text": "hi"})
	if err == nil {
		t.Fatalf("expected error for missing meta")
	}

	err = Validate(CommitTextResponseTool, map[string]any{
		"text": "hi",
		"meta": map[string]any{"tone": "neutral"},
	})
	if err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}
}

func TestValidateSubmitInsightEnforcesArrayBounds(t *testing.T) {
	base := map[string]any{
		"one_liner": "a cup appeared",
		"severity":  "low",
	}

	tooFew := map[string]any{}
	for k, v := range base {
		tooFew[k] = v
	}
	tooFew["what_changed"] = []any{}
	tooFew["tags"] = []any{"awareness"}
	if err := Validate(SubmitInsightTool, tooFew); err == nil {
		t.Fatalf("expected error for empty what_changed")
	}

	tooMany := map[string]any{}
	for k, v := range base {
		tooMany[k] = v
	}
	tooMany["what_changed"] = []any{"a", "b", "c", "d", "e", "f"}
	tooMany["tags"] = []any{"awareness"}
	if err := Validate(SubmitInsightTool, tooMany); err == nil {
		t.Fatalf("expected error for what_changed over max items")
	}

	ok := map[string]any{}
	for k, v := range base {
		ok[k] = v
	}
	ok["what_changed"] = []any{"a cup appeared on the table"}
	ok["tags"] = []any{"awareness"}
	if err := Validate(SubmitInsightTool, ok); err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}
}

func TestValidateRejectsWrongType(t *testing.T) {
	err := Validate(CommitWorkingMemoryCompactionTool, map[string]any{"bullets": "not an array"})
	if err == nil {
		t.Fatalf("expected type error for bullets as string")
	}
}

func TestStringSliceExtractsStringsOnly(t *testing.T) {
	args := map[string]any{"bullets": []any{"one", "two", 3, "four"}}
	got := StringSlice(args, "bullets")
	want := []string{"one", "two", "four"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
