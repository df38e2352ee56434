package form

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIssuerNeverRepeats(t *testing.T) {
	ids := NewIssuer("t")
	seen := make(map[string]struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := ids.Next()
				mu.Lock()
				if _, dup := seen[id]; dup {
					mu.Unlock()
					t.Errorf("uid %q issued twice", id)
					return
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 1600 {
		t.Fatalf("issued %d uids, want 1600", len(seen))
	}
}

func TestWithStableUIDsIsIdempotent(t *testing.T) {
	ids := NewIssuer("t")
	fields := []Field{
		{Key: "a"},
		{Key: "b", UID: "keep"},
		{Key: "grp", Type: TypeGroup, Fields: []Field{{Key: "child"}}},
	}
	once := WithStableUIDs(fields, ids)
	twice := WithStableUIDs(once, ids)

	if once[1].UID != "keep" {
		t.Fatalf("existing uid replaced: %q", once[1].UID)
	}
	if once[0].UID == "" || once[2].Fields[0].UID == "" {
		t.Fatalf("missing uids after assignment: %+v", once)
	}
	if diff := cmp.Diff(once, twice); diff != "" {
		t.Fatalf("second application changed uids (-once +twice):\n%s", diff)
	}
	if fields[0].UID != "" {
		t.Fatalf("input slice mutated")
	}
}

func TestStripUIDs(t *testing.T) {
	fields := []Field{{UID: "u1", Key: "a", Fields: []Field{{UID: "u2", Key: "b"}}}}
	stripped := StripUIDs(fields)
	if stripped[0].UID != "" || stripped[0].Fields[0].UID != "" {
		t.Fatalf("uids left behind: %+v", stripped)
	}
	if fields[0].UID != "u1" || fields[0].Fields[0].UID != "u2" {
		t.Fatalf("input mutated: %+v", fields)
	}
}

func TestMergeBatchPreservesIdentityAndOtherScopes(t *testing.T) {
	ids := NewIssuer("t")
	existing := []Field{
		{UID: "u1", Key: "q1", Type: TypeText, Question: "Old?", Scope: "A", Answer: "kept"},
		{UID: "u9", Key: "b1", Type: TypeCheckbox, Question: "Other scope", Scope: "B", Answer: true},
	}
	incoming := []any{
		map[string]any{"key": "q1", "question": "New?"},
		map[string]any{"key": "q2", "question": "Extra?"},
	}

	merged := MergeBatch(existing, incoming, "A", ids)

	if len(merged) != 3 {
		t.Fatalf("merged %d fields, want 3: %+v", len(merged), merged)
	}
	first, second, other := merged[0], merged[1], merged[2]
	if first.UID != "u1" || first.Question != "New?" || first.Scope != "A" {
		t.Fatalf("matched field = %+v", first)
	}
	if first.Answer != "kept" {
		t.Fatalf("matched field lost its answer: %+v", first.Answer)
	}
	if second.UID == "" || second.UID == "u1" || second.Key != "q2" || second.Scope != "A" {
		t.Fatalf("new field = %+v", second)
	}
	if second.Answer != "" {
		t.Fatalf("new text field answer = %#v, want empty string", second.Answer)
	}
	if diff := cmp.Diff(existing[1], other); diff != "" {
		t.Fatalf("other-scope field changed (-want +got):\n%s", diff)
	}
}

func TestMergeBatchMatchesNormalizedKeys(t *testing.T) {
	ids := NewIssuer("t")
	existing := []Field{{UID: "u1", Key: "Cash_Count", Scope: "A"}}
	merged := MergeBatch(existing, []any{map[string]any{"key": "  cash_count ", "question": "Count cash?"}}, "A", ids)
	if len(merged) != 1 || merged[0].UID != "u1" || merged[0].Key != "Cash_Count" {
		t.Fatalf("merged = %+v", merged)
	}
}

func TestMergeBatchDropsStaleScopeFields(t *testing.T) {
	ids := NewIssuer("t")
	existing := []Field{
		{UID: "b1", Key: "keep", Scope: "B"},
		{UID: "a1", Key: "stale", Scope: "A"},
		{UID: "a2", Key: "fresh", Scope: "A"},
		{UID: "b2", Key: "tail", Scope: "B"},
	}
	merged := MergeBatch(existing, []any{map[string]any{"key": "fresh"}}, "A", ids)

	var uids []string
	for _, f := range merged {
		uids = append(uids, f.UID)
	}
	if diff := cmp.Diff([]string{"b1", "a2", "b2"}, uids); diff != "" {
		t.Fatalf("uid order mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeBatchNonListIsEmpty(t *testing.T) {
	ids := NewIssuer("t")
	existing := []Field{
		{UID: "a1", Key: "q", Scope: "A"},
		{UID: "b1", Key: "q", Scope: "B"},
	}
	for _, incoming := range []any{nil, "not json", map[string]any{"key": "q"}, 42} {
		merged := MergeBatch(existing, incoming, "A", ids)
		if len(merged) != 1 || merged[0].UID != "b1" {
			t.Fatalf("MergeBatch(%v) = %+v, want only the scope-B field", incoming, merged)
		}
	}
}

func TestMergeBatchNeverTouchesOtherScopes(t *testing.T) {
	ids := NewIssuer("t")
	existing := []Field{
		{UID: "b1", Key: "shared", Scope: "B", Answer: "x"},
		{UID: "c1", Key: "other", Scope: "C", Answer: []string{"y"}},
	}
	batches := []any{
		[]any{map[string]any{"key": "shared", "question": "Same key, other scope"}},
		[]any{"Plain string question?", map[string]any{"label": "Label only"}},
		[]any{},
	}
	for _, batch := range batches {
		merged := MergeBatch(existing, batch, "A", ids)
		byUID := make(map[string]Field)
		for _, f := range merged {
			byUID[f.UID] = f
		}
		for _, want := range existing {
			got, ok := byUID[want.UID]
			if !ok {
				t.Fatalf("field %s disappeared", want.UID)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("field %s changed (-want +got):\n%s", want.UID, diff)
			}
		}
	}
}

func TestMergeBatchDerivesAndDeduplicatesKeys(t *testing.T) {
	ids := NewIssuer("t")
	incoming := []any{
		"Were bank confirmations received?",
		map[string]any{"id": "inv_count"},
		map[string]any{"key": "dup"},
		map[string]any{"key": "dup"},
		map[string]any{"type": "checkbox"},
	}
	merged := MergeBatch(nil, incoming, "A", ids)

	var keys []string
	for _, f := range merged {
		keys = append(keys, f.Key)
	}
	want := []string{"were_bank_confirmations_received", "inv_count", "dup", "dup_1", "question_5"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	if merged[4].Answer != false {
		t.Fatalf("checkbox default answer = %#v", merged[4].Answer)
	}
}

func TestMergeBatchDuplicateReusesUIDOnce(t *testing.T) {
	ids := NewIssuer("t")
	existing := []Field{{UID: "u1", Key: "q1", Scope: "A"}}
	merged := MergeBatch(existing, []any{
		map[string]any{"key": "q1"},
		map[string]any{"key": "q1"},
	}, "A", ids)
	if len(merged) != 2 {
		t.Fatalf("merged = %+v", merged)
	}
	if merged[0].UID != "u1" || merged[1].UID == "u1" {
		t.Fatalf("uids = %q, %q", merged[0].UID, merged[1].UID)
	}
	if merged[1].Key != "q1_1" {
		t.Fatalf("duplicate key = %q", merged[1].Key)
	}
}

func TestMergeBatchParsesNestedAttributes(t *testing.T) {
	ids := NewIssuer("t")
	incoming := []any{map[string]any{
		"key":       "procedures",
		"type":      "group",
		"fields":    []any{map[string]any{"key": "walkthrough", "label": "Walkthrough"}},
		"visibleIf": map[string]any{"risk": []any{"high"}},
		"options":   []any{"a", "b"},
	}}
	merged := MergeBatch(nil, incoming, "A", ids)
	f := merged[0]
	if f.Type != TypeGroup || len(f.Fields) != 1 || f.Fields[0].UID == "" {
		t.Fatalf("group not parsed: %+v", f)
	}
	if f.VisibleIf["risk"].Kind != RequireOneOf {
		t.Fatalf("visibleIf not parsed: %+v", f.VisibleIf)
	}
	if diff := cmp.Diff([]string{"a", "b"}, f.Options); diff != "" {
		t.Fatalf("options mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeBatchAppendsNewScope(t *testing.T) {
	ids := NewIssuer("t")
	existing := []Field{{UID: "b1", Key: "x", Scope: "B"}}
	merged := MergeBatch(existing, []any{map[string]any{"key": "y"}}, "A", ids)
	if len(merged) != 2 || merged[0].UID != "b1" || merged[1].Key != "y" {
		t.Fatalf("merged = %+v", merged)
	}
}
