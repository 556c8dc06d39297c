package engine

import (
	"testing"

	"github.com/corral-sh/corral/pkg/resource"
)

func TestDiffAttributesEmptyForEqualTrees(t *testing.T) {
	a := map[string]any{
		"name": "payments",
		"meta": map[string]any{"labels": map[string]any{"team": "payments"}},
	}
	b := map[string]any{
		"meta": map[string]any{"labels": map[string]any{"team": "payments"}},
		"name": "payments",
	}
	if ops := DiffAttributes(a, b); len(ops) != 0 {
		t.Errorf("expected empty diff, got %v", ops)
	}
}

func TestDiffAttributesProducesConvergingPatch(t *testing.T) {
	tests := []struct {
		name     string
		observed map[string]any
		desired  map[string]any
	}{
		{
			name:     "scalar change",
			observed: map[string]any{"description": "old"},
			desired:  map[string]any{"description": "new"},
		},
		{
			name:     "added and removed keys",
			observed: map[string]any{"a": int64(1), "b": int64(2)},
			desired:  map[string]any{"b": int64(2), "c": int64(3)},
		},
		{
			name: "nested map change",
			observed: map[string]any{
				"meta": map[string]any{"labels": map[string]any{"env": "dev", "old": "x"}},
			},
			desired: map[string]any{
				"meta": map[string]any{"labels": map[string]any{"env": "prod"}},
			},
		},
		{
			name:     "same-length slice element change",
			observed: map[string]any{"verbs": []any{"get", "list"}},
			desired:  map[string]any{"verbs": []any{"get", "watch"}},
		},
		{
			name:     "slice length change replaces wholesale",
			observed: map[string]any{"verbs": []any{"get"}},
			desired:  map[string]any{"verbs": []any{"get", "list", "watch"}},
		},
		{
			name:     "type change",
			observed: map[string]any{"quota": map[string]any{"pods": int64(5)}},
			desired:  map[string]any{"quota": "unlimited"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := DiffAttributes(tt.observed, tt.desired)
			if len(ops) == 0 {
				t.Fatal("expected non-empty diff")
			}
			got, err := resource.ApplyPatch(tt.observed, ops)
			if err != nil {
				t.Fatalf("ApplyPatch: %v", err)
			}
			if !resource.Equal(got, tt.desired) {
				t.Errorf("patch did not converge: got %v, want %v", got, tt.desired)
			}
		})
	}
}

func TestDiffAttributesDeterministicOrder(t *testing.T) {
	observed := map[string]any{"z": int64(1), "a": int64(1), "m": int64(1)}
	desired := map[string]any{"z": int64(2), "b": int64(2), "m": int64(2)}

	first := DiffAttributes(observed, desired)
	for i := 0; i < 50; i++ {
		again := DiffAttributes(observed, desired)
		if len(again) != len(first) {
			t.Fatalf("diff length varies: %d vs %d", len(again), len(first))
		}
		for j := range first {
			if first[j].Path != again[j].Path || first[j].Action != again[j].Action {
				t.Fatalf("diff order varies at %d: %v vs %v", j, first[j], again[j])
			}
		}
	}

	// Removes come before adds, keys in lexical order.
	if first[0].Action != resource.PatchRemove || first[0].Path != "/a" {
		t.Errorf("first op = %+v, want remove /a", first[0])
	}
}
