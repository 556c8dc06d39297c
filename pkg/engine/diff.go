package engine

import (
	"strconv"

	"github.com/corral-sh/corral/pkg/resource"
)

// DiffAttributes computes the minimal ordered patch that transforms the
// observed attribute tree into the desired one. The result is empty iff
// the trees are structurally equal. Keys are visited in lexical order so
// the patch never depends on map iteration order.
func DiffAttributes(observed, desired map[string]any) []resource.PatchOp {
	var ops []resource.PatchOp
	diffMaps(nil, observed, desired, &ops)
	return ops
}

func diffMaps(prefix []string, observed, desired map[string]any, ops *[]resource.PatchOp) {
	// Removed keys first, then added/changed, each in lexical order.
	for _, k := range resource.SortedKeys(observed) {
		if _, ok := desired[k]; !ok {
			*ops = append(*ops, resource.PatchOp{
				Action: resource.PatchRemove,
				Path:   resource.EncodePointer(append(prefix, k)...),
			})
		}
	}
	for _, k := range resource.SortedKeys(desired) {
		dv := desired[k]
		ov, ok := observed[k]
		if !ok {
			*ops = append(*ops, resource.PatchOp{
				Action: resource.PatchAdd,
				Path:   resource.EncodePointer(append(prefix, k)...),
				Value:  dv,
			})
			continue
		}
		diffValues(append(prefix, k), ov, dv, ops)
	}
}

func diffValues(path []string, observed, desired any, ops *[]resource.PatchOp) {
	switch dv := desired.(type) {
	case map[string]any:
		if om, ok := observed.(map[string]any); ok {
			diffMaps(path, om, dv, ops)
			return
		}
	case []any:
		if os, ok := observed.([]any); ok && len(os) == len(dv) {
			// Same-length sequences diff element-wise; a length change
			// replaces the sequence wholesale.
			for i := range dv {
				diffValues(append(path, strconv.Itoa(i)), os[i], dv[i], ops)
			}
			return
		}
	default:
		if observed == desired {
			return
		}
		*ops = append(*ops, resource.PatchOp{
			Action: resource.PatchReplace,
			Path:   resource.EncodePointer(path...),
			Value:  desired,
		})
		return
	}

	if !resource.Equal(map[string]any{"v": observed}, map[string]any{"v": desired}) {
		*ops = append(*ops, resource.PatchOp{
			Action: resource.PatchReplace,
			Path:   resource.EncodePointer(path...),
			Value:  desired,
		})
	}
}
