package resource

import (
	"fmt"
	"strconv"
	"strings"
)

// PatchAction is the kind of mutation a single patch operation performs.
type PatchAction string

const (
	PatchAdd     PatchAction = "add"
	PatchRemove  PatchAction = "remove"
	PatchReplace PatchAction = "replace"
)

// PatchOp is one step of a minimal patch transforming an observed
// attribute tree into the desired one. Path is a JSON-pointer style path
// into the attribute tree ("/labels/env", "/rules/2").
type PatchOp struct {
	Action PatchAction `json:"op" yaml:"op"`
	Path   string      `json:"path" yaml:"path"`
	Value  any         `json:"value,omitempty" yaml:"value,omitempty"`
}

// EncodePointer builds a patch path from raw segments, escaping per
// JSON-pointer rules.
func EncodePointer(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		s = strings.ReplaceAll(s, "~", "~0")
		s = strings.ReplaceAll(s, "/", "~1")
		b.WriteString(s)
	}
	return b.String()
}

func decodePointer(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("invalid patch path %q", path)
	}
	raw := strings.Split(path[1:], "/")
	segs := make([]string, len(raw))
	for i, s := range raw {
		s = strings.ReplaceAll(s, "~1", "/")
		s = strings.ReplaceAll(s, "~0", "~")
		segs[i] = s
	}
	return segs, nil
}

// ApplyPatch applies ops to a copy of attrs and returns the result. The
// input tree is never mutated. Applying a patch produced by a diff of
// (observed, desired) to observed yields desired.
func ApplyPatch(attrs map[string]any, ops []PatchOp) (map[string]any, error) {
	out := cloneTree(attrs).(map[string]any)
	for _, op := range ops {
		segs, err := decodePointer(op.Path)
		if err != nil {
			return nil, err
		}
		if err := applyOp(out, segs, op); err != nil {
			return nil, fmt.Errorf("apply %s %s: %w", op.Action, op.Path, err)
		}
	}
	return out, nil
}

func applyOp(root map[string]any, segs []string, op PatchOp) error {
	parent, last, err := walkToParent(root, segs)
	if err != nil {
		return err
	}
	switch node := parent.(type) {
	case map[string]any:
		switch op.Action {
		case PatchAdd, PatchReplace:
			node[last] = cloneTree(op.Value)
		case PatchRemove:
			if _, ok := node[last]; !ok {
				return fmt.Errorf("no such field %q", last)
			}
			delete(node, last)
		default:
			return fmt.Errorf("unknown action %q", op.Action)
		}
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return fmt.Errorf("bad array index %q", last)
		}
		switch op.Action {
		case PatchAdd, PatchReplace:
			node[idx] = cloneTree(op.Value)
		case PatchRemove:
			return fmt.Errorf("array element removal not supported at %q", last)
		default:
			return fmt.Errorf("unknown action %q", op.Action)
		}
	default:
		return fmt.Errorf("path traverses a scalar")
	}
	return nil
}

// walkToParent resolves all but the last segment, creating intermediate
// maps for add operations along map paths.
func walkToParent(root map[string]any, segs []string) (any, string, error) {
	var cur any = root
	for i := 0; i < len(segs)-1; i++ {
		seg := segs[i]
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				created := map[string]any{}
				node[seg] = created
				next = created
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, "", fmt.Errorf("bad array index %q", seg)
			}
			cur = node[idx]
		default:
			return nil, "", fmt.Errorf("path traverses a scalar at %q", seg)
		}
	}
	return cur, segs[len(segs)-1], nil
}
