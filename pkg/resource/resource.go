package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformed wraps all normalization failures. Callers exclude the
// offending document from the cycle and keep going.
var ErrMalformed = errors.New("malformed resource")

// Resource is the canonical in-memory form of a tracked platform object.
// Identity (ID, Name, ClusterName) and Revision are structural; everything
// else lives in the Attributes tree and is treated as opaque data.
type Resource struct {
	// Kind is one of the closed set of tracked kinds.
	Kind Kind

	// ID is the stable identifier issued by the live cluster. Empty for
	// desired resources that have not been created yet.
	ID string

	// Name is the natural key used to match desired and observed resources
	// before an ID is assigned.
	Name string

	// ClusterName is the tracked cluster this resource belongs to.
	ClusterName string

	// Parents are weak references to owning resources, derived from the
	// kind table at normalization time.
	Parents []ParentRef

	// Attributes is the remaining configuration as a format-agnostic tree.
	// It never contains the id or revision fields.
	Attributes map[string]any

	// Revision is the opaque version token from the live source. Used only
	// to detect concurrent external modification, never interpreted.
	Revision string
}

// Key returns the identity the planner matches on: the ID when assigned,
// else the natural key.
func (r *Resource) Key() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}

// Clone returns a deep copy of the resource.
func (r *Resource) Clone() *Resource {
	out := *r
	out.Parents = append([]ParentRef(nil), r.Parents...)
	out.Attributes = cloneTree(r.Attributes).(map[string]any)
	return &out
}

// Document is the serialized form a resource takes on disk and on the
// wire. Field names match the original repository layout.
type Document struct {
	Kind        string         `json:"kind" yaml:"kind" toml:"kind"`
	ID          string         `json:"id,omitempty" yaml:"id,omitempty" toml:"id,omitempty"`
	Name        string         `json:"name" yaml:"name" toml:"name"`
	ClusterName string         `json:"cluster" yaml:"cluster" toml:"cluster"`
	Revision    string         `json:"revision,omitempty" yaml:"revision,omitempty" toml:"revision,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty" toml:"attributes,omitempty"`
}

// Normalize validates a document and converts it into a Resource.
// It rejects unknown kinds and missing identity, strips the per-kind
// server-managed attribute paths, and refuses attribute trees that carry
// identity or version fields of their own.
func Normalize(doc Document) (*Resource, error) {
	kind := Kind(doc.Kind)
	if !KnownKind(kind) {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformed, doc.Kind)
	}
	if doc.ClusterName == "" {
		return nil, fmt.Errorf("%w: %s missing cluster", ErrMalformed, doc.Kind)
	}
	if doc.ID == "" && doc.Name == "" {
		return nil, fmt.Errorf("%w: %s has neither id nor name", ErrMalformed, doc.Kind)
	}
	for _, reserved := range []string{"id", "name", "revision"} {
		if _, ok := doc.Attributes[reserved]; ok {
			return nil, fmt.Errorf("%w: attribute tree of %s %q contains reserved field %q",
				ErrMalformed, doc.Kind, firstNonEmpty(doc.ID, doc.Name), reserved)
		}
	}

	attrs, ok := cloneTree(doc.Attributes).(map[string]any)
	if !ok || attrs == nil {
		attrs = map[string]any{}
	}
	for _, path := range ExcludedAttributes(kind) {
		prunePath(attrs, strings.Split(path, "."))
	}

	return &Resource{
		Kind:        kind,
		ID:          doc.ID,
		Name:        doc.Name,
		ClusterName: doc.ClusterName,
		Parents:     parentRefsFor(kind, attrs),
		Attributes:  attrs,
		Revision:    doc.Revision,
	}, nil
}

// Serialize is the inverse of Normalize. Round-tripping any normalized
// resource through Serialize and Normalize is lossless.
func Serialize(r *Resource) Document {
	return Document{
		Kind:        string(r.Kind),
		ID:          r.ID,
		Name:        r.Name,
		ClusterName: r.ClusterName,
		Revision:    r.Revision,
		Attributes:  cloneTree(r.Attributes).(map[string]any),
	}
}

// Equal reports whether two attribute trees are structurally identical.
// Map iteration order never matters; keys are compared by membership.
func Equal(a, b map[string]any) bool {
	return treeEqual(a, b)
}

func treeEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !treeEqual(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !treeEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// SortedKeys returns the keys of m in lexical order. Every traversal of an
// attribute tree in corral goes through this so output never depends on map
// iteration order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneTree(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, vv := range tv {
			out[k] = cloneTree(vv)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, vv := range tv {
			out[i] = cloneTree(vv)
		}
		return out
	default:
		return v
	}
}

// prunePath removes the value at a dotted path from a nested tree,
// dropping intermediate maps that become empty.
func prunePath(m map[string]any, path []string) {
	if len(path) == 0 {
		return
	}
	if len(path) == 1 {
		delete(m, path[0])
		return
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		return
	}
	prunePath(child, path[1:])
	if len(child) == 0 {
		delete(m, path[0])
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
