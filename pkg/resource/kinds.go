package resource

import "sort"

// Kind identifies one of the tracked resource kinds. The set is closed:
// corral does not support arbitrary kind extensibility.
type Kind string

const (
	// KindProject is a platform project, namespaced under a cluster.
	KindProject Kind = "Project"

	// KindRoleTemplate is a reusable role definition.
	KindRoleTemplate Kind = "RoleTemplate"

	// KindProjectRoleTemplateBinding binds a subject to a role template
	// within a project.
	KindProjectRoleTemplateBinding Kind = "ProjectRoleTemplateBinding"
)

// ParentRef is a weak reference to an owning resource, by kind and name or
// id. Bindings reference projects and role templates; the reverse never
// holds, so reference cycles are impossible.
type ParentRef struct {
	Kind Kind   `json:"kind" yaml:"kind"`
	Name string `json:"name" yaml:"name"`
}

// kindSpec holds the per-kind behavior the engine dispatches on. Dynamic
// type inspection in favor of a lookup table of pure functions keeps the
// planner and applier kind-agnostic.
type kindSpec struct {
	// applyWeight orders creates and updates across kinds; lower applies
	// first. Deletes run in reverse weight order.
	applyWeight int

	// pathName is the directory segment used in the repo layout
	// <cluster>/<pathName>/<id>.<ext>.
	pathName string

	// parentFields maps attribute field names to the kind they reference.
	parentFields map[string]Kind

	// excludedAttributes lists server-managed attribute paths that never
	// take part in diffing or storage. Dotted paths, relative to the
	// attribute tree root.
	excludedAttributes []string
}

var kindTable = map[Kind]kindSpec{
	KindProject: {
		applyWeight: 0,
		pathName:    "projects",
		excludedAttributes: []string{
			"metadata.creationTimestamp",
			"metadata.finalizers",
			"metadata.generateName",
			"metadata.generation",
			"metadata.managedFields",
			"spec.resourceQuota.usedLimit",
			"status",
		},
	},
	KindRoleTemplate: {
		applyWeight: 1,
		pathName:    "roletemplates",
		excludedAttributes: []string{
			"metadata.creationTimestamp",
			"metadata.finalizers",
			"metadata.generateName",
			"metadata.generation",
			"metadata.managedFields",
			"status",
		},
	},
	KindProjectRoleTemplateBinding: {
		applyWeight: 2,
		pathName:    "projectroletemplatebindings",
		parentFields: map[string]Kind{
			"projectName":      KindProject,
			"roleTemplateName": KindRoleTemplate,
		},
		excludedAttributes: []string{
			"metadata.creationTimestamp",
			"metadata.finalizers",
			"metadata.generateName",
			"metadata.generation",
			"metadata.managedFields",
			"status",
		},
	},
}

// Kinds returns all tracked kinds in apply order (projects first, then
// role templates, then bindings).
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindTable))
	for k := range kindTable {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		return kindTable[kinds[i]].applyWeight < kindTable[kinds[j]].applyWeight
	})
	return kinds
}

// KnownKind reports whether k is one of the tracked kinds.
func KnownKind(k Kind) bool {
	_, ok := kindTable[k]
	return ok
}

// KindFromPathName resolves a repo directory segment back to a kind.
// Unknown segments return false.
func KindFromPathName(segment string) (Kind, bool) {
	for k, spec := range kindTable {
		if spec.pathName == segment {
			return k, true
		}
	}
	return "", false
}

// PathName returns the directory segment for k in the repo layout.
func PathName(k Kind) string {
	return kindTable[k].pathName
}

// ExcludedAttributes returns the server-managed attribute paths for k.
func ExcludedAttributes(k Kind) []string {
	return kindTable[k].excludedAttributes
}

// parentRefsFor extracts weak parent references from a kind's attributes.
func parentRefsFor(k Kind, attrs map[string]any) []ParentRef {
	spec := kindTable[k]
	if len(spec.parentFields) == 0 {
		return nil
	}
	fields := make([]string, 0, len(spec.parentFields))
	for f := range spec.parentFields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var refs []ParentRef
	for _, f := range fields {
		if v, ok := attrs[f].(string); ok && v != "" {
			refs = append(refs, ParentRef{Kind: spec.parentFields[f], Name: v})
		}
	}
	return refs
}
