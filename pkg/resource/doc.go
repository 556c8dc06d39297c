// Package resource defines the canonical in-memory model for the three
// platform resource kinds corral tracks: projects, role templates, and
// project-role-template-bindings. It owns the closed kind table (ordering
// weights, natural keys, parent references, server-managed field lists),
// the document form resources take on disk and on the wire, and the patch
// operations that transform one attribute tree into another.
package resource
