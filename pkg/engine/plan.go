package engine

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/corral-sh/corral/pkg/resource"
)

// Planner computes the ordered change set that converges an observed
// resource set onto a desired one. Output is deterministic for identical
// inputs regardless of input order, which makes dry runs comparable.
type Planner struct {
	// Prune controls whether resources present only on the observed side
	// are deleted. When disabled they are reported as skipped instead.
	Prune bool
}

// KindPlan is the planning result for a single kind.
type KindPlan struct {
	Items []ChangeItem

	// Skipped carries the would-be deletes suppressed by a disabled prune
	// flag. They surface in the cycle result without ever reaching the
	// applier.
	Skipped []ApplyOutcome
}

// PlanKind partitions desired and observed resources of one kind into
// creates, updates, and deletes. Resources are keyed by id where both
// sides have one, else matched by natural key.
func (p *Planner) PlanKind(kind resource.Kind, desired, observed []*resource.Resource) (*KindPlan, error) {
	observedByID := make(map[string]*resource.Resource, len(observed))
	observedByName := make(map[string][]*resource.Resource)
	for _, o := range observed {
		if o.ID != "" {
			observedByID[o.ID] = o
		}
		if o.Name != "" {
			observedByName[o.Name] = append(observedByName[o.Name], o)
		}
	}

	plan := &KindPlan{}
	matched := make(map[*resource.Resource]bool, len(observed))

	// Deterministic traversal: desired sorted by key.
	sortedDesired := append([]*resource.Resource(nil), desired...)
	sort.Slice(sortedDesired, func(i, j int) bool {
		return sortedDesired[i].Key() < sortedDesired[j].Key()
	})

	for _, d := range sortedDesired {
		var o *resource.Resource
		if d.ID != "" {
			o = observedByID[d.ID]
		}
		if o == nil && d.Name != "" {
			var err error
			o, err = pickByNaturalKey(kind, d.Name, observedByName[d.Name], matched)
			if err != nil {
				return nil, err
			}
		}

		if o == nil {
			plan.Items = append(plan.Items, ChangeItem{
				Op:       OpCreate,
				Kind:     kind,
				Key:      d.Key(),
				Resource: d.Clone(),
				Parents:  d.Parents,
			})
			continue
		}

		matched[o] = true
		patch := DiffAttributes(o.Attributes, d.Attributes)
		if len(patch) == 0 {
			// Drift-suppression path: converged resources never appear in
			// the change set.
			continue
		}
		plan.Items = append(plan.Items, ChangeItem{
			Op:       OpUpdate,
			Kind:     kind,
			ID:       o.ID,
			Key:      o.Key(),
			Patch:    patch,
			Revision: o.Revision,
			Parents:  d.Parents,
		})
	}

	// Resources present only on the observed side.
	strays := make([]*resource.Resource, 0)
	for _, o := range observed {
		if !matched[o] {
			strays = append(strays, o)
		}
	}
	sort.Slice(strays, func(i, j int) bool { return strays[i].Key() < strays[j].Key() })

	for _, o := range strays {
		if !p.Prune {
			plan.Skipped = append(plan.Skipped, ApplyOutcome{
				Op:     OpDelete,
				Kind:   kind,
				ID:     o.ID,
				Key:    o.Key(),
				Status: OutcomeSkipped,
				Reason: "prune disabled",
			})
			continue
		}
		plan.Items = append(plan.Items, ChangeItem{
			Op:       OpDelete,
			Kind:     kind,
			ID:       o.ID,
			Key:      o.Key(),
			Revision: o.Revision,
		})
	}

	return plan, nil
}

// pickByNaturalKey resolves a natural-key match against the unmatched
// observed candidates. Multiple candidates prefer the most recently seen
// revision; a remaining tie fails the kind's planning step rather than
// guessing.
func pickByNaturalKey(kind resource.Kind, name string, candidates []*resource.Resource, matched map[*resource.Resource]bool) (*resource.Resource, error) {
	var available []*resource.Resource
	for _, c := range candidates {
		if !matched[c] {
			available = append(available, c)
		}
	}
	switch len(available) {
	case 0:
		return nil, nil
	case 1:
		return available[0], nil
	}

	best := available[0]
	tied := false
	for _, c := range available[1:] {
		switch compareRevisions(c.Revision, best.Revision) {
		case 1:
			best, tied = c, false
		case 0:
			tied = true
		}
	}
	if tied {
		return nil, NewPermanentError(
			fmt.Sprintf("%d observed %s resources match natural key %q", len(available), kind, name),
			nil,
		).WithCode(ErrCodeAmbiguousMatch).WithResource(string(kind) + "/" + name).WithOperation("plan")
	}
	return best, nil
}

// compareRevisions orders opaque revision tokens: numerically when both
// parse as integers (the platform issues monotonic resource versions),
// lexically otherwise.
func compareRevisions(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai > bi:
			return 1
		case ai < bi:
			return -1
		}
		return 0
	}
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}

// BuildChangeSet interleaves per-kind plans into one cluster-wide ordered
// change set: creates and updates in kind dependency order, then deletes
// in reverse dependency order. Within one cycle a given (kind, id)
// appears in at most one item by construction.
func BuildChangeSet(cluster string, plans map[resource.Kind]*KindPlan) *ChangeSet {
	cs := &ChangeSet{Cluster: cluster}

	kinds := resource.Kinds()
	for _, k := range kinds {
		plan := plans[k]
		if plan == nil {
			continue
		}
		for _, it := range plan.Items {
			if it.Op != OpDelete {
				cs.Items = append(cs.Items, it)
			}
		}
	}
	for i := len(kinds) - 1; i >= 0; i-- {
		plan := plans[kinds[i]]
		if plan == nil {
			continue
		}
		for _, it := range plan.Items {
			if it.Op == OpDelete {
				cs.Items = append(cs.Items, it)
			}
		}
	}
	return cs
}
