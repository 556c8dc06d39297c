package engine

import (
	"time"

	"github.com/corral-sh/corral/pkg/resource"
)

// ChangeOp is the operation a change item performs on the target source.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeItem is one element of a change set. Exactly one of Resource
// (create) or Patch (update) is populated; deletes carry only identity.
type ChangeItem struct {
	// Op is the operation to perform.
	Op ChangeOp `json:"op"`

	// Kind is the resource kind the item targets.
	Kind resource.Kind `json:"kind"`

	// ID identifies the target for updates and deletes. Empty for creates
	// of not-yet-created resources.
	ID string `json:"id,omitempty"`

	// Key is the natural key, kept for logging and dependency tracking.
	Key string `json:"key"`

	// Resource is the full desired resource for creates.
	Resource *resource.Resource `json:"-"`

	// Patch transforms the observed attribute tree into the desired one.
	Patch []resource.PatchOp `json:"patch,omitempty"`

	// Revision is the target's revision observed at plan time, used to
	// detect concurrent external modification during apply.
	Revision string `json:"revision,omitempty"`

	// Parents are the weak references the item's resource depends on.
	Parents []resource.ParentRef `json:"parents,omitempty"`
}

// ChangeSet is the ordered, cluster-wide sequence of changes one cycle
// applies. Creates and updates come first in kind dependency order;
// deletes follow in reverse dependency order.
type ChangeSet struct {
	Cluster string       `json:"cluster"`
	Items   []ChangeItem `json:"items"`
}

// Counts tallies change items by operation.
func (cs *ChangeSet) Counts() (creates, updates, deletes int) {
	for _, it := range cs.Items {
		switch it.Op {
		case OpCreate:
			creates++
		case OpUpdate:
			updates++
		case OpDelete:
			deletes++
		}
	}
	return
}

// OutcomeStatus is the terminal state of a single change item.
type OutcomeStatus string

const (
	OutcomeApplied OutcomeStatus = "applied"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// ApplyOutcome records what happened to one change item. The applier
// never raises past its boundary; every failure is data here.
type ApplyOutcome struct {
	// Op, Kind, ID and Key identify the item the outcome belongs to.
	Op   ChangeOp      `json:"op"`
	Kind resource.Kind `json:"kind"`
	ID   string        `json:"id,omitempty"`
	Key  string        `json:"key"`

	// Status is applied, skipped, or failed.
	Status OutcomeStatus `json:"status"`

	// Reason explains a skip ("dependency failed", "policy denied: ...").
	Reason string `json:"reason,omitempty"`

	// Err holds the classified failure for failed outcomes.
	Err *Error `json:"error,omitempty"`

	// Retriable reports whether the failure would be worth retrying in a
	// later cycle. Always false once in-cycle retries are exhausted.
	Retriable bool `json:"retriable"`

	// Attempts is how many adapter calls were made for this item.
	Attempts int `json:"attempts"`

	// Result is the resource as confirmed by the target, with assigned id
	// and revision. Set only for applied creates and updates.
	Result *resource.Resource `json:"-"`
}

// KindCounts are the per-kind operation tallies reported in the cycle
// summary and the commit message.
type KindCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// CycleResult is the full account of one reconciliation cycle for one
// cluster.
type CycleResult struct {
	// CycleID uniquely identifies the cycle.
	CycleID string `json:"cycle_id"`

	// Cluster is the tracked cluster the cycle ran for.
	Cluster string `json:"cluster"`

	// Direction is the convergence direction the cycle ran in.
	Direction Direction `json:"direction"`

	// Outcomes lists the per-item results in apply order.
	Outcomes []ApplyOutcome `json:"outcomes"`

	// PlanErrors carries per-kind planning failures (for example an
	// ambiguous natural-key match). Other kinds still proceed.
	PlanErrors []*Error `json:"plan_errors,omitempty"`

	// Clean is true iff no failed outcome remains after retries and the
	// history commit (when one was needed) succeeded.
	Clean bool `json:"clean"`

	// CommitRevision is the repo revision recorded for the cycle, when a
	// commit was made.
	CommitRevision string `json:"commit_revision,omitempty"`

	// ByKind tallies outcomes per kind.
	ByKind map[resource.Kind]*KindCounts `json:"by_kind"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// countsFor returns the mutable tally for a kind, allocating on first use.
func (r *CycleResult) countsFor(kind resource.Kind) *KindCounts {
	if r.ByKind == nil {
		r.ByKind = make(map[resource.Kind]*KindCounts)
	}
	c, ok := r.ByKind[kind]
	if !ok {
		c = &KindCounts{}
		r.ByKind[kind] = c
	}
	return c
}

// Direction is the convergence direction for a cluster, fixed at startup.
type Direction string

const (
	// DirectionEnforce treats the repo as the source of truth and applies
	// changes to the live system.
	DirectionEnforce Direction = "enforce"

	// DirectionCapture treats the live system as the source of truth and
	// records it into the repo.
	DirectionCapture Direction = "capture"
)

// SnapshotEntry is the last attribute state the engine successfully wrote
// or confirmed for one resource.
type SnapshotEntry struct {
	Cluster    string         `json:"cluster"`
	Kind       resource.Kind  `json:"kind"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
	Revision   string         `json:"revision"`
	CycleID    string         `json:"cycle_id"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// CycleRecord is the persisted per-cycle history row.
type CycleRecord struct {
	CycleID        string    `json:"cycle_id"`
	Cluster        string    `json:"cluster"`
	Direction      Direction `json:"direction"`
	Clean          bool      `json:"clean"`
	Created        int       `json:"created"`
	Updated        int       `json:"updated"`
	Deleted        int       `json:"deleted"`
	Skipped        int       `json:"skipped"`
	Failed         int       `json:"failed"`
	CommitRevision string    `json:"commit_revision,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}
