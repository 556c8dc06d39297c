package engine

import (
	"context"

	"github.com/corral-sh/corral/pkg/resource"
)

// Source is the capability interface both state backends implement: the
// live platform API and the git-backed repo directory. The planner and
// applier are backend-agnostic; enforce and capture mode differ only in
// which Source is the convergence target.
type Source interface {
	// List returns every resource of a kind tracked for a cluster.
	List(ctx context.Context, cluster string, kind resource.Kind) ([]*resource.Resource, error)

	// Get fetches one resource by id.
	Get(ctx context.Context, cluster string, kind resource.Kind, id string) (*resource.Resource, error)

	// Create persists a new resource and returns it with id and revision
	// assigned by the backend.
	Create(ctx context.Context, r *resource.Resource) (*resource.Resource, error)

	// Update applies a patch to the resource identified by id. revision is
	// the version observed at plan time; backends that can detect
	// concurrent modification fail with a conflict error when it is stale.
	Update(ctx context.Context, cluster string, kind resource.Kind, id string, patch []resource.PatchOp, revision string) (*resource.Resource, error)

	// Delete removes the resource identified by id.
	Delete(ctx context.Context, cluster string, kind resource.Kind, id string) error
}

// History is the git collaborator: commit, push, pull, and the current
// revision of the repo working directory.
type History interface {
	Pull(ctx context.Context) error
	Commit(ctx context.Context, message string) (revision string, err error)
	Push(ctx context.Context) error
	CurrentRevision() (string, error)
}

// SnapshotStore persists the last attribute state this engine confirmed
// per (cluster, kind, id). It is an optimization, not a source of truth:
// losing it costs redundant no-op detection work, never correctness.
type SnapshotStore interface {
	Get(ctx context.Context, cluster string, kind resource.Kind, id string) (*SnapshotEntry, error)
	Upsert(ctx context.Context, entry *SnapshotEntry) error
	Delete(ctx context.Context, cluster string, kind resource.Kind, id string) error
	List(ctx context.Context, cluster string) ([]*SnapshotEntry, error)
	RecordCycle(ctx context.Context, rec *CycleRecord) error
}

// PolicyGate screens a planned change set before it is applied. Denied
// items are skipped, not failed.
type PolicyGate interface {
	// Check returns the set of change-set item indexes that policy denies,
	// keyed by index, with a human-readable reason.
	Check(ctx context.Context, cs *ChangeSet) (map[int]string, error)
}
