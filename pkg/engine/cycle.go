package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/corral-sh/corral/pkg/resource"
	"github.com/corral-sh/corral/pkg/telemetry"
)

// Reconciler runs one convergence cycle for one cluster: pull the repo,
// plan every kind, gate the change set, apply it, persist snapshots, and
// in capture mode commit the result to history.
type Reconciler struct {
	cluster   string
	direction Direction

	// desired is the convergence source, observed the convergence target.
	// Enforce mode: desired=repo, observed=live. Capture mode the reverse.
	desired  Source
	observed Source

	history   History
	snapshots SnapshotStore
	gate      PolicyGate

	planner *Planner
	applier *Applier

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// ReconcilerOptions wires a Reconciler.
type ReconcilerOptions struct {
	Cluster   string
	Direction Direction
	Repo      Source
	Live      Source
	History   History
	Snapshots SnapshotStore
	Gate      PolicyGate
	Prune     bool
	Applier   ApplierOptions
	Logger    zerolog.Logger
	Metrics   *telemetry.Metrics
	Tracer    *telemetry.Tracer
}

// NewReconciler creates a reconciler for one cluster. The convergence
// direction is fixed for the lifetime of the process.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	r := &Reconciler{
		cluster:   opts.Cluster,
		direction: opts.Direction,
		history:   opts.History,
		snapshots: opts.Snapshots,
		gate:      opts.Gate,
		planner:   &Planner{Prune: opts.Prune},
		logger: opts.Logger.With().
			Str("component", "reconciler").
			Str("cluster", opts.Cluster).
			Logger(),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	if r.tracer == nil {
		// A disabled tracer still produces spans, they just never export.
		r.tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "corral", "", "")
	}
	if opts.Direction == DirectionCapture {
		r.desired, r.observed = opts.Live, opts.Repo
	} else {
		r.desired, r.observed = opts.Repo, opts.Live
	}
	r.applier = NewApplier(r.observed, opts.Applier)
	return r
}

// Plan pulls the repo and computes the cluster-wide change set without
// applying anything. Used by dry runs; the same code path feeds RunCycle
// so a dry run and a real cycle always agree. The outcome slice carries
// the would-be deletes suppressed by a disabled prune flag.
func (r *Reconciler) Plan(ctx context.Context) (*ChangeSet, []ApplyOutcome, []*Error, error) {
	if err := r.history.Pull(ctx); err != nil {
		return nil, nil, nil, NewTransientError("repo pull failed", err).WithOperation("pull")
	}
	cs, preSkips, planErrs := r.plan(ctx)
	return cs, preSkips, planErrs, nil
}

func (r *Reconciler) plan(ctx context.Context) (*ChangeSet, []ApplyOutcome, []*Error) {
	var (
		mu        sync.Mutex
		plans     = make(map[resource.Kind]*KindPlan)
		preSkips  []ApplyOutcome
		planErrs  []*Error
		planGroup errgroup.Group
	)

	// Kinds plan concurrently; their dependencies are one-directional and
	// planning never mutates, so there is nothing to order here.
	for _, kind := range resource.Kinds() {
		planGroup.Go(func() error {
			desired, err := r.desired.List(ctx, r.cluster, kind)
			if err != nil {
				mu.Lock()
				planErrs = append(planErrs, classify(err).WithResource(string(kind)).WithOperation("list desired"))
				mu.Unlock()
				return nil
			}
			observed, err := r.observed.List(ctx, r.cluster, kind)
			if err != nil {
				mu.Lock()
				planErrs = append(planErrs, classify(err).WithResource(string(kind)).WithOperation("list observed"))
				mu.Unlock()
				return nil
			}

			plan, err := r.planner.PlanKind(kind, desired, observed)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// One kind's planning failure never blocks the others.
				planErrs = append(planErrs, classify(err))
				return nil
			}
			plans[kind] = plan
			preSkips = append(preSkips, plan.Skipped...)
			return nil
		})
	}
	_ = planGroup.Wait()

	return BuildChangeSet(r.cluster, plans), preSkips, planErrs
}

// RunCycle executes one full reconciliation cycle and returns its result.
// It returns a non-nil error only when the cycle could not run at all
// (repo pull failure); every in-cycle failure is data on the result.
func (r *Reconciler) RunCycle(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{
		CycleID:   uuid.New().String(),
		Cluster:   r.cluster,
		Direction: r.direction,
		StartedAt: time.Now(),
	}
	ctx, span := r.tracer.StartCycleSpan(ctx, r.cluster, result.CycleID)
	defer span.End()
	span.SetAttributes(attribute.String("direction", string(r.direction)))

	if err := r.history.Pull(ctx); err != nil {
		pullErr := NewTransientError("repo pull failed", err).WithOperation("pull")
		telemetry.RecordError(span, pullErr)
		result.CompletedAt = time.Now()
		return result, pullErr
	}

	cs, preSkips, planErrs := r.plan(ctx)
	result.PlanErrors = planErrs
	result.Outcomes = append(result.Outcomes, preSkips...)

	cs = r.gateChangeSet(ctx, cs, result)

	r.annotateDrift(ctx, cs)

	outcomes := r.applier.Apply(ctx, cs)
	result.Outcomes = append(result.Outcomes, outcomes...)

	r.updateSnapshots(ctx, result)

	clean := len(planErrs) == 0
	for _, o := range result.Outcomes {
		if o.Status == OutcomeFailed {
			clean = false
		}
	}

	if r.direction == DirectionCapture {
		if rev, err := r.commitCapture(ctx, result); err != nil {
			r.logger.Error().Err(err).Msg("history commit failed, cycle marked unclean")
			clean = false
		} else if rev != "" {
			result.CommitRevision = rev
		}
	}

	result.Clean = clean
	result.CompletedAt = time.Now()
	r.tally(result)
	r.record(ctx, result)
	r.logSummary(result)
	return result, nil
}

// gateChangeSet runs the policy gate and converts denied items into
// skipped outcomes. A gate failure is logged and treated as allow-all:
// policy protects against planned mistakes, it must not wedge the daemon.
func (r *Reconciler) gateChangeSet(ctx context.Context, cs *ChangeSet, result *CycleResult) *ChangeSet {
	if r.gate == nil || len(cs.Items) == 0 {
		return cs
	}
	denied, err := r.gate.Check(ctx, cs)
	if err != nil {
		r.logger.Warn().Err(err).Msg("policy gate failed, proceeding without it")
		return cs
	}
	if len(denied) == 0 {
		return cs
	}

	kept := &ChangeSet{Cluster: cs.Cluster}
	for i, it := range cs.Items {
		if reason, ok := denied[i]; ok {
			result.Outcomes = append(result.Outcomes, ApplyOutcome{
				Op:     it.Op,
				Kind:   it.Kind,
				ID:     it.ID,
				Key:    it.Key,
				Status: OutcomeSkipped,
				Reason: "policy denied: " + reason,
			})
			continue
		}
		kept.Items = append(kept.Items, it)
	}
	return kept
}

// annotateDrift logs, for each update, whether the divergence is external
// drift (the target moved away from a state we previously confirmed) or a
// source-side change. Snapshot misses stay silent; the snapshot is an
// optimization, not a source of truth.
func (r *Reconciler) annotateDrift(ctx context.Context, cs *ChangeSet) {
	if r.snapshots == nil {
		return
	}
	for _, it := range cs.Items {
		if it.Op != OpUpdate || it.ID == "" {
			continue
		}
		snap, err := r.snapshots.Get(ctx, r.cluster, it.Kind, it.ID)
		if err != nil || snap == nil {
			continue
		}
		r.logger.Debug().
			Str("kind", string(it.Kind)).
			Str("id", it.ID).
			Bool("external_drift", snap.Revision != it.Revision).
			Msg("update planned")
	}
}

// updateSnapshots records confirmed state for every applied outcome.
func (r *Reconciler) updateSnapshots(ctx context.Context, result *CycleResult) {
	if r.snapshots == nil {
		return
	}
	for _, o := range result.Outcomes {
		if o.Status != OutcomeApplied {
			continue
		}
		switch o.Op {
		case OpCreate, OpUpdate:
			if o.Result == nil {
				continue
			}
			entry := &SnapshotEntry{
				Cluster:    r.cluster,
				Kind:       o.Kind,
				ID:         o.Result.ID,
				Name:       o.Result.Name,
				Attributes: o.Result.Attributes,
				Revision:   o.Result.Revision,
				CycleID:    result.CycleID,
				UpdatedAt:  time.Now(),
			}
			if err := r.snapshots.Upsert(ctx, entry); err != nil {
				r.logger.Warn().Err(err).Str("id", entry.ID).Msg("snapshot upsert failed")
			}
		case OpDelete:
			if err := r.snapshots.Delete(ctx, r.cluster, o.Kind, o.ID); err != nil {
				r.logger.Warn().Err(err).Str("id", o.ID).Msg("snapshot delete failed")
			}
		}
	}
}

// commitCapture commits the cycle's repo writes as one unit. Nothing to
// commit is not an error. Commit or push failure marks the cycle unclean;
// the next cycle re-derives drift from the adapters directly.
func (r *Reconciler) commitCapture(ctx context.Context, result *CycleResult) (string, error) {
	applied := 0
	for _, o := range result.Outcomes {
		if o.Status == OutcomeApplied {
			applied++
		}
	}
	if applied == 0 {
		return "", nil
	}

	rev, err := r.history.Commit(ctx, r.commitMessage(result))
	if err != nil {
		return "", NewTransientError("commit failed", err).WithCode(ErrCodeHistoryCommitFailed)
	}
	if err := r.history.Push(ctx); err != nil {
		return rev, NewTransientError("push failed", err).WithCode(ErrCodeHistoryCommitFailed)
	}
	return rev, nil
}

// commitMessage summarizes per-kind operation counts, e.g.
// "corral: capture local: Project 2 created, 1 updated; RoleTemplate 1 deleted".
func (r *Reconciler) commitMessage(result *CycleResult) string {
	counts := make(map[resource.Kind]*KindCounts)
	for _, o := range result.Outcomes {
		if o.Status != OutcomeApplied {
			continue
		}
		c, ok := counts[o.Kind]
		if !ok {
			c = &KindCounts{}
			counts[o.Kind] = c
		}
		switch o.Op {
		case OpCreate:
			c.Created++
		case OpUpdate:
			c.Updated++
		case OpDelete:
			c.Deleted++
		}
	}

	var parts []string
	for _, kind := range resource.Kinds() {
		c, ok := counts[kind]
		if !ok {
			continue
		}
		var ops []string
		if c.Created > 0 {
			ops = append(ops, fmt.Sprintf("%d created", c.Created))
		}
		if c.Updated > 0 {
			ops = append(ops, fmt.Sprintf("%d updated", c.Updated))
		}
		if c.Deleted > 0 {
			ops = append(ops, fmt.Sprintf("%d deleted", c.Deleted))
		}
		parts = append(parts, fmt.Sprintf("%s %s", kind, strings.Join(ops, ", ")))
	}
	return fmt.Sprintf("corral: capture %s: %s", r.cluster, strings.Join(parts, "; "))
}

func (r *Reconciler) tally(result *CycleResult) {
	for _, o := range result.Outcomes {
		c := result.countsFor(o.Kind)
		switch o.Status {
		case OutcomeApplied:
			switch o.Op {
			case OpCreate:
				c.Created++
			case OpUpdate:
				c.Updated++
			case OpDelete:
				c.Deleted++
			}
		case OutcomeSkipped:
			c.Skipped++
		case OutcomeFailed:
			c.Failed++
		}
		if r.metrics != nil {
			r.metrics.ObserveChangeItem(r.cluster, string(o.Kind), string(o.Op), string(o.Status))
		}
	}
	if r.metrics != nil {
		r.metrics.ObserveCycle(r.cluster, result.Clean, result.CompletedAt.Sub(result.StartedAt))
	}
}

func (r *Reconciler) record(ctx context.Context, result *CycleResult) {
	if r.snapshots == nil {
		return
	}
	rec := &CycleRecord{
		CycleID:        result.CycleID,
		Cluster:        result.Cluster,
		Direction:      result.Direction,
		Clean:          result.Clean,
		CommitRevision: result.CommitRevision,
		StartedAt:      result.StartedAt,
		CompletedAt:    result.CompletedAt,
	}
	for _, c := range result.ByKind {
		rec.Created += c.Created
		rec.Updated += c.Updated
		rec.Deleted += c.Deleted
		rec.Skipped += c.Skipped
		rec.Failed += c.Failed
	}
	if err := r.snapshots.RecordCycle(ctx, rec); err != nil {
		r.logger.Warn().Err(err).Msg("cycle record failed")
	}
}

func (r *Reconciler) logSummary(result *CycleResult) {
	evt := r.logger.Info()
	if !result.Clean {
		evt = r.logger.Warn()
	}
	created, updated, deleted, skipped, failed := 0, 0, 0, 0, 0
	for _, c := range result.ByKind {
		created += c.Created
		updated += c.Updated
		deleted += c.Deleted
		skipped += c.Skipped
		failed += c.Failed
	}
	evt.
		Str("cycle_id", result.CycleID).
		Str("direction", string(result.Direction)).
		Int("created", created).
		Int("updated", updated).
		Int("deleted", deleted).
		Int("skipped", skipped).
		Int("failed", failed).
		Int("plan_errors", len(result.PlanErrors)).
		Bool("clean", result.Clean).
		Dur("duration", result.CompletedAt.Sub(result.StartedAt)).
		Msg("cycle complete")
}
