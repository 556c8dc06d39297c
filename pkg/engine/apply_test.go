package engine

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/corral-sh/corral/pkg/resource"
)

// fakeSource scripts per-key results for the applier.
type fakeSource struct {
	// errs maps a key to the error sequence its calls return. Exhausted
	// sequences succeed.
	errs  map[string][]error
	calls []string
}

func (f *fakeSource) next(key string) error {
	f.calls = append(f.calls, key)
	seq := f.errs[key]
	if len(seq) == 0 {
		return nil
	}
	err := seq[0]
	f.errs[key] = seq[1:]
	return err
}

func (f *fakeSource) List(ctx context.Context, cluster string, kind resource.Kind) ([]*resource.Resource, error) {
	return nil, nil
}

func (f *fakeSource) Get(ctx context.Context, cluster string, kind resource.Kind, id string) (*resource.Resource, error) {
	return nil, nil
}

func (f *fakeSource) Create(ctx context.Context, r *resource.Resource) (*resource.Resource, error) {
	if err := f.next(r.Key()); err != nil {
		return nil, err
	}
	out := r.Clone()
	out.ID = "id-" + r.Name
	out.Revision = "1"
	return out, nil
}

func (f *fakeSource) Update(ctx context.Context, cluster string, kind resource.Kind, id string, patch []resource.PatchOp, revision string) (*resource.Resource, error) {
	if err := f.next(id); err != nil {
		return nil, err
	}
	return &resource.Resource{Kind: kind, ID: id, ClusterName: cluster, Attributes: map[string]any{}}, nil
}

func (f *fakeSource) Delete(ctx context.Context, cluster string, kind resource.Kind, id string) error {
	return f.next(id)
}

func newTestApplier(target Source) (*Applier, *[]time.Duration) {
	a := NewApplier(target, ApplierOptions{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		Logger:    zerolog.Nop(),
	})
	var delays []time.Duration
	a.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	a.jitter = func() float64 { return 0 }
	return a, &delays
}

func TestApplyRetriesTransientWithBackoff(t *testing.T) {
	src := &fakeSource{errs: map[string][]error{
		"payments": {
			NewTransientError("unavailable", nil),
			NewTransientError("unavailable", nil),
		},
	}}
	a, delays := newTestApplier(src)

	cs := &ChangeSet{Cluster: "local", Items: []ChangeItem{{
		Op: OpCreate, Kind: resource.KindProject, Key: "payments",
		Resource: proj("", "payments", nil),
	}}}

	outcomes := a.Apply(context.Background(), cs)
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	o := outcomes[0]
	if o.Status != OutcomeApplied || o.Attempts != 3 {
		t.Errorf("outcome = %+v, want applied after 3 attempts", o)
	}
	if len(src.calls) != 3 {
		t.Errorf("made %d calls, want 3", len(src.calls))
	}
	if len(*delays) != 2 || (*delays)[0] != 500*time.Millisecond || (*delays)[1] != time.Second {
		t.Errorf("delays = %v, want [500ms 1s]", *delays)
	}
	if o.Result == nil || o.Result.ID != "id-payments" {
		t.Errorf("result = %+v, want created resource with assigned id", o.Result)
	}
}

func TestApplyExhaustedRetriesFail(t *testing.T) {
	src := &fakeSource{errs: map[string][]error{
		"payments": {
			NewTransientError("unavailable", nil),
			NewTransientError("unavailable", nil),
			NewTransientError("unavailable", nil),
		},
	}}
	a, _ := newTestApplier(src)

	cs := &ChangeSet{Cluster: "local", Items: []ChangeItem{{
		Op: OpCreate, Kind: resource.KindProject, Key: "payments",
		Resource: proj("", "payments", nil),
	}}}

	outcomes := a.Apply(context.Background(), cs)
	o := outcomes[0]
	if o.Status != OutcomeFailed || o.Attempts != 3 {
		t.Errorf("outcome = %+v, want failed after 3 attempts", o)
	}
	if o.Err == nil || o.Err.Class != ErrorClassTransient {
		t.Errorf("err = %+v", o.Err)
	}
}

func TestApplyConflictIsNotRetried(t *testing.T) {
	src := &fakeSource{errs: map[string][]error{
		"p-1": {NewConflictError("revision moved", nil)},
	}}
	a, delays := newTestApplier(src)

	cs := &ChangeSet{Cluster: "local", Items: []ChangeItem{{
		Op: OpUpdate, Kind: resource.KindProject, ID: "p-1", Key: "p-1",
		Patch: []resource.PatchOp{{Action: resource.PatchReplace, Path: "/v", Value: int64(2)}},
	}}}

	outcomes := a.Apply(context.Background(), cs)
	o := outcomes[0]
	if o.Status != OutcomeFailed || o.Attempts != 1 {
		t.Errorf("outcome = %+v, want failed on first attempt", o)
	}
	if len(*delays) != 0 {
		t.Errorf("conflict should not back off, slept %v", *delays)
	}
	if o.Err == nil || o.Err.Code != ErrCodeConflictingRevision {
		t.Errorf("err = %+v", o.Err)
	}
}

func TestApplyFailureDoesNotAbortIndependentItems(t *testing.T) {
	src := &fakeSource{errs: map[string][]error{
		"broken": {NewPermanentError("validation", nil)},
	}}
	a, _ := newTestApplier(src)

	cs := &ChangeSet{Cluster: "local", Items: []ChangeItem{
		{Op: OpCreate, Kind: resource.KindProject, Key: "broken", Resource: proj("", "broken", nil)},
		{Op: OpCreate, Kind: resource.KindProject, Key: "fine", Resource: proj("", "fine", nil)},
	}}

	outcomes := a.Apply(context.Background(), cs)
	if outcomes[0].Status != OutcomeFailed {
		t.Errorf("first outcome = %+v", outcomes[0])
	}
	if outcomes[1].Status != OutcomeApplied {
		t.Errorf("second outcome = %+v, independent item should still apply", outcomes[1])
	}
}

func TestApplySkipsDependentsOfFailedParents(t *testing.T) {
	src := &fakeSource{errs: map[string][]error{
		"payments": {NewPermanentError("validation", nil)},
	}}
	a, _ := newTestApplier(src)

	binding := &resource.Resource{
		Kind: resource.KindProjectRoleTemplateBinding, Name: "alice-owner",
		ClusterName: "local",
		Parents: []resource.ParentRef{
			{Kind: resource.KindProject, Name: "payments"},
		},
		Attributes: map[string]any{},
	}

	cs := &ChangeSet{Cluster: "local", Items: []ChangeItem{
		{Op: OpCreate, Kind: resource.KindProject, Key: "payments", Resource: proj("", "payments", nil)},
		{Op: OpCreate, Kind: resource.KindProjectRoleTemplateBinding, Key: "alice-owner",
			Resource: binding, Parents: binding.Parents},
	}}

	outcomes := a.Apply(context.Background(), cs)
	if outcomes[1].Status != OutcomeSkipped {
		t.Fatalf("dependent outcome = %+v, want skipped", outcomes[1])
	}
	if outcomes[1].Reason != "dependency failed: Project payments" {
		t.Errorf("reason = %q", outcomes[1].Reason)
	}
	// The dependent was never attempted.
	for _, call := range src.calls {
		if call == "alice-owner" {
			t.Error("dependent item should not reach the target")
		}
	}
}

func TestApplyShutdownSkipsRemainingItems(t *testing.T) {
	src := &fakeSource{errs: map[string][]error{}}
	a, _ := newTestApplier(src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cs := &ChangeSet{Cluster: "local", Items: []ChangeItem{
		{Op: OpCreate, Kind: resource.KindProject, Key: "first", Resource: proj("", "first", nil)},
		{Op: OpCreate, Kind: resource.KindProject, Key: "second", Resource: proj("", "second", nil)},
	}}

	outcomes := a.Apply(ctx, cs)
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}
	// The in-flight item finishes; the rest are skipped.
	if outcomes[0].Status != OutcomeApplied {
		t.Errorf("first outcome = %+v, in-flight item should finish", outcomes[0])
	}
	if outcomes[1].Status != OutcomeSkipped || outcomes[1].Reason != "shutdown requested" {
		t.Errorf("second outcome = %+v", outcomes[1])
	}
}
