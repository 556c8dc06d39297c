package rancher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/corral-sh/corral/pkg/engine"
	"github.com/corral-sh/corral/pkg/resource"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewClient(ClientOptions{
		BaseURL: srv.URL,
		Token:   "secret-token",
		Logger:  zerolog.Nop(),
	})
	return c, srv
}

func TestListParsesCollectionAndStripsManagedFields(t *testing.T) {
	var gotAuth string
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/projects" || r.URL.Query().Get("clusterId") != "local" {
			t.Errorf("unexpected request %s %s", r.URL.Path, r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"id":              "p-1",
					"name":            "payments",
					"resourceVersion": "42",
					"description":     "payments team",
					"links":           map[string]any{"self": "..."},
					"type":            "project",
					"status":          map[string]any{"phase": "Active"},
				},
			},
		})
	}))
	defer srv.Close()

	resources, err := c.List(context.Background(), "local", resource.KindProject)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("auth header = %q", gotAuth)
	}
	if len(resources) != 1 {
		t.Fatalf("got %d resources", len(resources))
	}

	r := resources[0]
	if r.ID != "p-1" || r.Name != "payments" || r.Revision != "42" {
		t.Errorf("identity = %+v", r)
	}
	if _, ok := r.Attributes["links"]; ok {
		t.Error("hypermedia fields should be stripped")
	}
	if _, ok := r.Attributes["status"]; ok {
		t.Error("server-managed attributes should be stripped")
	}
	if r.Attributes["description"] != "payments team" {
		t.Errorf("attributes = %v", r.Attributes)
	}
}

func TestListConvergesWithRepoDocument(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{
					"id":              "p-abc",
					"name":            "payments",
					"resourceVersion": "42",
					"description":     "payments team",
					"links":           map[string]any{"self": "..."},
					"type":            "project",
				},
			},
		})
	}))
	defer srv.Close()

	live, err := c.List(context.Background(), "local", resource.KindProject)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("got %d resources", len(live))
	}

	// The same resource as an operator would write it in the repo: name is
	// identity, only real configuration lives in the attribute tree.
	desired, err := resource.Normalize(resource.Document{
		Kind:        "Project",
		Name:        "payments",
		ClusterName: "local",
		Attributes:  map[string]any{"description": "payments team"},
	})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if _, ok := live[0].Attributes["name"]; ok {
		t.Error("name must stay out of the attribute tree")
	}
	if patch := engine.DiffAttributes(live[0].Attributes, desired.Attributes); len(patch) != 0 {
		t.Errorf("identical states must produce an empty patch, got %+v", patch)
	}
}

func TestListExcludesMalformedObjects(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"id": "p-1", "name": "good"},
				{"description": "no identity at all"},
			},
		})
	}))
	defer srv.Close()

	resources, err := c.List(context.Background(), "local", resource.KindProject)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(resources) != 1 || resources[0].ID != "p-1" {
		t.Errorf("resources = %+v", resources)
	}
}

func TestCreatePostsAndReturnsAssignedIdentity(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/projects" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["clusterId"] != "local" || body["name"] != "payments" {
			t.Errorf("body = %v", body)
		}
		body["id"] = "p-new"
		body["resourceVersion"] = "1"
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	created, err := c.Create(context.Background(), &resource.Resource{
		Kind: resource.KindProject, Name: "payments", ClusterName: "local",
		Attributes: map[string]any{"description": "x"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID != "p-new" || created.Revision != "1" {
		t.Errorf("created = %+v", created)
	}
}

func TestUpdateDetectsRevisionConflictBeforeWriting(t *testing.T) {
	puts := 0
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "p-1", "name": "payments", "resourceVersion": "43",
			})
		case http.MethodPut:
			puts++
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	// Planned against revision 42, live moved to 43.
	_, err := c.Update(context.Background(), "local", resource.KindProject, "p-1",
		[]resource.PatchOp{{Action: resource.PatchReplace, Path: "/description", Value: "x"}}, "42")
	if !engine.IsConflict(err) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if puts != 0 {
		t.Error("conflicting update must not reach the write path")
	}
}

func TestUpdateAppliesPatchToCurrentState(t *testing.T) {
	var putBody map[string]any
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id": "p-1", "name": "payments", "resourceVersion": "42",
				"description": "old", "untouched": "keep",
			})
		case http.MethodPut:
			_ = json.NewDecoder(r.Body).Decode(&putBody)
			putBody["resourceVersion"] = "43"
			_ = json.NewEncoder(w).Encode(putBody)
		}
	}))
	defer srv.Close()

	updated, err := c.Update(context.Background(), "local", resource.KindProject, "p-1",
		[]resource.PatchOp{{Action: resource.PatchReplace, Path: "/description", Value: "new"}}, "42")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if putBody["description"] != "new" || putBody["untouched"] != "keep" {
		t.Errorf("put body = %v", putBody)
	}
	if updated.Revision != "43" {
		t.Errorf("updated revision = %q", updated.Revision)
	}
}

func TestDeleteToleratesAlreadyGone(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := c.Delete(context.Background(), "local", resource.KindProject, "p-1"); err != nil {
		t.Errorf("Delete of absent resource = %v, want nil", err)
	}
}

func TestStatusErrorTaxonomy(t *testing.T) {
	tests := []struct {
		status    int
		wantClass engine.ErrorClass
		wantCode  string
	}{
		{http.StatusConflict, engine.ErrorClassConflict, engine.ErrCodeConflictingRevision},
		{http.StatusNotFound, engine.ErrorClassPermanent, engine.ErrCodeNotFound},
		{http.StatusUnauthorized, engine.ErrorClassTransient, engine.ErrCodeUnauthorized},
		{http.StatusForbidden, engine.ErrorClassTransient, engine.ErrCodeUnauthorized},
		{http.StatusTooManyRequests, engine.ErrorClassTransient, engine.ErrCodeUnavailable},
		{http.StatusBadGateway, engine.ErrorClassTransient, engine.ErrCodeUnavailable},
		{http.StatusBadRequest, engine.ErrorClassPermanent, engine.ErrCodeValidation},
	}

	for _, tt := range tests {
		e := statusError(tt.status, nil)
		if e.Class != tt.wantClass {
			t.Errorf("status %d: class = %s, want %s", tt.status, e.Class, tt.wantClass)
		}
		if e.Code != tt.wantCode {
			t.Errorf("status %d: code = %s, want %s", tt.status, e.Code, tt.wantCode)
		}
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	c, srv := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := c.List(context.Background(), "local", resource.KindProject)
	if !engine.IsRetryable(err) {
		t.Errorf("network error = %v, want transient", err)
	}
}
