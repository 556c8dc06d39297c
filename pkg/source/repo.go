// Package source implements the git-backed repo Source: resource
// documents laid out as <cluster>/<kind>/<file> under the repo root, one
// resource per file, in JSON, YAML, or TOML.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/corral-sh/corral/pkg/codec"
	"github.com/corral-sh/corral/pkg/engine"
	"github.com/corral-sh/corral/pkg/resource"
)

// RepoSource reads and writes resource documents in a repo working
// directory. Every call re-reads the filesystem; the git layer decides
// when the directory content changes.
type RepoSource struct {
	root string

	// format is the encoding used for files this source creates. Existing
	// files keep whatever format their extension says.
	format codec.FileFormat

	logger zerolog.Logger
}

// NewRepoSource creates a repo source rooted at the repo working
// directory.
func NewRepoSource(root string, format codec.FileFormat, logger zerolog.Logger) *RepoSource {
	return &RepoSource{
		root:   root,
		format: format,
		logger: logger.With().Str("component", "repo_source").Logger(),
	}
}

// List decodes every document under <cluster>/<kind>/. Malformed
// documents are logged and excluded from the result; one bad file must
// not block the rest of the cycle.
func (s *RepoSource) List(ctx context.Context, cluster string, kind resource.Kind) ([]*resource.Resource, error) {
	dir := s.kindDir(cluster, kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, engine.NewTransientError("repo directory read failed", err).WithResource(string(kind))
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	resources := make([]*resource.Resource, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		r, err := s.load(path, cluster, kind)
		if err != nil {
			s.logger.Warn().
				Str("code", engine.ErrCodeMalformedResource).
				Str("path", path).
				Err(err).
				Msg("malformed document excluded from cycle")
			continue
		}
		resources = append(resources, r)
	}
	return resources, nil
}

// Get locates one resource by id.
func (s *RepoSource) Get(ctx context.Context, cluster string, kind resource.Kind, id string) (*resource.Resource, error) {
	_, r, err := s.find(cluster, kind, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Create writes a new document in the source's configured format. The
// repo assigns no ids or revisions of its own; the resource is stored as
// given.
func (s *RepoSource) Create(ctx context.Context, r *resource.Resource) (*resource.Resource, error) {
	dir := s.kindDir(r.ClusterName, r.Kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engine.NewTransientError("repo directory create failed", err)
	}

	path := filepath.Join(dir, s.fileName(r))
	if _, err := os.Stat(path); err == nil {
		return nil, engine.NewConflictError(fmt.Sprintf("document already exists: %s", path), nil)
	}
	if err := s.write(path, r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Update applies a patch to the document's attribute tree and rewrites
// the file in its existing format.
func (s *RepoSource) Update(ctx context.Context, cluster string, kind resource.Kind, id string, patch []resource.PatchOp, revision string) (*resource.Resource, error) {
	path, r, err := s.find(cluster, kind, id)
	if err != nil {
		return nil, err
	}

	attrs, err := resource.ApplyPatch(r.Attributes, patch)
	if err != nil {
		return nil, engine.NewPermanentError("patch apply failed", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(string(kind) + "/" + id)
	}
	r.Attributes = attrs
	r.Revision = revision

	if err := s.write(path, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Delete removes the document file.
func (s *RepoSource) Delete(ctx context.Context, cluster string, kind resource.Kind, id string) error {
	path, _, err := s.find(cluster, kind, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return engine.NewTransientError("document remove failed", err).WithResource(string(kind) + "/" + id)
	}
	return nil
}

func (s *RepoSource) kindDir(cluster string, kind resource.Kind) string {
	return filepath.Join(s.root, cluster, resource.PathName(kind))
}

// fileName names a new document after its id, falling back to the
// natural key for resources that have none yet.
func (s *RepoSource) fileName(r *resource.Resource) string {
	base := r.ID
	if base == "" {
		base = r.Name
	}
	// Platform ids can contain a namespace separator.
	base = strings.ReplaceAll(base, ":", "_")
	return base + "." + s.format.Extension()
}

// find scans the kind directory for the document whose id matches.
// Malformed documents are skipped here the same way List skips them.
func (s *RepoSource) find(cluster string, kind resource.Kind, id string) (string, *resource.Resource, error) {
	dir := s.kindDir(cluster, kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil, notFound(kind, id)
		}
		return "", nil, engine.NewTransientError("repo directory read failed", err).WithResource(string(kind))
	}

	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		r, err := s.load(path, cluster, kind)
		if err != nil {
			continue
		}
		if r.ID == id || (r.ID == "" && r.Name == id) {
			return path, r, nil
		}
	}
	return "", nil, notFound(kind, id)
}

func (s *RepoSource) load(path, cluster string, kind resource.Kind) (*resource.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	doc, err := codec.Decode(data, codec.FormatFromPath(path))
	if err != nil {
		return nil, err
	}
	if doc.Kind == "" {
		doc.Kind = string(kind)
	}
	if doc.ClusterName == "" {
		doc.ClusterName = cluster
	}

	r, err := resource.Normalize(doc)
	if err != nil {
		return nil, err
	}
	if r.Kind != kind {
		return nil, fmt.Errorf("document kind %q does not match directory %q", r.Kind, resource.PathName(kind))
	}
	if r.ClusterName != cluster {
		return nil, fmt.Errorf("document cluster %q does not match directory %q", r.ClusterName, cluster)
	}
	return r, nil
}

func (s *RepoSource) write(path string, r *resource.Resource) error {
	data, err := codec.Encode(resource.Serialize(r), codec.FormatFromPath(path))
	if err != nil {
		return engine.NewPermanentError("document encode failed", err).WithCode(engine.ErrCodeValidation)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return engine.NewTransientError("document write failed", err)
	}
	return nil
}

func notFound(kind resource.Kind, id string) *engine.Error {
	return engine.NewPermanentError(fmt.Sprintf("no document for %s %q", kind, id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(string(kind) + "/" + id)
}
