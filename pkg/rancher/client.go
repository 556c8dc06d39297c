// Package rancher implements the live Source over the platform's v3 REST
// API: bearer-token auth, collection listing with cluster filtering, and
// revision-checked updates.
package rancher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/corral-sh/corral/pkg/codec"
	"github.com/corral-sh/corral/pkg/engine"
	"github.com/corral-sh/corral/pkg/resource"
)

// Client is the live Source. It is safe for concurrent use; the embedded
// http.Client handles connection pooling.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// BaseURL is the API root, e.g. https://rancher.example.com/v3.
	BaseURL string

	// Token is the bearer token for every request.
	Token string

	// HTTPClient overrides the transport; nil uses http.DefaultClient.
	// Per-call deadlines come from the request context, not from here.
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// NewClient creates a live API client.
func NewClient(opts ClientOptions) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		http:    hc,
		logger:  opts.Logger.With().Str("component", "live_client").Logger(),
	}
}

// collection is the API's list envelope.
type collection struct {
	Data []map[string]any `json:"data"`
}

// List fetches every resource of a kind scoped to one cluster.
func (c *Client) List(ctx context.Context, cluster string, kind resource.Kind) ([]*resource.Resource, error) {
	u := fmt.Sprintf("%s/%s?clusterId=%s", c.baseURL, resource.PathName(kind), url.QueryEscape(cluster))
	body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var col collection
	if err := json.Unmarshal(body, &col); err != nil {
		return nil, engine.NewPermanentError("list response decode failed", err).WithResource(string(kind))
	}

	resources := make([]*resource.Resource, 0, len(col.Data))
	for _, raw := range col.Data {
		r, err := fromAPI(kind, cluster, raw)
		if err != nil {
			c.logger.Warn().
				Str("code", engine.ErrCodeMalformedResource).
				Str("kind", string(kind)).
				Err(err).
				Msg("malformed api object excluded from cycle")
			continue
		}
		resources = append(resources, r)
	}
	return resources, nil
}

// Get fetches one resource by id.
func (c *Client) Get(ctx context.Context, cluster string, kind resource.Kind, id string) (*resource.Resource, error) {
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, resource.PathName(kind), url.PathEscape(id))
	body, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, engine.NewPermanentError("get response decode failed", err).WithResource(string(kind) + "/" + id)
	}
	return fromAPI(kind, cluster, raw)
}

// Create posts a new resource and returns it with the server-assigned id
// and revision.
func (c *Client) Create(ctx context.Context, r *resource.Resource) (*resource.Resource, error) {
	payload := toAPI(r)
	u := fmt.Sprintf("%s/%s", c.baseURL, resource.PathName(r.Kind))
	body, err := c.do(ctx, http.MethodPost, u, payload)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, engine.NewPermanentError("create response decode failed", err).WithResource(string(r.Kind) + "/" + r.Name)
	}
	return fromAPI(r.Kind, r.ClusterName, raw)
}

// Update re-reads the resource, verifies the plan-time revision, applies
// the patch, and puts the result back. A revision moved since planning
// fails with a conflict instead of clobbering the concurrent change.
func (c *Client) Update(ctx context.Context, cluster string, kind resource.Kind, id string, patch []resource.PatchOp, revision string) (*resource.Resource, error) {
	current, err := c.Get(ctx, cluster, kind, id)
	if err != nil {
		return nil, err
	}
	if revision != "" && current.Revision != revision {
		return nil, engine.NewConflictError(
			fmt.Sprintf("revision moved from %s to %s since planning", revision, current.Revision),
			nil,
		).WithResource(string(kind) + "/" + id).WithOperation("update")
	}

	attrs, err := resource.ApplyPatch(current.Attributes, patch)
	if err != nil {
		return nil, engine.NewPermanentError("patch apply failed", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(string(kind) + "/" + id)
	}
	current.Attributes = attrs

	u := fmt.Sprintf("%s/%s/%s", c.baseURL, resource.PathName(kind), url.PathEscape(id))
	body, err := c.do(ctx, http.MethodPut, u, toAPI(current))
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, engine.NewPermanentError("update response decode failed", err).WithResource(string(kind) + "/" + id)
	}
	return fromAPI(kind, cluster, raw)
}

// Delete removes a resource. An already-gone resource is not an error;
// the desired end state holds either way.
func (c *Client) Delete(ctx context.Context, cluster string, kind resource.Kind, id string) error {
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, resource.PathName(kind), url.PathEscape(id))
	_, err := c.do(ctx, http.MethodDelete, u, nil)
	if engine.IsNotFound(err) {
		return nil
	}
	return err
}

// do performs one API call and maps the response status onto the error
// taxonomy. The request context carries the per-call deadline.
func (c *Client) do(ctx context.Context, method, u string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, engine.NewPermanentError("request encode failed", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, engine.NewPermanentError("request build failed", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewTransientError("api call timed out", err).WithCode(engine.ErrCodeTimeout)
		}
		return nil, engine.NewTransientError("api call failed", err).WithCode(engine.ErrCodeUnavailable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, engine.NewTransientError("response read failed", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, statusError(resp.StatusCode, data)
}

// statusError maps an HTTP status onto the error taxonomy. Auth and
// throttling failures are transient: tokens get refreshed and rate limits
// pass, so a later attempt can succeed.
func statusError(status int, body []byte) *Error {
	msg := fmt.Sprintf("api returned %d", status)
	var detail struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &detail) == nil && detail.Message != "" {
		msg += ": " + detail.Message
	}

	switch {
	case status == http.StatusConflict:
		return engine.NewConflictError(msg, nil)
	case status == http.StatusNotFound:
		return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return engine.NewTransientError(msg, nil).WithCode(engine.ErrCodeUnauthorized)
	case status == http.StatusTooManyRequests:
		return engine.NewTransientError(msg, nil).WithCode(engine.ErrCodeUnavailable)
	case status >= 500:
		return engine.NewTransientError(msg, nil).WithCode(engine.ErrCodeUnavailable)
	default:
		return engine.NewPermanentError(msg, nil).WithCode(engine.ErrCodeValidation)
	}
}

// Error aliases the engine error type for callers that type-switch.
type Error = engine.Error

// fromAPI converts a raw API object into a resource: identity and
// revision lift out of the body, everything else stays in the attribute
// tree, and platform-managed fields are stripped the same way repo
// documents are normalized.
func fromAPI(kind resource.Kind, cluster string, raw map[string]any) (*resource.Resource, error) {
	doc := resource.Document{
		Kind:        string(kind),
		ClusterName: cluster,
		Attributes:  make(map[string]any, len(raw)),
	}
	for k, v := range raw {
		switch k {
		case "id":
			doc.ID, _ = v.(string)
		case "resourceVersion":
			doc.Revision = fmt.Sprintf("%v", v)
		case "name":
			// Identity, never attribute data; toAPI re-adds it on the way
			// out. Repo documents carry it top-level the same way.
			doc.Name, _ = v.(string)
		case "clusterId":
			// Carried in ClusterName; toAPI re-adds it on the way out.
		case "links", "actions", "type", "baseType", "uuid":
			// API hypermedia, never part of the desired state.
		default:
			doc.Attributes[k] = v
		}
	}
	// API trees decode with JSON number types; fold them into the same
	// canonical shape repo documents get so diffing sees equal trees.
	doc.Attributes = codec.Canonicalize(doc.Attributes)
	return resource.Normalize(doc)
}

// toAPI flattens a resource back into the API's object shape.
func toAPI(r *resource.Resource) map[string]any {
	out := make(map[string]any, len(r.Attributes)+3)
	for k, v := range r.Attributes {
		out[k] = v
	}
	if r.Name != "" {
		out["name"] = r.Name
	}
	if r.Kind == resource.KindProject || r.Kind == resource.KindProjectRoleTemplateBinding {
		out["clusterId"] = r.ClusterName
	}
	if r.Revision != "" {
		out["resourceVersion"] = r.Revision
	}
	return out
}
