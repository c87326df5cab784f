package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultHealthPath is the reachability endpoint of a PostgREST-style
// gateway. It reads no table, so row security never applies to it.
const DefaultHealthPath = "/health"

// REST is a Backend for a PostgREST-style HTTP API.
type REST struct {
	baseURL    string
	apiKey     string
	healthPath string
	client     *http.Client
}

// RESTOption configures a REST backend.
type RESTOption func(*REST)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) RESTOption {
	return func(r *REST) { r.client = c }
}

// WithHealthPath overrides DefaultHealthPath.
func WithHealthPath(p string) RESTOption {
	return func(r *REST) { r.healthPath = p }
}

// NewREST creates a backend rooted at baseURL. apiKey is sent both as the
// apikey header and as a bearer token.
func NewREST(baseURL, apiKey string, opts ...RESTOption) *REST {
	r := &REST{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		healthPath: DefaultHealthPath,
		client:     &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *REST) tableURL(t Table, query url.Values) string {
	u := r.baseURL + "/rest/v1/" + string(t)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func idFilter(id string) url.Values {
	return url.Values{"id": {"eq." + id}}
}

// do sends a request and decodes a JSON array of rows when out is set.
func (r *REST) do(ctx context.Context, op, method, target string, body any, prefer string, out *[]Row) error {
	var payload io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &Error{Code: ErrCodeRejected, Op: op, Err: fmt.Errorf("marshal body: %w", err)}
		}
		payload = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return &Error{Code: ErrCodeRejected, Op: op, Err: err}
	}
	if r.apiKey != "" {
		req.Header.Set("apikey", r.apiKey)
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &Error{Code: ErrCodeUnreachable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	if err := statusError(op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Code: ErrCodeUnreachable, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError maps an HTTP status to an error kind. Server errors,
// timeouts and rate limiting are transient; other client errors are not.
func statusError(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	e := &Error{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(msg)))}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		e.Code = ErrCodeNotFound
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		e.Code = ErrCodeUnreachable
	default:
		e.Code = ErrCodeRejected
	}
	return e
}

// Insert upserts on submission_fingerprint.
func (r *REST) Insert(ctx context.Context, t Table, row Row) (string, error) {
	const op = "insert"
	var out []Row
	target := r.tableURL(t, url.Values{"on_conflict": {"submission_fingerprint"}})
	if err := r.do(ctx, op, http.MethodPost, target, row,
		"return=representation,resolution=merge-duplicates", &out); err != nil {
		return "", err
	}
	if len(out) == 0 || out[0].ID == "" {
		return "", &Error{Code: ErrCodeUnreachable, Op: op, Err: fmt.Errorf("response carried no id")}
	}
	return out[0].ID, nil
}

// Update patches the row with id. An empty representation means no row
// matched.
func (r *REST) Update(ctx context.Context, t Table, id string, row Row) error {
	const op = "update"
	var out []Row
	row.ID = ""
	if err := r.do(ctx, op, http.MethodPatch, r.tableURL(t, idFilter(id)), row, "return=representation", &out); err != nil {
		return err
	}
	if len(out) == 0 {
		return &Error{Code: ErrCodeNotFound, Op: op, Err: fmt.Errorf("id %q", id)}
	}
	return nil
}

// Select returns one row.
func (r *REST) Select(ctx context.Context, t Table, id string) (Row, error) {
	const op = "select"
	q := idFilter(id)
	q.Set("select", "*")
	var out []Row
	if err := r.do(ctx, op, http.MethodGet, r.tableURL(t, q), nil, "", &out); err != nil {
		return Row{}, err
	}
	if len(out) == 0 {
		return Row{}, &Error{Code: ErrCodeNotFound, Op: op, Err: fmt.Errorf("id %q", id)}
	}
	return out[0], nil
}

// SelectAll returns every row, most recently modified first.
func (r *REST) SelectAll(ctx context.Context, t Table) ([]Row, error) {
	q := url.Values{"select": {"*"}, "order": {"last_modified.desc"}}
	out := []Row{}
	if err := r.do(ctx, "select all", http.MethodGet, r.tableURL(t, q), nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes the row with id.
func (r *REST) Delete(ctx context.Context, t Table, id string) error {
	return r.do(ctx, "delete", http.MethodDelete, r.tableURL(t, idFilter(id)), nil, "", nil)
}

// Health calls the health endpoint. Any 2xx answer means reachable.
func (r *REST) Health(ctx context.Context) error {
	return r.do(ctx, "health", http.MethodGet, r.baseURL+r.healthPath, nil, "", nil)
}
