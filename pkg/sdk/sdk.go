// Package sdk provides a Go client library for the authorization core's
// HTTP/JSON + WebSocket surface. Grounded on the teacher's pkg/client shape
// (one wrapper struct, a handful of focused per-operation methods, a
// context timeout per call) but reaching net/http and gorilla/websocket
// instead of a gRPC stub, since the wire surface here is HTTP/JSON + WS.
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cuemby/rebac-core/pkg/types"
	"github.com/cuemby/rebac-core/pkg/validate"
)

// defaultTimeout bounds every request method that does not take its own
// context deadline, mirroring the teacher client's per-call 10s timeout.
const defaultTimeout = 10 * time.Second

// Error wraps a non-2xx HTTP response into a typed client error, carrying
// the server's status code and error category so callers can branch on it
// without parsing the JSON body themselves.
type Error struct {
	StatusCode int
	Kind       string
	Details    string
}

func (e *Error) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("rebac: %s (http %d)", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("rebac: %s (http %d): %s", e.Kind, e.StatusCode, e.Details)
}

// Client is a thin wrapper around the HTTP/JSON API of one server address.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client against baseURL, e.g. "http://localhost:8080".
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("rebac: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("rebac: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rebac: %s %s: %w", method, path, err)
	}
	return resp, nil
}

// decode reads resp's body into out (if non-nil), translating a non-2xx
// status into an *Error with the server's reported category.
func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error   string `json:"error"`
			Details string `json:"details"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return &Error{StatusCode: resp.StatusCode, Kind: errBody.Error, Details: errBody.Details}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rebac: decode response: %w", err)
	}
	return nil
}

// Can reports whether subject holds capability on object, per GET
// /{tenant}/can.
func (c *Client) Can(ctx context.Context, tenant, subject, capability, object string) (bool, time.Duration, error) {
	q := url.Values{"subject": {subject}, "capability": {capability}, "object": {object}}
	resp, err := c.do(ctx, http.MethodGet, "/"+tenant+"/can", q, nil)
	if err != nil {
		return false, 0, err
	}
	var body struct {
		Allowed   bool    `json:"allowed"`
		LatencyMs float64 `json:"latency_ms"`
	}
	if err := decode(resp, &body); err != nil {
		return false, 0, err
	}
	return body.Allowed, time.Duration(body.LatencyMs * float64(time.Millisecond)), nil
}

// AccessibleObjects lists every object subject can reach under capability,
// per GET /{tenant}/accessible.
func (c *Client) AccessibleObjects(ctx context.Context, tenant, subject, capability string) ([]string, error) {
	q := url.Values{"subject": {subject}, "capability": {capability}}
	resp, err := c.do(ctx, http.MethodGet, "/"+tenant+"/accessible", q, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Objects []string `json:"objects"`
	}
	if err := decode(resp, &body); err != nil {
		return nil, err
	}
	return body.Objects, nil
}

// Accessors lists every subject that can reach object under capability,
// per GET /{tenant}/accessors.
func (c *Client) Accessors(ctx context.Context, tenant, object, capability string) ([]AccessorResult, error) {
	q := url.Values{"object": {object}, "capability": {capability}}
	resp, err := c.do(ctx, http.MethodGet, "/"+tenant+"/accessors", q, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Accessors []AccessorResult `json:"accessors"`
	}
	if err := decode(resp, &body); err != nil {
		return nil, err
	}
	return body.Accessors, nil
}

// AccessorResult mirrors the wire shape of one entry in an Accessors response.
type AccessorResult struct {
	Subject string `json:"subject"`
	Source  string `json:"source"`
}

// Stats fetches tenant counters, per GET /{tenant}/stats.
func (c *Client) Stats(ctx context.Context, tenant string) (types.TenantStats, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+tenant+"/stats", nil, nil)
	if err != nil {
		return types.TenantStats{}, err
	}
	var stats types.TenantStats
	if err := decode(resp, &stats); err != nil {
		return types.TenantStats{}, err
	}
	return stats, nil
}

// GrantResult is the response to Grant/bulk-grant operations.
type GrantResult struct {
	EdgeID  string `json:"edge_id"`
	Version uint64 `json:"version"`
}

// Grant creates (or idempotently re-affirms) a permission edge, per POST
// /{tenant}/grant.
func (c *Client) Grant(ctx context.Context, tenant, source, target, relType string, properties map[string]any) (GrantResult, error) {
	body := map[string]any{"source": source, "target": target, "type": relType, "properties": properties}
	resp, err := c.do(ctx, http.MethodPost, "/"+tenant+"/grant", nil, body)
	if err != nil {
		return GrantResult{}, err
	}
	var out GrantResult
	if err := decode(resp, &out); err != nil {
		return GrantResult{}, err
	}
	return out, nil
}

// RevokeByID revokes a specific edge by id, per POST /{tenant}/revoke.
func (c *Client) RevokeByID(ctx context.Context, tenant, edgeID string) (uint64, error) {
	return c.revoke(ctx, tenant, map[string]any{"edge_id": edgeID})
}

// RevokeByTuple revokes the live edge matching (relType, source, target,
// capability), the convenience form of POST /{tenant}/revoke that does not
// require knowing the edge id.
func (c *Client) RevokeByTuple(ctx context.Context, tenant, relType, source, target, capability string) (uint64, error) {
	return c.revoke(ctx, tenant, map[string]any{
		"type": relType, "source": source, "target": target, "capability": capability,
	})
}

func (c *Client) revoke(ctx context.Context, tenant string, body map[string]any) (uint64, error) {
	resp, err := c.do(ctx, http.MethodPost, "/"+tenant+"/revoke", nil, body)
	if err != nil {
		return 0, err
	}
	var out struct {
		Version uint64 `json:"version"`
	}
	if err := decode(resp, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

// BulkOp is one operation in a Bulk request: Op is "grant" or "revoke" and
// Request is the matching request body for that operation.
type BulkOp struct {
	Op      string `json:"op"`
	Request any    `json:"request"`
}

// BulkResult is one entry of a Bulk response.
type BulkResult struct {
	Status  string `json:"status"`
	EdgeID  string `json:"edge_id,omitempty"`
	Version uint64 `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Bulk submits operations in order, per POST /{tenant}/bulk; the first
// failure aborts the remainder, which come back with status "skipped".
func (c *Client) Bulk(ctx context.Context, tenant string, ops []BulkOp) ([]BulkResult, error) {
	resp, err := c.do(ctx, http.MethodPost, "/"+tenant+"/bulk", nil, map[string]any{"operations": ops})
	if err != nil {
		return nil, err
	}
	var out struct {
		Results []BulkResult `json:"results"`
	}
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Validate checks a client-supplied proof (an ordered edge id chain)
// against the server's live ledger state, per POST /{tenant}/validate.
func (c *Client) Validate(ctx context.Context, tenant string, proof validate.Proof) (validate.Result, error) {
	body := map[string]any{
		"subject": proof.Subject, "object": proof.Object, "capability": proof.Capability,
		"edge_ids": proof.EdgeIDs, "eval_version": proof.EvalVersion,
	}
	resp, err := c.do(ctx, http.MethodPost, "/"+tenant+"/validate", nil, body)
	if err != nil {
		return validate.Result{}, err
	}
	// A 403 here is still a well-formed Result (Allowed: false); decode
	// its body instead of surfacing it as an *Error.
	defer resp.Body.Close()
	var result validate.Result
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusForbidden {
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return validate.Result{}, fmt.Errorf("rebac: decode validate response: %w", err)
		}
		return result, nil
	}
	var errBody struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&errBody)
	return validate.Result{}, &Error{StatusCode: resp.StatusCode, Kind: errBody.Error, Details: errBody.Details}
}

// GetSchema fetches the active compiled schema, per GET /{tenant}/schema.
func (c *Client) GetSchema(ctx context.Context, tenant string) (types.Schema, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+tenant+"/schema", nil, nil)
	if err != nil {
		return types.Schema{}, err
	}
	var schema types.Schema
	if err := decode(resp, &schema); err != nil {
		return types.Schema{}, err
	}
	return schema, nil
}

// UploadSchema uploads new schema source (YAML), returning the assigned
// version number, per PUT /{tenant}/schema.
func (c *Client) UploadSchema(ctx context.Context, tenant string, source []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/"+tenant+"/schema", bytes.NewReader(source))
	if err != nil {
		return 0, fmt.Errorf("rebac: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/yaml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("rebac: PUT schema: %w", err)
	}
	var out struct {
		Version int `json:"version"`
	}
	if err := decode(resp, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

// ActivateSchema activates a previously uploaded version, per POST
// /{tenant}/schema/activate/{version}.
func (c *Client) ActivateSchema(ctx context.Context, tenant string, version int) error {
	return c.schemaTransition(ctx, tenant, "activate", version)
}

// RollbackSchema reverts to a previously active version, per POST
// /{tenant}/schema/rollback/{version}.
func (c *Client) RollbackSchema(ctx context.Context, tenant string, version int) error {
	return c.schemaTransition(ctx, tenant, "rollback", version)
}

func (c *Client) schemaTransition(ctx context.Context, tenant, verb string, version int) error {
	path := "/" + tenant + "/schema/" + verb + "/" + strconv.Itoa(version)
	resp, err := c.do(ctx, http.MethodPost, path, nil, nil)
	if err != nil {
		return err
	}
	return decode(resp, nil)
}

// wsURL rewrites the client's http(s) base URL into a ws(s) one for the
// given tenant's Sync Hub endpoint.
func (c *Client) wsURL(tenant string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("rebac: parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + tenant + "/ws"
	return u.String(), nil
}

// Subscription is a live WebSocket connection to one tenant's Sync Hub.
type Subscription struct {
	conn   *websocket.Conn
	Frames <-chan Frame
	errs   <-chan error
}

// Frame mirrors the wire envelope of pkg/synchub's Frame type, independent
// of that package so sdk callers need not import the server's internals.
type Frame struct {
	Type      string                 `json:"type"`
	Version   uint64                 `json:"version,omitempty"`
	From      uint64                 `json:"from,omitempty"`
	To        uint64                 `json:"to,omitempty"`
	Mutations []types.MutationEntry  `json:"mutations,omitempty"`
	ClientID  string                 `json:"client_id,omitempty"`
	Kind      types.MutationKind     `json:"kind,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Message   string                 `json:"message,omitempty"`
}

// Subscribe opens a WebSocket connection to the tenant's Sync Hub and
// announces fromVersion as the caller's last-known version, so the server
// can decide between a catch-up replay and a full-resync directive.
// Frames arrives until ctx is canceled or the connection closes; Err
// surfaces the terminal read error, if any.
func (c *Client) Subscribe(ctx context.Context, tenant string, fromVersion uint64) (*Subscription, error) {
	target, err := c.wsURL(tenant)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("rebac: dial %s: %w", target, err)
	}

	if err := conn.WriteJSON(Frame{Type: "version", Version: fromVersion}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rebac: send version frame: %w", err)
	}

	frames := make(chan Frame, 16)
	errs := make(chan error, 1)
	sub := &Subscription{conn: conn, Frames: frames, errs: errs}

	go func() {
		defer close(frames)
		defer close(errs)
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				errs <- err
				return
			}
			if f.Type == "ping" {
				_ = conn.WriteJSON(Frame{Type: "pong"})
				continue
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	return sub, nil
}

// Mutate submits an optimistic grant or revoke over the WebSocket
// connection, to be acked or rejected asynchronously on Frames.
func (s *Subscription) Mutate(clientID string, kind types.MutationKind, payload map[string]interface{}) error {
	return s.conn.WriteJSON(Frame{Type: "mutate", ClientID: clientID, Kind: kind, Payload: payload})
}

// Err returns the terminal error that ended the Frames channel, if the
// channel has closed; it blocks until that happens.
func (s *Subscription) Err() error { return <-s.errs }

// Close closes the underlying WebSocket connection.
func (s *Subscription) Close() error { return s.conn.Close() }
