package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ToolError reports an unknown tool, invalid params, or a failed call to
// the external collaborator. It carries the upstream status and body for
// diagnostics; the core never retries on its own.
type ToolError struct {
	Status  int
	Message string
	Body    string
}

func (e *ToolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tool call failed %d: %s", e.Status, e.Body)
	}
	return e.Message
}

// Client is the HTTP client for the booking platform's tools API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a client for the collaborator at baseURL,
// authenticating with the shared service key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Call performs one HTTP request against the collaborator. GET params go
// on the query string; other methods send a JSON body. A non-nil confirm
// becomes the confirm query parameter, and idemKey (commit only) is
// forwarded as the Idempotency-Key header so the collaborator's own
// action log can deduplicate server-side.
func (c *Client) Call(ctx context.Context, path, method string, params map[string]any, confirm *bool, idemKey string) (json.RawMessage, error) {
	u, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, &ToolError{Message: fmt.Sprintf("invalid tool path: %v", err)}
	}

	query := u.Query()
	if confirm != nil {
		query.Set("confirm", fmt.Sprintf("%t", *confirm))
	}

	var body io.Reader
	if method == http.MethodGet {
		for k, v := range params {
			query.Set(k, fmt.Sprintf("%v", v))
		}
	} else {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, &ToolError{Message: fmt.Sprintf("encode params: %v", err)}
		}
		body = bytes.NewReader(payload)
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, &ToolError{Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ToolError{Message: fmt.Sprintf("tool call network error: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ToolError{Message: fmt.Sprintf("read tool response: %v", err)}
	}
	if resp.StatusCode >= 400 {
		return nil, &ToolError{Status: resp.StatusCode, Body: string(raw)}
	}

	if !json.Valid(raw) {
		// Non-JSON collaborator responses are wrapped, not dropped.
		wrapped, _ := json.Marshal(map[string]string{"raw": string(raw)})
		return wrapped, nil
	}
	return raw, nil
}

// Executor resolves tool names through the registry and runs them via
// the client.
type Executor struct {
	registry *Registry
	client   *Client
	logger   *slog.Logger
}

// NewExecutor binds a registry to a collaborator client.
func NewExecutor(reg *Registry, client *Client) *Executor {
	return &Executor{
		registry: reg,
		client:   client,
		logger:   slog.Default().With("component", "executor"),
	}
}

// Registry exposes the read-only tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs a tool. confirm=nil is a direct pass-through for
// read-only tools; confirm=false asks the collaborator for a dry-run
// preview; confirm=true performs the mutation.
func (e *Executor) Execute(ctx context.Context, name string, params map[string]any, confirm *bool, idemKey string) (json.RawMessage, error) {
	desc, ok := e.registry.Get(name)
	if !ok {
		return nil, &ToolError{Message: "unknown tool"}
	}
	if err := e.registry.ValidateParams(name, params); err != nil {
		return nil, err
	}

	path := desc.Path
	if strings.Contains(path, "{") {
		path = expandPath(path, params)
	}

	// The key only reaches the collaborator on commit; previews must
	// not burn a server-side idempotency slot.
	forwardKey := ""
	if confirm != nil && *confirm {
		forwardKey = idemKey
	}

	e.logger.InfoContext(ctx, "executing tool", "tool", name, "method", desc.Method, "confirm", confirmLabel(confirm))
	return e.client.Call(ctx, path, desc.Method, params, confirm, forwardKey)
}

// expandPath substitutes {param} segments from params. Params used in
// the path are still sent with the request, mirroring the collaborator's
// lenient contract.
func expandPath(path string, params map[string]any) string {
	for k, v := range params {
		path = strings.ReplaceAll(path, "{"+k+"}", url.PathEscape(fmt.Sprintf("%v", v)))
	}
	return path
}

func confirmLabel(confirm *bool) string {
	if confirm == nil {
		return "direct"
	}
	if *confirm {
		return "commit"
	}
	return "preview"
}
