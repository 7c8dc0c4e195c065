// Package tools runs registered tools. Each tool is an HTTP endpoint that
// receives the call arguments as a JSON body and answers with a JSON result.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// maxResultBytes caps how much of a tool response is read.
const maxResultBytes = 1 << 20

var ErrUnknownTool = errors.New("unknown tool")

// StatusError is a non-2xx answer from a tool endpoint.
type StatusError struct {
	Tool string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tool %s returned %d", e.Tool, e.Code)
	}
	return fmt.Sprintf("tool %s returned %d: %s", e.Tool, e.Code, e.Body)
}

// Registry maps tool names to their endpoints.
type Registry struct {
	client    *http.Client
	endpoints map[string]string
}

// NewRegistry validates endpoints and returns a Registry. The client carries
// no timeout of its own; callers bound each call through ctx. A nil client
// uses a default one.
func NewRegistry(endpoints map[string]string, client *http.Client) (*Registry, error) {
	if client == nil {
		client = &http.Client{}
	}
	r := &Registry{client: client, endpoints: make(map[string]string, len(endpoints))}
	for name, raw := range endpoints {
		if name == "" {
			return nil, errors.New("tool name must not be empty")
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("tool %s: endpoint must be an absolute http(s) URL", name)
		}
		r.endpoints[name] = u.String()
	}
	return r, nil
}

// Has reports whether tool is registered.
func (r *Registry) Has(tool string) bool {
	_, ok := r.endpoints[tool]
	return ok
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.endpoints))
	for n := range r.endpoints {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke posts argsJSON to the tool's endpoint and returns its JSON result.
// Cancelling ctx aborts the request.
func (r *Registry) Invoke(ctx context.Context, tool, argsJSON string) (json.RawMessage, error) {
	endpoint, ok := r.endpoints[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	if strings.TrimSpace(argsJSON) == "" {
		argsJSON = "{}"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(argsJSON))
	if err != nil {
		return nil, fmt.Errorf("Invoke %s: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Invoke %s: %w", tool, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return nil, fmt.Errorf("Invoke %s: read response: %w", tool, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Tool: tool, Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("Invoke %s: response is not JSON", tool)
	}
	return json.RawMessage(body), nil
}
