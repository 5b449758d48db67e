package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPGraph is a thin HTTP client for the graph service's write API.
// It handles Bearer token authentication, JSON marshaling, and
// automatic retry with exponential backoff on 429 and 5xx responses.
type HTTPGraph struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	retryWait  time.Duration
}

// NewHTTPGraph creates a graph client. The baseURL should be the root
// URL of the graph service (e.g. http://localhost:8745).
func NewHTTPGraph(baseURL, token string) *HTTPGraph {
	return &HTTPGraph{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 3,
		retryWait:  time.Second,
	}
}

type contentRequest struct {
	Content string `json:"content"`
}

type contentResponse struct {
	SourceID string `json:"source_id"`
}

type nodeRequest struct {
	ID   string         `json:"id"`
	Type string         `json:"type"`
	Meta map[string]any `json:"meta,omitempty"`
}

type nodeResponse struct {
	ID string `json:"id"`
}

type linkRequest struct {
	Source string         `json:"source"`
	Target string         `json:"target"`
	Type   string         `json:"type"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// IngestContent stores text content-addressed via POST /api/content.
func (g *HTTPGraph) IngestContent(ctx context.Context, text string) (string, error) {
	var resp contentResponse
	err := g.do(ctx, http.MethodPost, "/api/content", contentRequest{Content: text}, &resp)
	if err != nil {
		return "", fmt.Errorf("ingesting content: %w", err)
	}
	return resp.SourceID, nil
}

// CreateNode upserts a node via POST /api/nodes. The service treats a
// repeated id as a no-op and returns the existing node.
func (g *HTTPGraph) CreateNode(ctx context.Context, nodeType, key string, meta map[string]any) (string, error) {
	var resp nodeResponse
	err := g.do(ctx, http.MethodPost, "/api/nodes", nodeRequest{
		ID:   key,
		Type: nodeType,
		Meta: meta,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("creating %s node %s: %w", nodeType, key, err)
	}
	if resp.ID == "" {
		return key, nil
	}
	return resp.ID, nil
}

// CreateLink upserts an edge via POST /api/links. A 404 means the
// target does not exist yet; per the contract that is silent success —
// the edge simply never materializes.
func (g *HTTPGraph) CreateLink(ctx context.Context, source, target, linkType string, meta map[string]any) error {
	err := g.do(ctx, http.MethodPost, "/api/links", linkRequest{
		Source: source,
		Target: target,
		Type:   linkType,
		Meta:   meta,
	}, nil)
	if err != nil {
		var httpErr *apiError
		if errors.As(err, &httpErr) && httpErr.status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("linking %s -%s-> %s: %w", source, linkType, target, err)
	}
	return nil
}

// PatchNode merges meta into a node via PATCH /api/nodes/{id}.
func (g *HTTPGraph) PatchNode(ctx context.Context, nodeID string, meta map[string]any) error {
	path := "/api/nodes/" + url.PathEscape(nodeID)
	if err := g.do(ctx, http.MethodPatch, path, map[string]any{"meta": meta}, nil); err != nil {
		return fmt.Errorf("patching node %s: %w", nodeID, err)
	}
	return nil
}

// do is the core HTTP method that builds the request, handles auth,
// retry with exponential backoff, and JSON (de)serialization.
func (g *HTTPGraph) do(ctx context.Context, method, path string, body, result any) error {
	endpoint := g.baseURL + path

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(
			ctx, method, endpoint, bytes.NewReader(payload),
		)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode >= 500 {
			lastErr = &apiError{
				status: resp.StatusCode,
				body:   string(respBody),
				op:     method + " " + path,
			}
			if attempt == g.maxRetries {
				break
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.backoff(attempt)):
				continue
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &apiError{
				status: resp.StatusCode,
				body:   string(respBody),
				op:     method + " " + path,
			}
		}

		if result != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, result); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("retries exhausted: %w", lastErr)
}

// backoff returns the wait before retry attempt n: 1s, 2s, 4s, ...
func (g *HTTPGraph) backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * g.retryWait
}

// apiError is a non-2xx response from the graph service.
type apiError struct {
	status int
	body   string
	op     string
}

func (e *apiError) Error() string {
	msg := strings.TrimSpace(e.body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Sprintf("graph API error (%d) on %s: %s", e.status, e.op, msg)
}
