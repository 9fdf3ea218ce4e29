package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 1 << 20
)

var errMissingBaseURL = errors.New("remote base url is required")

// Result is a successful remote response. ServerSnapshot is the
// authoritative entity state when the response body carries one.
type Result struct {
	StatusCode     int
	ServerSnapshot json.RawMessage
}

// RemoteClient performs the per-item sync calls. Production traffic goes
// through HTTPRemote; tests substitute fakes.
type RemoteClient interface {
	Create(ctx context.Context, entityType string, payload json.RawMessage) (Result, error)
	Update(ctx context.Context, entityType, entityID string, payload json.RawMessage) (Result, error)
	Delete(ctx context.Context, entityType, entityID string) (Result, error)
}

// HTTPRemoteConfig configures the REST client.
type HTTPRemoteConfig struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
}

// HTTPRemote syncs items against the remote REST service:
// POST /entities/<type>, PUT /entities/<type>/<id>,
// DELETE /entities/<type>/<id>.
type HTTPRemote struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPRemote constructs the REST client.
func NewHTTPRemote(cfg HTTPRemoteConfig) (*HTTPRemote, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &HTTPRemote{
		baseURL:   baseURL,
		authToken: cfg.AuthToken,
		client:    client,
	}, nil
}

// Create posts a new entity.
func (r *HTTPRemote) Create(ctx context.Context, entityType string, payload json.RawMessage) (Result, error) {
	return r.do(ctx, http.MethodPost, fmt.Sprintf("/entities/%s", entityType), payload)
}

// Update replaces an existing entity.
func (r *HTTPRemote) Update(ctx context.Context, entityType, entityID string, payload json.RawMessage) (Result, error) {
	return r.do(ctx, http.MethodPut, fmt.Sprintf("/entities/%s/%s", entityType, entityID), payload)
}

// Delete removes an entity.
func (r *HTTPRemote) Delete(ctx context.Context, entityType, entityID string) (Result, error) {
	return r.do(ctx, http.MethodDelete, fmt.Sprintf("/entities/%s/%s", entityType, entityID), nil)
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, payload json.RawMessage) (Result, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return Result{}, &NetworkError{Err: err}
	}
	request.Header.Set("Content-Type", "application/json")
	if r.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	response, err := r.client.Do(request)
	if err != nil {
		return Result{}, &NetworkError{Err: err}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return Result{}, &NetworkError{Err: err}
	}

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		return Result{
			StatusCode:     response.StatusCode,
			ServerSnapshot: snapshotFrom(responseBody),
		}, nil
	case response.StatusCode >= 400 && response.StatusCode < 500:
		return Result{}, &ValidationError{
			StatusCode: response.StatusCode,
			Err:        fmt.Errorf("%s %s: %s", method, path, responseText(responseBody)),
		}
	default:
		return Result{}, &ServerError{
			StatusCode: response.StatusCode,
			Err:        fmt.Errorf("%s %s: %s", method, path, responseText(responseBody)),
		}
	}
}

// snapshotFrom treats a JSON object body as the server's authoritative
// entity state. Empty and non-object bodies yield no snapshot.
func snapshotFrom(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	if !json.Valid(trimmed) {
		return nil
	}
	return json.RawMessage(trimmed)
}

func responseText(body []byte) string {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return "empty response body"
	}
	if len(text) > 256 {
		text = text[:256]
	}
	return text
}
