// Package backend is the REST client for the warehouse backend.
package backend

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

	"github.com/google/uuid"

	"warehouse-overwatch/pkg/metrics"
	"warehouse-overwatch/pkg/normalize"
	"warehouse-overwatch/pkg/ontology"
	"warehouse-overwatch/pkg/shared"
)

// FieldError is one field-level validation failure.
type FieldError = shared.FieldDetail

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Message    string
	Details    []FieldError
}

func (e *APIError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("backend %d: %s", e.StatusCode, e.Message)
	}
	fields := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		if len(d.Loc) > 0 {
			fields = append(fields, strings.Join(d.Loc, ".")+": "+d.Msg)
		} else {
			fields = append(fields, d.Msg)
		}
	}
	return fmt.Sprintf("backend %d: %s (%s)", e.StatusCode, e.Message, strings.Join(fields, "; "))
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8000",
		Timeout: 10 * time.Second,
	}
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	metrics    *metrics.Metrics
}

// NewClient builds a client. m may be nil.
func NewClient(cfg Config, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		metrics:    m,
	}
}

func (c *Client) ListRobots(ctx context.Context) ([]shared.Record, error) {
	return c.list(ctx, "list_robots", "/api/robots", "robots")
}

func (c *Client) ListShelves(ctx context.Context) ([]shared.Record, error) {
	return c.list(ctx, "list_shelves", "/api/shelves", "shelves")
}

func (c *Client) ListTasks(ctx context.Context) ([]shared.Record, error) {
	return c.list(ctx, "list_tasks", "/api/tasks", "tasks")
}

func (c *Client) ListZones(ctx context.Context) ([]shared.Record, error) {
	return c.list(ctx, "list_zones", "/api/zones", "zones")
}

func (c *Client) CreateTask(ctx context.Context, req ontology.CreateTaskRequest) (shared.Record, error) {
	return c.entity(ctx, "create_task", http.MethodPost, "/api/tasks", req)
}

func (c *Client) UpdateTaskStatus(ctx context.Context, taskID string, status ontology.TaskStatus) (shared.Record, error) {
	body := map[string]any{"status": status}
	return c.entity(ctx, "update_task_status", http.MethodPut, "/api/tasks/"+url.PathEscape(taskID)+"/status", body)
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	_, err := c.doJSON(ctx, "delete_task", http.MethodDelete, "/api/tasks/"+url.PathEscape(taskID), nil)
	return err
}

func (c *Client) RestoreShelf(ctx context.Context, shelfID string) (shared.Record, error) {
	return c.entity(ctx, "restore_shelf", http.MethodPost, "/api/shelves/"+url.PathEscape(shelfID)+"/restore", nil)
}

// SetShelfStorage persists a new storage position. Only the admin flow calls it.
func (c *Client) SetShelfStorage(ctx context.Context, shelfID string, pose ontology.Pose) (shared.Record, error) {
	body := map[string]float64{
		"storage_x":   pose.X,
		"storage_y":   pose.Y,
		"storage_yaw": pose.Yaw,
	}
	return c.entity(ctx, "set_shelf_storage", http.MethodPut, "/api/shelves/"+url.PathEscape(shelfID)+"/storage", body)
}

func (c *Client) DeleteShelf(ctx context.Context, shelfID string) error {
	_, err := c.doJSON(ctx, "delete_shelf", http.MethodDelete, "/api/shelves/"+url.PathEscape(shelfID), nil)
	return err
}

func (c *Client) list(ctx context.Context, op, path, key string) ([]shared.Record, error) {
	v, err := c.doJSON(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return []shared.Record{}, nil
	}
	recs := normalize.List(v, key)
	if recs == nil {
		return nil, fmt.Errorf("failed to parse %s: unexpected %T body", path, v)
	}
	return recs, nil
}

// entity returns the single object a command responded with, unwrapping a
// {"data": {...}} envelope. An empty body yields a nil record.
func (c *Client) entity(ctx context.Context, op, method, path string, body any) (shared.Record, error) {
	v, err := c.doJSON(ctx, op, method, path, body)
	if err != nil || v == nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to parse %s response: unexpected %T body", op, v)
	}
	if inner, ok := m["data"].(map[string]any); ok {
		m = inner
	}
	return shared.Record(m), nil
}

func (c *Client) doJSON(ctx context.Context, op, method, requestPath string, body any) (out any, err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveBackend(op, time.Since(start), err) }()

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s %s: %w", method, requestPath, err)
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, readErr)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseAPIError(resp.StatusCode, payload)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	return normalize.Decode(payload)
}

// parseAPIError reads {error, details} bodies. details may also appear as
// detail, either a string or a list of {loc, msg, type}.
func parseAPIError(status int, payload []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var body struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
		Detail  json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		apiErr.Message = strings.TrimSpace(string(payload))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
		return apiErr
	}

	apiErr.Message = errorMessage(body.Error)
	if apiErr.Message == "" {
		apiErr.Message = body.Message
	}
	for _, raw := range []json.RawMessage{body.Details, body.Detail} {
		if len(raw) == 0 {
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			if apiErr.Message == "" {
				apiErr.Message = text
			}
			continue
		}
		var details []struct {
			Loc  []any  `json:"loc"`
			Msg  string `json:"msg"`
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &details); err != nil {
			continue
		}
		for _, d := range details {
			fe := FieldError{Msg: d.Msg, Type: d.Type}
			for _, l := range d.Loc {
				fe.Loc = append(fe.Loc, fmt.Sprint(l))
			}
			apiErr.Details = append(apiErr.Details, fe)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// errorMessage accepts "error": "text" and "error": {"message": "text"}.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
