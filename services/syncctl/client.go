package syncctl

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

	"syncd/pkg/artifact"
	"syncd/pkg/telemetry"
)

// APIError is a non-2xx answer from a publisher or consumer admin endpoint.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Code)
}

// IsConflict reports whether err is a 409 answer.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// Client calls the bearer-guarded admin routes of a publisher or consumer.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient validates baseURL and returns a client. A nil httpClient gets a traced
// client with timeout.
func NewClient(baseURL, token string, httpClient *http.Client, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = telemetry.NewHTTPClient(timeout)
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient}, nil
}

// Call sends body as JSON to path and returns the raw response document.
func (c *Client) Call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &failure)
		return nil, &APIError{Status: resp.StatusCode, Code: failure.Error}
	}
	return data, nil
}

func (c *Client) callInto(ctx context.Context, method, path string, body, out any) error {
	data, err := c.Call(ctx, method, path, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// VersionEntry is one row of a template's publish history.
type VersionEntry struct {
	Version     string    `json:"version"`
	Checksum    string    `json:"checksum"`
	PublishedAt time.Time `json:"published_at"`
}

// History lists every published version of id, newest first.
func (c *Client) History(ctx context.Context, id uuid.UUID) ([]VersionEntry, error) {
	var out struct {
		Versions []VersionEntry `json:"versions"`
	}
	if err := c.callInto(ctx, http.MethodGet, "/templates/"+id.String()+"/versions", nil, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

// Version fetches one stored artifact from the publisher.
func (c *Client) Version(ctx context.Context, id uuid.UUID, version string) (artifact.Artifact, error) {
	var out artifact.Artifact
	path := "/templates/" + id.String() + "/versions/" + url.PathEscape(version)
	if err := c.callInto(ctx, http.MethodGet, path, nil, &out); err != nil {
		return artifact.Artifact{}, err
	}
	return out, nil
}

// Publish registers draft as a new version of its template. The publisher assigns the
// checksum.
func (c *Client) Publish(ctx context.Context, draft artifact.Artifact) (artifact.Artifact, error) {
	body := map[string]any{
		"version": draft.Version,
		"name":    draft.Name,
		"slug":    draft.Slug,
		"type":    string(draft.Type),
		"payload": draft.Payload,
	}
	var out struct {
		Artifact artifact.Artifact `json:"artifact"`
	}
	path := "/templates/" + draft.GlobalTemplateID.String() + "/versions"
	if err := c.callInto(ctx, http.MethodPost, path, body, &out); err != nil {
		return artifact.Artifact{}, err
	}
	return out.Artifact, nil
}
