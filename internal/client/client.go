// Package client implements lifecycle.Backend against the markgate HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/markgate/internal/lifecycle"
	"github.com/shrimpsizemoose/markgate/internal/models"
)

var _ lifecycle.Backend = (*Client)(nil)

type Client struct {
	baseURL     string
	staff       string
	token       string
	staffHeader string
	tokenHeader string
	http        *http.Client
}

type Options struct {
	BaseURL     string
	Staff       string
	Token       string
	StaffHeader string
	// TokenHeader carries the bearer token; it must match [auth] token_header.
	TokenHeader string
	Timeout     time.Duration
}

func New(opts Options) *Client {
	if opts.StaffHeader == "" {
		opts.StaffHeader = "X-Staff-Id"
	}
	if opts.TokenHeader == "" {
		opts.TokenHeader = "Authorization"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		staff:       opts.Staff,
		token:       opts.Token,
		staffHeader: opts.StaffHeader,
		tokenHeader: opts.TokenHeader,
		http:        &http.Client{Timeout: opts.Timeout},
	}
}

func sheetPath(key models.SheetKey, suffix string) string {
	return fmt.Sprintf("/api/v1/%s/%s/%s", url.PathEscape(string(key.Assessment)), url.PathEscape(key.Subject), suffix)
}

func withQuery(path string, tc models.TeachingContext, extra url.Values) string {
	q := url.Values{}
	for k, v := range extra {
		q[k] = v
	}
	if tc.TeachingAssignmentID != "" {
		q.Set("teaching_assignment", tc.TeachingAssignmentID)
	}
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// errorOf turns a non-2xx response into the matching error kind.
func errorOf(op string, status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.NewPermissionError("session expired", fmt.Errorf("%s: %s", op, msg))
	case status == http.StatusConflict:
		return models.NewConflictError("%s", msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return models.NewValidationError("", "%s", msg)
	default:
		return models.NewTransientError(op, fmt.Errorf("status %d: %s", status, msg))
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	op := method + " " + path

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", op, err)
	}
	req.Header.Set(c.staffHeader, c.staff)
	if c.token != "" {
		req.Header.Set(c.tokenHeader, "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return models.NewTransientError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.NewTransientError(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Debug.Printf("%s returned %d: %s", op, resp.StatusCode, string(raw))
		return errorOf(op, resp.StatusCode, raw)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return models.NewTransientError(op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// FetchConfigOverride returns the per-assessment override stored on the server.
func (c *Client) FetchConfigOverride(ctx context.Context, key models.SheetKey) (*models.ConfigOverride, error) {
	var resp struct {
		Override *models.ConfigOverride `json:"override"`
	}
	if err := c.do(ctx, http.MethodGet, sheetPath(key, "config"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Override, nil
}

func (c *Client) FetchDraft(ctx context.Context, key models.SheetKey) (*models.Draft, error) {
	var resp struct {
		Draft *models.Draft `json:"draft"`
	}
	if err := c.do(ctx, http.MethodGet, sheetPath(key, "draft"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Draft, nil
}

func (c *Client) SaveDraft(ctx context.Context, key models.SheetKey, payload models.DraftPayload) error {
	return c.do(ctx, http.MethodPut, sheetPath(key, "draft"), payload, nil)
}

func (c *Client) FetchPublished(ctx context.Context, key models.SheetKey) (*models.PublishedMarks, error) {
	var resp struct {
		Published *models.PublishedMarks `json:"published"`
	}
	if err := c.do(ctx, http.MethodGet, sheetPath(key, "published"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Published, nil
}

func (c *Client) Publish(ctx context.Context, key models.SheetKey, sheet models.Sheet, tc models.TeachingContext) error {
	return c.do(ctx, http.MethodPost, withQuery(sheetPath(key, "publish"), tc, nil), sheet, nil)
}

func (c *Client) FetchMarkTableLock(ctx context.Context, key models.SheetKey, tc models.TeachingContext) (*models.MarkTableLock, error) {
	var resp struct {
		Lock *models.MarkTableLock `json:"lock"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery(sheetPath(key, "lock"), tc, nil), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lock, nil
}

func (c *Client) ConfirmMarkManagerLock(ctx context.Context, key models.SheetKey, tc models.TeachingContext) error {
	return c.do(ctx, http.MethodPost, withQuery(sheetPath(key, "lock/confirm"), tc, nil), nil, nil)
}

func (c *Client) FetchEditWindow(ctx context.Context, key models.SheetKey, scope models.Scope, tc models.TeachingContext) (*models.EditWindow, error) {
	var resp struct {
		Window *models.EditWindow `json:"window"`
	}
	path := withQuery(sheetPath(key, "edit-window"), tc, url.Values{"scope": {string(scope)}})
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Window, nil
}

func (c *Client) CreateEditRequest(ctx context.Context, in models.EditRequestInput) (*models.EditRequest, error) {
	var resp struct {
		Request *models.EditRequest `json:"request"`
	}
	body := map[string]string{"scope": string(in.Scope), "reason": in.Reason}
	if err := c.do(ctx, http.MethodPost, withQuery(sheetPath(in.Key, "edit-requests"), in.Teaching, nil), body, &resp); err != nil {
		return nil, err
	}
	return resp.Request, nil
}

func (c *Client) FetchMyLatestEditRequest(ctx context.Context, key models.SheetKey, scope models.Scope, tc models.TeachingContext) (*models.EditRequest, error) {
	var resp struct {
		Request *models.EditRequest `json:"request"`
	}
	path := withQuery(sheetPath(key, "edit-requests/latest"), tc, url.Values{"scope": {string(scope)}})
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Request, nil
}

func (c *Client) FetchPublishWindow(ctx context.Context, key models.SheetKey, tc models.TeachingContext) (*models.PublishWindow, error) {
	var resp struct {
		Window *models.PublishWindow `json:"window"`
	}
	if err := c.do(ctx, http.MethodGet, withQuery(sheetPath(key, "publish-window"), tc, nil), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Window, nil
}

func (c *Client) CreatePublishRequest(ctx context.Context, in models.PublishRequestInput) error {
	body := map[string]string{"reason": in.Reason}
	return c.do(ctx, http.MethodPost, withQuery(sheetPath(in.Key, "publish-requests"), in.Teaching, nil), body, nil)
}
