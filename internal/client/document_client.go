package client

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

	"github.com/weiawesome/wes-collab/internal/domain"
)

// Errors
var (
	ErrUnauthorized = errors.New("session expired or credential rejected")
	ErrForbidden    = errors.New("permission denied")
	ErrNotFound     = errors.New("document not found")
	ErrBadRequest   = errors.New("bad request")
)

// DocumentClient wraps the document HTTP API.
type DocumentClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewDocumentClient creates a client that authenticates every request with
// token.
func NewDocumentClient(baseURL, token string, timeout time.Duration) *DocumentClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DocumentClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// List returns the documents the caller can open.
func (c *DocumentClient) List(ctx context.Context) ([]domain.Document, error) {
	var out domain.ListDocumentsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/documents", nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

func (c *DocumentClient) Get(ctx context.Context, documentID string) (*domain.Document, error) {
	var doc domain.Document
	if err := c.do(ctx, http.MethodGet, documentPath(documentID), nil, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *DocumentClient) Create(ctx context.Context, req *domain.CreateDocumentRequest) (*domain.Document, error) {
	var doc domain.Document
	if err := c.do(ctx, http.MethodPost, "/api/v1/documents", req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *DocumentClient) Update(ctx context.Context, documentID string, req *domain.UpdateDocumentRequest) (*domain.Document, error) {
	var doc domain.Document
	if err := c.do(ctx, http.MethodPut, documentPath(documentID), req, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *DocumentClient) Delete(ctx context.Context, documentID string) error {
	return c.do(ctx, http.MethodDelete, documentPath(documentID), nil, nil)
}

// Share sets userID's level on the document. "none" revokes it.
func (c *DocumentClient) Share(ctx context.Context, documentID, userID, permission string) error {
	req := &domain.SharePermissionRequest{UserID: userID, Permission: permission}
	return c.do(ctx, http.MethodPut, documentPath(documentID)+"/permissions", req, nil)
}

func documentPath(documentID string) string {
	return "/api/v1/documents/" + url.PathEscape(documentID)
}

func (c *DocumentClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call document api: %w", err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil && resp.StatusCode < 400 {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 || !apiResp.Success {
		return statusError(resp.StatusCode, &apiResp)
	}

	if out != nil && len(apiResp.Data) > 0 {
		if err := json.Unmarshal(apiResp.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

func statusError(status int, resp *apiResponse) error {
	msg := http.StatusText(status)
	if resp.Error != nil && resp.Error.Message != "" {
		msg = resp.Error.Message
	}

	switch status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrForbidden, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, msg)
	default:
		return fmt.Errorf("document api returned status %d: %s", status, msg)
	}
}
