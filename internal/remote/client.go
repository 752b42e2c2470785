package remote

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

	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"go.uber.org/zap"
)

const (
	// IdempotencyHeader carries the submission token.
	IdempotencyHeader = "Idempotency-Key"

	defaultClientTimeout = 15 * time.Second
	maxResponseBytes     = 8 << 20
)

var (
	errMissingBaseURL = errors.New("remote: base url is required")
	errMissingToken   = errors.New("remote: idempotency token is required")
)

// TokenSource returns the bearer token presented to the remote backend.
type TokenSource func(ctx context.Context) (string, error)

// ClientConfig wires the HTTP client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Tokens     TokenSource
	Logger     *zap.Logger
}

// Client talks to the remote backend over HTTP.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	tokens     TokenSource
	logger     *zap.Logger
}

// CollectionResponse is the body of a collection fetch.
type CollectionResponse struct {
	Items []json.RawMessage `json:"items"`
}

// RecordResponse is the body of a successful mutation.
type RecordResponse struct {
	Record json.RawMessage `json:"record"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// NewClient validates the configuration and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		timeout:    timeout,
		tokens:     cfg.Tokens,
		logger:     logger,
	}, nil
}

// FetchCollection downloads every record of a collection.
func (c *Client) FetchCollection(ctx context.Context, collection inventory.Collection) ([]inventory.Record, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/"+url.PathEscape(collection.String()), "", nil)
	if err != nil {
		return nil, err
	}
	var response CollectionResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, &TransientError{Status: http.StatusOK, Err: fmt.Errorf("decode collection: %w", err)}
	}
	records, err := inventory.RecordsFromJSON(response.Items)
	if err != nil {
		return nil, &TransientError{Status: http.StatusOK, Err: err}
	}
	return records, nil
}

// Submit sends one mutation with its idempotency token.
func (c *Client) Submit(ctx context.Context, submission Submission) (inventory.Record, error) {
	if strings.TrimSpace(submission.Token) == "" {
		return inventory.Record{}, errMissingToken
	}
	method, path, err := route(submission.Mutation)
	if err != nil {
		return inventory.Record{}, err
	}
	body, err := c.do(ctx, method, path, submission.Token, submission.Mutation.Payload)
	if err != nil {
		return inventory.Record{}, err
	}
	var response RecordResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return inventory.Record{}, &TransientError{Status: http.StatusOK, Err: fmt.Errorf("decode record: %w", err)}
	}
	record, err := inventory.RecordFromJSON(response.Record)
	if err != nil {
		return inventory.Record{}, &TransientError{Status: http.StatusOK, Err: err}
	}
	return record, nil
}

func route(mutation inventory.Mutation) (string, string, error) {
	switch mutation.Kind {
	case inventory.OperationCreate:
		return http.MethodPost, "/v1/products", nil
	case inventory.OperationUpdate:
		return http.MethodPatch, "/v1/products/" + url.PathEscape(mutation.EntityID), nil
	case inventory.OperationSoftDelete:
		return http.MethodDelete, "/v1/products/" + url.PathEscape(mutation.EntityID), nil
	case inventory.OperationRegisterEntry:
		return http.MethodPost, "/v1/stock/entries", nil
	case inventory.OperationRegisterExit:
		return http.MethodPost, "/v1/stock/exits", nil
	default:
		return "", "", fmt.Errorf("%w: %s", inventory.ErrUnsupportedOperation, mutation.Kind)
	}
}

func (c *Client) do(ctx context.Context, method, path, token string, payload []byte) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	endpoint := c.baseURL.JoinPath(path)
	request, err := http.NewRequestWithContext(callCtx, method, endpoint.String(), body)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set(IdempotencyHeader, token)
	}
	if c.tokens != nil {
		bearer, err := c.tokens(callCtx)
		if err != nil {
			return nil, fmt.Errorf("remote: bearer token: %w", err)
		}
		request.Header.Set("Authorization", "Bearer "+bearer)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Debug("remote request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, &TransientError{Err: err}
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{Status: response.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		return responseBody, nil
	}
	classified := classifyStatus(response.StatusCode, responseBody)
	c.logger.Debug("remote request refused",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.Error(classified))
	return nil, classified
}

func classifyStatus(status int, body []byte) error {
	var decoded ErrorResponse
	// Non-JSON error bodies fall back to the status text.
	_ = json.Unmarshal(body, &decoded)
	code := strings.TrimSpace(decoded.Error)
	if code == "" {
		code = strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
	}

	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests,
		status >= http.StatusInternalServerError:
		return &TransientError{Status: status, Err: errors.New(code)}
	default:
		return &RejectedError{Status: status, Code: code, Message: decoded.Message}
	}
}
