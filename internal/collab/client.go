package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/arkb75/SoloPilot-sub000/internal/retry"
	"github.com/arkb75/SoloPilot-sub000/pkg/models"
)

// Client talks to the service that extracts requirements, drafts replies and renders proposals
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	backoff    retry.Config
	logger     *slog.Logger
}

// Config for the collaborator client
type Config struct {
	BaseURL string // e.g., https://collab.internal
	APIKey  string
	Timeout time.Duration
}

// APIError is a non-2xx response
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error: %s (status %d)", e.Message, e.StatusCode)
}

type extractRequest struct {
	ConversationID       string          `json:"conversation_id"`
	EmailHistory         []models.Email  `json:"email_history"`
	ExistingRequirements json.RawMessage `json:"existing_requirements,omitempty"`
}

type extractResponse struct {
	Requirements json.RawMessage `json:"requirements"`
}

type conversationRequest struct {
	Conversation *models.Conversation `json:"conversation"`
}

// NewClient creates a new collaborator client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		backoff: retry.Config{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: true},
		logger:  logger.With("component", "collab_client"),
	}
}

// IsConfigured returns true if the collaborator service is configured
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// Extract returns updated requirements for the conversation history
func (c *Client) Extract(ctx context.Context, conv *models.Conversation) (json.RawMessage, error) {
	var out extractResponse
	req := extractRequest{
		ConversationID:       conv.ConversationID,
		EmailHistory:         conv.EmailHistory,
		ExistingRequirements: conv.Requirements,
	}
	if _, err := c.post(ctx, "/v1/requirements/extract", req, &out); err != nil {
		return nil, fmt.Errorf("failed to extract requirements: %w", err)
	}
	if len(out.Requirements) == 0 {
		return nil, errors.New("failed to extract requirements: empty response")
	}
	return out.Requirements, nil
}

// Draft asks for the next reply to the conversation. A nil draft means no reply is needed.
func (c *Client) Draft(ctx context.Context, conv *models.Conversation) (*models.Draft, error) {
	var out models.Draft
	status, err := c.post(ctx, "/v1/replies/draft", conversationRequest{Conversation: conv}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to draft reply: %w", err)
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// Generate renders the proposal PDF for the conversation
func (c *Client) Generate(ctx context.Context, conv *models.Conversation) (*models.File, error) {
	var file *models.File
	_, err := retry.Do(ctx, c.backoff, func(ctx context.Context, attempt int) (struct{}, error) {
		resp, err := c.send(ctx, "/v1/proposals/pdf", conversationRequest{Conversation: conv})
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to read response: %w", err)
		}
		if err := checkStatus(resp, data); err != nil {
			return struct{}{}, err
		}

		file = &models.File{
			Filename:    "proposal.pdf",
			ContentType: resp.Header.Get("Content-Type"),
			Data:        data,
		}
		if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
			file.Filename = params["filename"]
		}
		if file.ContentType == "" {
			file.ContentType = "application/pdf"
		}
		return struct{}{}, nil
	}, retryable)
	if err != nil {
		return nil, fmt.Errorf("failed to generate proposal: %w", err)
	}
	return file, nil
}

// post sends payload as JSON and decodes a JSON response into out, retrying transient failures
func (c *Client) post(ctx context.Context, path string, payload, out any) (int, error) {
	return retry.Do(ctx, c.backoff, func(ctx context.Context, attempt int) (int, error) {
		resp, err := c.send(ctx, path, payload)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return 0, fmt.Errorf("failed to read response: %w", err)
		}
		if err := checkStatus(resp, respBody); err != nil {
			if attempt > 1 || retryable(err) {
				c.logger.Warn("collaborator request failed", "path", path, "attempt", attempt, "error", err)
			}
			return 0, err
		}
		if resp.StatusCode == http.StatusNoContent || out == nil {
			return resp.StatusCode, nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return 0, fmt.Errorf("failed to parse response: %w (body: %s)", err, string(respBody))
		}
		return resp.StatusCode, nil
	}, retryable)
}

func (c *Client) send(ctx context.Context, path string, payload any) (*http.Response, error) {
	if !c.IsConfigured() {
		return nil, fmt.Errorf("collaborator service not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		apiErr.Message = parsed.Error
	}
	return apiErr
}

// retryable reports whether err is worth another attempt: transport failures and 429/5xx
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return strings.HasPrefix(err.Error(), "failed to send request")
}
