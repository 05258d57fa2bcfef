// Package telegram implements the subset of the Telegram Bot API Koda needs:
// long polling for updates and plain-text replies.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koda-community/koda-bot/internal/domain/shared"
	"github.com/koda-community/koda-bot/pkg/circuitbreaker"
	"github.com/koda-community/koda-bot/pkg/logger"
	"github.com/koda-community/koda-bot/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the Telegram client.
type ClientConfig struct {
	// Token is the Telegram Bot API token
	Token string

	// BaseURL is the Telegram Bot API base URL (default: https://api.telegram.org)
	BaseURL string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// PollingTimeout is the long-polling timeout passed to getUpdates.
	PollingTimeout time.Duration

	// MaxConcurrentUpdates bounds how many updates are handled at once.
	MaxConcurrentUpdates int

	// PollErrorBackoff is the pause after a failed getUpdates.
	PollErrorBackoff time.Duration

	// Logger for structured logging
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(token string) ClientConfig {
	return ClientConfig{
		Token:                token,
		BaseURL:              "https://api.telegram.org",
		Timeout:              60 * time.Second, // Must be > polling timeout (30s) + network latency
		PollingTimeout:       30 * time.Second,
		MaxConcurrentUpdates: 16,
		PollErrorBackoff:     5 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// TELEGRAM API TYPES
// ══════════════════════════════════════════════════════════════════════════════

// Update represents a Telegram update.
type Update struct {
	UpdateID      int64    `json:"update_id"`
	Message       *Message `json:"message,omitempty"`
	EditedMessage *Message `json:"edited_message,omitempty"`
}

// Message represents a Telegram message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      *Chat  `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

// User represents a Telegram user.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// KodaID renders the Telegram user id as the string identity used by the store.
func (u *User) KodaID() string {
	return strconv.FormatInt(u.ID, 10)
}

// Chat represents a Telegram chat.
type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
}

// APIResponse represents a Telegram API response.
type APIResponse struct {
	OK          bool                `json:"ok"`
	Result      json.RawMessage     `json:"result,omitempty"`
	Description string              `json:"description,omitempty"`
	ErrorCode   int                 `json:"error_code,omitempty"`
	Parameters  *ResponseParameters `json:"parameters,omitempty"`
}

// ResponseParameters contains additional error parameters.
type ResponseParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the Telegram Bot API client.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	retrier    *retry.Retrier
	breaker    *circuitbreaker.CircuitBreaker
	logger     *slog.Logger

	updateOffset int64
	updateMu     sync.Mutex
}

// NewClient creates a new Telegram client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.telegram.org"
	}
	if config.MaxConcurrentUpdates <= 0 {
		config.MaxConcurrentUpdates = 1
	}

	log := config.Logger.With(logger.Component("telegram"))
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		retrier:    retry.TelegramRetrier(),
		breaker: circuitbreaker.TelegramBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed", slog.String("breaker", name),
				slog.String("from", from.String()), slog.String("to", to.String()))
		}),
		logger: log,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SENDING MESSAGES
// ══════════════════════════════════════════════════════════════════════════════

// SendText sends a plain text message, optionally as a reply.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, replyTo int64) (*Message, error) {
	body := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if replyTo > 0 {
		body["reply_to_message_id"] = replyTo
		body["allow_sending_without_reply"] = true
	}

	var message Message
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.callAPI(ctx, "sendMessage", body, &message)
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &message, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// GETTING UPDATES
// ══════════════════════════════════════════════════════════════════════════════

// GetUpdates fetches updates using long polling.
func (c *Client) GetUpdates(ctx context.Context, offset int64, limit int, timeout time.Duration) ([]Update, error) {
	body := map[string]any{
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message"},
	}
	if offset > 0 {
		body["offset"] = offset
	}
	if limit > 0 {
		body["limit"] = limit
	}

	var updates []Update
	if err := c.doAPICall(ctx, "getUpdates", body, &updates); err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	return updates, nil
}

// GetMe returns information about the bot.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var user User
	if err := c.callAPI(ctx, "getMe", nil, &user); err != nil {
		return nil, fmt.Errorf("get me: %w", err)
	}
	return &user, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// LONG POLLING RUNNER
// ══════════════════════════════════════════════════════════════════════════════

// UpdateHandler is a function that handles a Telegram update.
type UpdateHandler func(ctx context.Context, update *Update) error

// StartPolling polls for updates until ctx is done. Updates are handled
// concurrently, at most MaxConcurrentUpdates at a time; in-flight handlers
// are awaited before it returns.
func (c *Client) StartPolling(ctx context.Context, handler UpdateHandler) error {
	c.logger.Info("starting telegram long polling")

	g := new(errgroup.Group)
	g.SetLimit(c.config.MaxConcurrentUpdates)
	defer func() {
		_ = g.Wait()
		c.logger.Info("stopped telegram long polling")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := c.GetUpdates(ctx, c.offset(), 100, c.config.PollingTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to get updates", logger.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.config.PollErrorBackoff):
			}
			continue
		}

		for i := range updates {
			update := updates[i]
			c.advance(update.UpdateID)

			g.Go(func() error {
				if err := handler(ctx, &update); err != nil {
					c.logger.Error("failed to handle update",
						slog.Int64("update_id", update.UpdateID),
						logger.Err(err),
					)
				}
				return nil
			})
		}
	}
}

func (c *Client) offset() int64 {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	return c.updateOffset
}

func (c *Client) advance(updateID int64) {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()
	if updateID >= c.updateOffset {
		c.updateOffset = updateID + 1
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// API CALL HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// callAPI makes a call to the Telegram Bot API with retries.
func (c *Client) callAPI(ctx context.Context, method string, body map[string]any, result any) error {
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		err := c.doAPICall(ctx, method, body, result)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(apiErr.RetryAfter) * time.Second):
			}
		}
		if isRetryableError(err) {
			return retry.Retryable(err)
		}
		return err
	})
}

// doAPICall performs a single API call.
func (c *Client) doAPICall(ctx context.Context, method string, body map[string]any, result any) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.config.BaseURL, c.config.Token, method)

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Err: fmt.Errorf("read response: %w", err)}
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return fmt.Errorf("unmarshal response (status %d): %w", resp.StatusCode, err)
	}

	if !apiResp.OK {
		apiErr := &APIError{
			Code:        apiResp.ErrorCode,
			Description: apiResp.Description,
		}
		if apiResp.Parameters != nil {
			apiErr.RetryAfter = apiResp.Parameters.RetryAfter
		}
		return apiErr
	}

	if result != nil && len(apiResp.Result) > 0 {
		if err := json.Unmarshal(apiResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// APIError represents a Telegram API error.
type APIError struct {
	Code        int
	Description string
	RetryAfter  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

// Unwrap lets callers match shared.ErrTelegramAPIFailed.
func (e *APIError) Unwrap() error {
	return shared.ErrTelegramAPIFailed
}

// NetworkError is a transport-level failure reaching the Bot API.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "telegram network error: " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// isRetryableError checks if an error is retryable.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}

	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// ══════════════════════════════════════════════════════════════════════════════
// UTILITY METHODS
// ══════════════════════════════════════════════════════════════════════════════

// IsPrivateChat checks if the message is from a private chat.
func IsPrivateChat(msg *Message) bool {
	return msg != nil && msg.Chat != nil && msg.Chat.Type == "private"
}
