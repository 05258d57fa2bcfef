// Package github implements the GitHub GraphQL client Koda uses to verify
// that a user has new public contributions before accepting a check-in
// that claims them as proof.
package github

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
	"time"

	"golang.org/x/time/rate"

	"github.com/koda-community/koda-bot/internal/domain/progression"
	"github.com/koda-community/koda-bot/internal/domain/shared"
	"github.com/koda-community/koda-bot/pkg/circuitbreaker"
	"github.com/koda-community/koda-bot/pkg/logger"
	"github.com/koda-community/koda-bot/pkg/retry"
)

// DefaultGraphQLURL is the public GitHub GraphQL endpoint.
const DefaultGraphQLURL = "https://api.github.com/graphql"

// ErrUserNotFound is returned when GitHub has no user with the given login.
var ErrUserNotFound = shared.NewDomainError("github", "LastContribution", shared.ErrNotFound, "GitHub user not found")

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the GitHub client.
type ClientConfig struct {
	// GraphQLURL is the GraphQL endpoint.
	GraphQLURL string

	// Token is a personal access token. Anonymous GraphQL calls are rejected
	// by GitHub, so it is effectively required.
	Token string

	// UserAgent is sent with every request.
	UserAgent string

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration

	// RequestsPerSecond and Burst configure the client-side rate limit.
	RequestsPerSecond float64
	Burst             int

	// MaxAttempts bounds retries of transient failures.
	MaxAttempts int

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(token string) ClientConfig {
	return ClientConfig{
		GraphQLURL:        DefaultGraphQLURL,
		Token:             token,
		UserAgent:         "koda-bot",
		Timeout:           10 * time.Second,
		RequestsPerSecond: 1,
		Burst:             5,
		MaxAttempts:       2,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client queries the contribution calendar of GitHub users.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier
	logger     *slog.Logger
}

var _ progression.ActivityVerifier = (*Client)(nil)

// NewClient creates a new GitHub client.
func NewClient(config ClientConfig) *Client {
	if config.GraphQLURL == "" {
		config.GraphQLURL = DefaultGraphQLURL
	}
	if config.UserAgent == "" {
		config.UserAgent = "koda-bot"
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	limit := rate.Limit(config.RequestsPerSecond)
	if config.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	log := config.Logger.With(logger.Component("github"))
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		breaker: circuitbreaker.GitHubBreaker(func(name string, from, to circuitbreaker.State) {
			log.Warn("circuit breaker state changed", slog.String("breaker", name),
				slog.String("from", from.String()), slog.String("to", to.String()))
		}),
		retrier: retry.GitHubRetrier(config.MaxAttempts),
		logger: log,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTRIBUTIONS
// ══════════════════════════════════════════════════════════════════════════════

const contributionQuery = `query($login: String!) {
  user(login: $login) {
    contributionsCollection {
      contributionCalendar {
        weeks {
          contributionDays { date contributionCount }
        }
      }
    }
  }
}`

// LastContribution returns the latest calendar day with a non-zero
// contribution count, or nil when the calendar has none.
func (c *Client) LastContribution(ctx context.Context, login string) (*progression.ContributionDay, error) {
	start := time.Now()

	var resp contributionResponse
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.retrier.Do(ctx, func(ctx context.Context) error {
			return c.doGraphQL(ctx, contributionQuery, map[string]any{"login": login}, &resp)
		})
	})
	if err != nil {
		if circuitbreaker.IsRejected(err) {
			return nil, shared.ErrGitHubAPIUnavailable.Wrap(err)
		}
		return nil, err
	}

	if resp.Data.User == nil {
		return nil, ErrUserNotFound.Wrap(fmt.Errorf("login %q", login))
	}

	day := resp.Data.User.lastActiveDay()
	c.logger.Debug("contribution calendar fetched",
		logger.GithubLogin(login),
		slog.Bool("found", day != nil),
		logger.Latency(time.Since(start)),
	)
	return day, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// DTOs
// ══════════════════════════════════════════════════════════════════════════════

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type contributionResponse struct {
	Data struct {
		User *userDTO `json:"user"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type userDTO struct {
	ContributionsCollection struct {
		ContributionCalendar struct {
			Weeks []struct {
				ContributionDays []struct {
					Date              string `json:"date"`
					ContributionCount int    `json:"contributionCount"`
				} `json:"contributionDays"`
			} `json:"weeks"`
		} `json:"contributionCalendar"`
	} `json:"contributionsCollection"`
}

// lastActiveDay walks the calendar in order and keeps the last non-zero day.
func (u *userDTO) lastActiveDay() *progression.ContributionDay {
	var last *progression.ContributionDay
	for _, week := range u.ContributionsCollection.ContributionCalendar.Weeks {
		for _, day := range week.ContributionDays {
			if day.ContributionCount > 0 {
				last = &progression.ContributionDay{Date: day.Date, Count: day.ContributionCount}
			}
		}
	}
	return last
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSPORT
// ══════════════════════════════════════════════════════════════════════════════

// doGraphQL performs one POST. Transient failures come back marked with
// retry.Retryable; everything else is final.
func (c *Client) doGraphQL(ctx context.Context, query string, variables map[string]any, result *contributionResponse) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.GraphQLURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return retry.Retryable(shared.ErrGitHubAPIUnavailable.Wrap(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return retry.Retryable(shared.ErrGitHubAPIUnavailable.Wrap(fmt.Errorf("read response: %w", err)))
	}

	if isRateLimited(resp) {
		return shared.ErrGitHubAPIRateLimited.Wrap(fmt.Errorf("status %d, retry after %s", resp.StatusCode, retryAfter(resp)))
	}
	if resp.StatusCode >= 500 {
		return retry.Retryable(shared.ErrGitHubAPIUnavailable.Wrap(fmt.Errorf("status %d", resp.StatusCode)))
	}
	if resp.StatusCode >= 400 {
		return shared.ErrGitHubAPIInvalidResponse.Wrap(fmt.Errorf("status %d: %s", resp.StatusCode, truncate(respBody, 200)))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return shared.ErrGitHubAPIInvalidResponse.Wrap(fmt.Errorf("unmarshal response: %w", err))
	}
	if len(result.Errors) > 0 {
		first := result.Errors[0]
		if first.Type == "NOT_FOUND" {
			result.Data.User = nil
			return nil
		}
		if first.Type == "RATE_LIMITED" {
			return shared.ErrGitHubAPIRateLimited.Wrap(errors.New(first.Message))
		}
		return shared.ErrGitHubAPIInvalidResponse.Wrap(fmt.Errorf("graphql: %s", first.Message))
	}
	return nil
}

func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"
}

func retryAfter(resp *http.Response) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if d := time.Until(time.Unix(epoch, 0)); d > 0 {
				return d
			}
		}
	}
	return time.Minute
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
