// Package middleware contains the wrappers applied to every routed chat command.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/koda-community/koda-bot/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECOVERY MIDDLEWARE
// Catches panics in command handlers so one bad message never stops polling.
// ══════════════════════════════════════════════════════════════════════════════

// DefaultPanicMessage is sent to the chat when a handler panicked.
const DefaultPanicMessage = "Something went wrong. Please try again later."

// RecoveryConfig holds configuration for the recovery middleware.
type RecoveryConfig struct {
	// EnableStackTrace captures the stack of the panicking goroutine.
	EnableStackTrace bool

	// UserErrorMessage is the reply used after a panic.
	UserErrorMessage string

	// OnPanic is called with every recovered panic.
	OnPanic func(ctx context.Context, info *PanicInfo)

	// Logger receives one error record per panic.
	Logger *slog.Logger
}

// DefaultRecoveryConfig returns sensible defaults for recovery middleware.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		EnableStackTrace: true,
		UserErrorMessage: DefaultPanicMessage,
		Logger:           slog.Default(),
	}
}

// PanicInfo contains information about a recovered panic.
type PanicInfo struct {
	Error      error
	PanicValue any
	StackTrace string
	UserID     string
	Action     string
	Timestamp  time.Time
}

// RecoveryMiddleware recovers from panics in command handlers.
type RecoveryMiddleware struct {
	config RecoveryConfig
	panics atomic.Int64
}

// NewRecoveryMiddleware creates a new recovery middleware.
func NewRecoveryMiddleware(config RecoveryConfig) *RecoveryMiddleware {
	if config.UserErrorMessage == "" {
		config.UserErrorMessage = DefaultPanicMessage
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &RecoveryMiddleware{config: config}
}

// RecoveryResult represents the result of a guarded call.
type RecoveryResult struct {
	// Recovered is true when the handler panicked.
	Recovered bool

	// PanicInfo is set when Recovered is true.
	PanicInfo *PanicInfo

	// UserMessage is the reply to send instead of the handler's.
	UserMessage string
}

// Run executes handler and converts a panic into a RecoveryResult. The
// handler error is returned untouched.
func (m *RecoveryMiddleware) Run(ctx context.Context, userID, action string, handler func() error) (result RecoveryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = m.handlePanic(ctx, r, userID, action)
			err = result.PanicInfo.Error
		}
	}()
	return RecoveryResult{}, handler()
}

// Panics returns the number of panics recovered so far.
func (m *RecoveryMiddleware) Panics() int64 {
	return m.panics.Load()
}

func (m *RecoveryMiddleware) handlePanic(ctx context.Context, value any, userID, action string) RecoveryResult {
	m.panics.Add(1)

	info := &PanicInfo{
		Error:      toError(value),
		PanicValue: value,
		UserID:     userID,
		Action:     action,
		Timestamp:  time.Now(),
	}
	if m.config.EnableStackTrace {
		info.StackTrace = string(debug.Stack())
	}

	m.config.Logger.Error("panic in command handler",
		logger.UserID(userID),
		logger.Operation(action),
		logger.Err(info.Error),
		slog.String("stack", info.StackTrace),
	)

	if m.config.OnPanic != nil {
		m.config.OnPanic(ctx, info)
	}

	return RecoveryResult{
		Recovered:   true,
		PanicInfo:   info,
		UserMessage: m.config.UserErrorMessage,
	}
}

// toError converts a panic value to an error.
func toError(value any) error {
	switch v := value.(type) {
	case error:
		return fmt.Errorf("panic: %w", v)
	case string:
		return fmt.Errorf("panic: %s", v)
	default:
		return fmt.Errorf("panic: %v", v)
	}
}
