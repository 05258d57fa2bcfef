// Package telegram routes chat messages that start with the command prefix
// to the application handlers and sends the replies.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/koda-community/koda-bot/internal/application/command"
	"github.com/koda-community/koda-bot/internal/infrastructure/external/telegram"
	"github.com/koda-community/koda-bot/internal/interface/telegram/middleware"
	"github.com/koda-community/koda-bot/pkg/logger"
	"github.com/koda-community/koda-bot/pkg/timeutil"
)

// DefaultPrefix starts every command.
const DefaultPrefix = "koda"

// Actions understood by the router.
const (
	ActionHelp     = "?"
	ActionStats    = "stats"
	ActionCheckin  = "checkin"
	ActionRegister = "register"
	ActionClear    = "clear"
)

// ══════════════════════════════════════════════════════════════════════════════
// ROUTER CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// RouterConfig contains configuration for the router.
type RouterConfig struct {
	// Prefix is the word every command starts with.
	Prefix string

	// Logger for structured logging.
	Logger *slog.Logger

	// RateLimit bounds commands per user. The zero value disables it.
	RateLimit middleware.RateLimitConfig
}

// Sender delivers replies to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string, replyTo int64) (*telegram.Message, error)
}

// Helper serves the help text and the unsupported clear command.
type Helper interface {
	HelpText() (string, error)
	ClearUser(id string) error
}

// CommandRecorder counts routed commands.
type CommandRecorder interface {
	CommandHandled(action string)
}

// Dependencies aggregates what the built-in actions need.
type Dependencies struct {
	Checkin  *command.CheckinHandler
	Stats    *command.StatsHandler
	Register *command.RegisterHandler
	Helper   Helper
	Sender   Sender
	Recorder CommandRecorder
}

// ══════════════════════════════════════════════════════════════════════════════
// CONTEXT TYPES
// ══════════════════════════════════════════════════════════════════════════════

// CommandContext carries one parsed command through its handler.
type CommandContext struct {
	// UserID is the author's id as stored by the bot.
	UserID string

	// ChatID is the chat the command was sent in.
	ChatID int64

	// MessageID is the command message, used for threaded replies.
	MessageID int64

	// Action is the word after the prefix.
	Action string

	// Args are the remaining words.
	Args []string

	// Message is the original message.
	Message *telegram.Message
}

// ActionFunc handles one action and returns the reply text. An empty reply
// sends nothing.
type ActionFunc func(ctx context.Context, cmd CommandContext) (string, error)

// ══════════════════════════════════════════════════════════════════════════════
// ROUTER
// ══════════════════════════════════════════════════════════════════════════════

// Router routes Telegram updates to action handlers.
type Router struct {
	config   RouterConfig
	logger   *slog.Logger
	sender   Sender
	recorder CommandRecorder

	actionsMu sync.RWMutex
	actions   map[string]ActionFunc

	recovery *middleware.RecoveryMiddleware
	limiter  *middleware.RateLimiter
}

// NewRouter creates a router with the built-in actions registered.
func NewRouter(config RouterConfig, deps Dependencies) (*Router, error) {
	if deps.Sender == nil {
		return nil, fmt.Errorf("telegram router: sender is required")
	}
	if deps.Checkin == nil || deps.Stats == nil || deps.Register == nil || deps.Helper == nil {
		return nil, fmt.Errorf("telegram router: command handlers are required")
	}
	if config.Prefix == "" {
		config.Prefix = DefaultPrefix
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	log := config.Logger.With(logger.Component("router"))
	r := &Router{
		config:   config,
		logger:   log,
		sender:   deps.Sender,
		recorder: deps.Recorder,
		actions:  make(map[string]ActionFunc),
		recovery: middleware.NewRecoveryMiddleware(middleware.RecoveryConfig{
			EnableStackTrace: true,
			Logger:           log,
		}),
		limiter: middleware.NewRateLimiter(config.RateLimit),
	}

	a := &actions{deps: deps}
	r.Register(ActionHelp, a.help)
	r.Register(ActionStats, a.stats)
	r.Register(ActionCheckin, a.checkin)
	r.Register(ActionRegister, a.register)
	r.Register(ActionClear, a.clear)

	return r, nil
}

// Register adds or replaces the handler for action.
func (r *Router) Register(action string, fn ActionFunc) {
	r.actionsMu.Lock()
	defer r.actionsMu.Unlock()
	r.actions[action] = fn
}

// IsCommand reports whether text starts with the command prefix as a whole
// word: "koda stats" is a command, "kodastats" is not.
func (r *Router) IsCommand(text string) bool {
	rest, ok := strings.CutPrefix(text, r.config.Prefix)
	if !ok {
		return false
	}
	if rest == "" {
		return true
	}
	next, _ := utf8.DecodeRuneInString(rest)
	return unicode.IsSpace(next)
}

// Parse splits a command into its action and arguments. ok is false when
// text is not a command or has nothing after the prefix.
func (r *Router) Parse(text string) (action string, args []string, ok bool) {
	if !r.IsCommand(text) {
		return "", nil, false
	}
	fields := strings.Fields(text[len(r.config.Prefix):])
	if len(fields) == 0 {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

// HandleUpdate is a telegram.UpdateHandler. Failures are answered in the
// chat and logged; only a failed reply is returned.
func (r *Router) HandleUpdate(ctx context.Context, update *telegram.Update) error {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot || msg.Chat == nil {
		return nil
	}

	action, args, ok := r.Parse(msg.Text)
	if !ok {
		return nil
	}

	r.actionsMu.RLock()
	fn, known := r.actions[action]
	r.actionsMu.RUnlock()
	if !known {
		r.logger.Debug("unknown action ignored", slog.String("action", action))
		return nil
	}

	cmd := CommandContext{
		UserID:    msg.From.KodaID(),
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Action:    action,
		Args:      args,
		Message:   msg,
	}

	if limit := r.limiter.Check(cmd.UserID); !limit.Allowed {
		r.logger.Debug("command rate limited", logger.UserID(cmd.UserID), slog.Duration("retry_after", limit.RetryAfter))
		return r.reply(ctx, cmd, limit.Message())
	}

	if r.recorder != nil {
		r.recorder.CommandHandled(action)
	}

	var reply string
	result, err := r.recovery.Run(ctx, cmd.UserID, action, func() error {
		var err error
		reply, err = fn(ctx, cmd)
		return err
	})
	switch {
	case result.Recovered:
		reply = result.UserMessage
	case err != nil:
		reply = r.replyForError(cmd, err)
	}

	return r.reply(ctx, cmd, reply)
}

func (r *Router) reply(ctx context.Context, cmd CommandContext, text string) error {
	if text == "" {
		return nil
	}
	if _, err := r.sender.SendText(ctx, cmd.ChatID, text, cmd.MessageID); err != nil {
		r.logger.Error("reply not sent",
			logger.ChatID(cmd.ChatID),
			logger.Operation(cmd.Action),
			logger.Err(err),
		)
		return fmt.Errorf("reply to %s: %w", cmd.Action, err)
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// BUILT-IN ACTIONS
// ══════════════════════════════════════════════════════════════════════════════

type actions struct {
	deps Dependencies
}

func (a *actions) help(context.Context, CommandContext) (string, error) {
	return a.deps.Helper.HelpText()
}

func (a *actions) stats(_ context.Context, cmd CommandContext) (string, error) {
	stats, err := a.deps.Stats.Handle(cmd.UserID)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return "", fmt.Errorf("encode stats: %w", err)
	}
	return string(data), nil
}

func (a *actions) checkin(ctx context.Context, cmd CommandContext) (string, error) {
	if len(cmd.Args) < 1 {
		return MsgNotUnderstood, nil
	}

	result, err := a.deps.Checkin.Handle(ctx, command.CheckinCommand{
		UserID: cmd.UserID,
		Proof:  cmd.Args[0],
	})
	if err != nil {
		return "", err
	}
	if !result.Accepted {
		return fmt.Sprintf(MsgCooldownFormat, timeutil.FormatCooldown(result.RemainingCooldown)), nil
	}

	reply := fmt.Sprintf(MsgCheckinFormat, result.RewardGranted)
	if result.LeveledUp {
		reply += "\n" + fmt.Sprintf(MsgLevelUpFormat, result.Stats.Level)
	}
	return reply, nil
}

func (a *actions) register(_ context.Context, cmd CommandContext) (string, error) {
	if len(cmd.Args) < 1 {
		return MsgNotUnderstood, nil
	}
	if err := a.deps.Register.Handle(command.RegisterCommand{UserID: cmd.UserID, GithubLogin: cmd.Args[0]}); err != nil {
		return "", err
	}
	return fmt.Sprintf(MsgRegisteredFormat, strings.TrimPrefix(cmd.Args[0], "@")), nil
}

func (a *actions) clear(_ context.Context, cmd CommandContext) (string, error) {
	return "", a.deps.Helper.ClearUser(cmd.UserID)
}
