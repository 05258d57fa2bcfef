package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	domain "github.com/koda-community/koda-bot/internal/domain/progression"
	"github.com/koda-community/koda-bot/pkg/logger"
	"github.com/koda-community/koda-bot/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHECKIN COMMAND
// Records a daily check-in and grants the reward when it is accepted.
// ══════════════════════════════════════════════════════════════════════════════

// DefaultCheckinReward is the XP granted for an accepted check-in.
const DefaultCheckinReward = 50

// CheckinCommand contains the data of one check-in attempt.
type CheckinCommand struct {
	// UserID is the chat platform id of the author.
	UserID string

	// Proof is the free-form proof text. A proof equal to the linked
	// GitHub login claims a contribution.
	Proof string
}

// Validate validates the command.
func (c CheckinCommand) Validate() error {
	if c.UserID == "" {
		return errors.New("checkin: user_id is required")
	}
	return nil
}

// CheckinResult contains the outcome of a check-in attempt.
type CheckinResult struct {
	// Accepted is true when the check-in was recorded.
	Accepted bool

	// RewardGranted is the XP granted. Zero when not accepted.
	RewardGranted int

	// RemainingCooldown is set when the attempt was too soon.
	RemainingCooldown time.Duration

	// Stats is the progress after the reward.
	Stats domain.Stats

	// LeveledUp is true when the reward crossed a level threshold.
	LeveledUp bool

	// Verified is true when the proof was confirmed as a new contribution.
	Verified bool
}

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// CheckinHandler handles the CheckinCommand.
type CheckinHandler struct {
	progression Progression
	reward      int
	clock       timeutil.Clock
	logger      *slog.Logger
}

// CheckinHandlerConfig contains configuration for the handler.
type CheckinHandlerConfig struct {
	Reward int
	Clock  timeutil.Clock
	Logger *slog.Logger
}

// NewCheckinHandler creates a new CheckinHandler. A negative reward falls
// back to DefaultCheckinReward.
func NewCheckinHandler(p Progression, config CheckinHandlerConfig) *CheckinHandler {
	if config.Reward < 0 {
		config.Reward = DefaultCheckinReward
	}
	if config.Clock == nil {
		config.Clock = timeutil.SystemClock()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &CheckinHandler{
		progression: p,
		reward:      config.Reward,
		clock:       config.Clock,
		logger:      config.Logger.With(logger.Component("checkin_handler")),
	}
}

// Handle executes the check-in command. A rejected attempt inside the
// cooldown is not an error: the result carries the remaining duration.
func (h *CheckinHandler) Handle(ctx context.Context, cmd CheckinCommand) (*CheckinResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if err := ensureUser(h.progression, cmd.UserID); err != nil {
		return nil, fmt.Errorf("checkin: %w", err)
	}

	checkin := domain.NewCheckin(cmd.UserID, h.clock.Now(), cmd.Proof)
	remaining, err := h.progression.Checkin(ctx, cmd.UserID, checkin)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		return &CheckinResult{RemainingCooldown: remaining}, nil
	}

	result := &CheckinResult{Accepted: true}

	user, err := h.progression.GetUser(cmd.UserID)
	if err != nil {
		return nil, fmt.Errorf("checkin: reload user: %w", err)
	}
	result.Verified = user.LastCheckin != nil && user.LastCheckin.ProofType == domain.ProofContribution

	stats, leveledUp, err := h.progression.GiveXP(cmd.UserID, h.reward)
	if err != nil {
		// The check-in itself is recorded; only the reward is missing.
		h.logger.Error("reward not granted", logger.UserID(cmd.UserID), logger.XP(h.reward), logger.Err(err))
		return nil, fmt.Errorf("checkin: grant reward: %w", err)
	}

	result.RewardGranted = h.reward
	result.Stats = stats
	result.LeveledUp = leveledUp

	if leveledUp {
		h.logger.Info("level up", logger.UserID(cmd.UserID), logger.Level(stats.Level))
	}
	return result, nil
}
