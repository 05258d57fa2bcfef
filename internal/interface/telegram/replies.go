package telegram

import (
	"errors"

	"github.com/koda-community/koda-bot/internal/domain/shared"
	"github.com/koda-community/koda-bot/pkg/logger"
)

// Reply texts.
const (
	MsgNotUnderstood      = "I don't understand. Say `koda ?` for help."
	MsgCooldownFormat     = "You already checked in today. Cooldown: %s"
	MsgCheckinFormat      = "Check in confirmed ⭐ +%d xp"
	MsgLevelUpFormat      = "Level up! You are now level %d."
	MsgRegisteredFormat   = "GitHub account %s linked. Check in with your username to get it verified."
	MsgLackOfContribution = "No new GitHub contributions since your last check-in."
	MsgVerificationFailed = "I couldn't reach GitHub right now. Try again in a few minutes."
	MsgInvalidGithubName  = "That doesn't look like a GitHub username."
	MsgNotImplemented     = "That command isn't available yet."
	MsgInternalError      = "Something went wrong. Please try again later."
)

// replyForError maps an action failure to the text shown in the chat.
// Unexpected failures are logged.
func (r *Router) replyForError(cmd CommandContext, err error) string {
	switch {
	case errors.Is(err, shared.ErrLackOfContribution):
		return MsgLackOfContribution
	case errors.Is(err, shared.ErrVerificationUnavailable):
		r.logger.Warn("verification unavailable", logger.UserID(cmd.UserID), logger.Err(err))
		return MsgVerificationFailed
	case errors.Is(err, shared.ErrInvalidGithubName):
		return MsgInvalidGithubName
	case errors.Is(err, shared.ErrNotImplemented):
		return MsgNotImplemented
	default:
		r.logger.Error("command failed",
			logger.UserID(cmd.UserID),
			logger.Operation(cmd.Action),
			logger.Err(err),
		)
		return MsgInternalError
	}
}
