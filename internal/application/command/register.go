package command

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/koda-community/koda-bot/pkg/logger"
)

// RegisterCommand links a GitHub login to a user.
type RegisterCommand struct {
	UserID      string
	GithubLogin string
}

// Validate validates the command. The login format is checked by the engine.
func (c RegisterCommand) Validate() error {
	if c.UserID == "" {
		return errors.New("register: user_id is required")
	}
	return nil
}

// RegisterHandler handles the RegisterCommand.
type RegisterHandler struct {
	progression Progression
	logger      *slog.Logger
}

// NewRegisterHandler creates a new RegisterHandler.
func NewRegisterHandler(p Progression, log *slog.Logger) *RegisterHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RegisterHandler{
		progression: p,
		logger:      log.With(logger.Component("register_handler")),
	}
}

// Handle establishes the user and links the login. Surrounding whitespace
// and a leading @ are dropped before validation.
func (h *RegisterHandler) Handle(cmd RegisterCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if err := ensureUser(h.progression, cmd.UserID); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	login := strings.TrimPrefix(strings.TrimSpace(cmd.GithubLogin), "@")
	if err := h.progression.RegisterGithubName(cmd.UserID, login); err != nil {
		return err
	}

	h.logger.Info("github login linked", logger.UserID(cmd.UserID), logger.GithubLogin(login))
	return nil
}
