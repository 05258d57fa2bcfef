package command

import (
	"errors"
	"fmt"

	domain "github.com/koda-community/koda-bot/internal/domain/progression"
)

// StatsHandler returns a user's progress, establishing the user first so a
// newcomer sees the initial stats instead of an error.
type StatsHandler struct {
	progression Progression
}

// NewStatsHandler creates a new StatsHandler.
func NewStatsHandler(p Progression) *StatsHandler {
	return &StatsHandler{progression: p}
}

// Handle returns the stats of userID.
func (h *StatsHandler) Handle(userID string) (domain.Stats, error) {
	if userID == "" {
		return domain.Stats{}, errors.New("stats: user_id is required")
	}
	if err := ensureUser(h.progression, userID); err != nil {
		return domain.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return h.progression.GetStats(userID)
}
