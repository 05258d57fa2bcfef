// Package command contains the write operations triggered by chat commands.
// Every handler establishes the user on first contact before doing its work.
package command

import (
	"context"
	"fmt"
	"time"

	domain "github.com/koda-community/koda-bot/internal/domain/progression"
)

// Progression is the part of the progression engine the handlers depend on.
type Progression interface {
	NewUserDetected(id string) bool
	EstablishNewUser(user domain.User) error
	GetUser(id string) (domain.User, error)
	GetStats(id string) (domain.Stats, error)
	Checkin(ctx context.Context, id string, checkin domain.Checkin) (time.Duration, error)
	GiveXP(id string, amount int) (domain.Stats, bool, error)
	RegisterGithubName(id, login string) error
}

// ensureUser establishes id when the membership cache does not know it yet.
func ensureUser(p Progression, id string) error {
	if !p.NewUserDetected(id) {
		return nil
	}
	if err := p.EstablishNewUser(domain.NewUser(id)); err != nil {
		return fmt.Errorf("establish user: %w", err)
	}
	return nil
}
