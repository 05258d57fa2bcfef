// Package progression is the check-in state machine that sits between the
// chat router and the Facade. It owns the membership cache, serializes
// check-ins per user and decides whether a claimed contribution is new.
package progression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	domain "github.com/koda-community/koda-bot/internal/domain/progression"
	"github.com/koda-community/koda-bot/internal/domain/shared"
	"github.com/koda-community/koda-bot/pkg/logger"
)

// HelpTemplate is the template file returned by HelpText.
const HelpTemplate = "help.txt"

// Check-in outcomes reported to the Observer.
const (
	OutcomeAccepted           = "accepted"
	OutcomeCooldown           = "cooldown"
	OutcomeLackOfContribution = "lack_of_contribution"
	OutcomeUnverified         = "verification_unavailable"
	OutcomeNewUser            = "new_user"
	OutcomeError              = "error"
)

// Verification results reported to the Observer.
const (
	VerificationFound   = "found"
	VerificationNone    = "none"
	VerificationTimeout = "timeout"
	VerificationError   = "error"
)

var (
	// ErrTemplatesDir is returned by NewEngine when the templates directory is unusable.
	ErrTemplatesDir = errors.New("templates directory not found")

	// ErrTemplateNotFound is returned when a named template was not loaded.
	ErrTemplateNotFound = shared.NewDomainError("progression", "Template", shared.ErrNotFound, "template not found")
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds the engine settings.
type Config struct {
	// BaseCooldown is the minimum time between two accepted check-ins.
	BaseCooldown time.Duration

	// VerifyTimeout bounds one call to the activity verifier.
	VerifyTimeout time.Duration

	// TemplatesDir holds the reply templates; every regular file is loaded.
	TemplatesDir string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseCooldown:  20 * time.Hour,
		VerifyTimeout: 10 * time.Second,
		TemplatesDir:  "templates",
	}
}

// Observer receives engine outcomes, typically for metrics.
type Observer interface {
	CheckinObserved(outcome string)
	VerificationObserved(result string, took time.Duration)
	XPGranted(amount int, leveledUp bool)
	MembershipSize(n int)
}

type nopObserver struct{}

func (nopObserver) CheckinObserved(string)                     {}
func (nopObserver) VerificationObserved(string, time.Duration) {}
func (nopObserver) XPGranted(int, bool)                        {}
func (nopObserver) MembershipSize(int)                         {}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the outcome observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ENGINE
// ══════════════════════════════════════════════════════════════════════════════

// Engine implements the progression rules on top of a domain.Repository.
type Engine struct {
	repo     domain.Repository
	verifier domain.ActivityVerifier
	config   Config

	templates map[string]string

	membersMu sync.RWMutex
	members   map[string]struct{}

	locks *userLocks

	observer Observer
	logger   *slog.Logger
}

// NewEngine loads the templates and builds an Engine. A missing templates
// directory is a construction error.
func NewEngine(repo domain.Repository, verifier domain.ActivityVerifier, config Config, opts ...Option) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("progression: repository is required")
	}
	if verifier == nil {
		return nil, errors.New("progression: activity verifier is required")
	}
	if config.BaseCooldown < 0 {
		return nil, fmt.Errorf("progression: negative base cooldown %s", config.BaseCooldown)
	}

	templates, err := loadTemplates(config.TemplatesDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		repo:      repo,
		verifier:  verifier,
		config:    config,
		templates: templates,
		members:   make(map[string]struct{}),
		locks:     newUserLocks(),
		observer:  nopObserver{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logger.Component("progression"))

	e.logger.Debug("templates loaded", slog.Int("count", len(templates)), logger.Path(config.TemplatesDir))
	return e, nil
}

// loadTemplates reads every regular file in dir, keyed by file name.
func loadTemplates(dir string) (map[string]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTemplatesDir, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrTemplatesDir, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	templates := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", entry.Name(), err)
		}
		templates[entry.Name()] = string(data)
	}
	return templates, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// TEMPLATES
// ══════════════════════════════════════════════════════════════════════════════

// Template returns a loaded template by file name.
func (e *Engine) Template(name string) (string, error) {
	text, ok := e.templates[name]
	if !ok {
		return "", ErrTemplateNotFound.Wrap(fmt.Errorf("%s", name))
	}
	return text, nil
}

// HelpText returns the help template.
func (e *Engine) HelpText() (string, error) {
	return e.Template(HelpTemplate)
}

// ══════════════════════════════════════════════════════════════════════════════
// MEMBERSHIP
// ══════════════════════════════════════════════════════════════════════════════

// NewUserDetected reports whether id is absent from the membership cache.
// The cache only saves store round-trips; the store stays the source of truth.
func (e *Engine) NewUserDetected(id string) bool {
	e.membersMu.RLock()
	defer e.membersMu.RUnlock()
	_, ok := e.members[id]
	return !ok
}

// EstablishNewUser creates whatever records the user is missing and then
// caches the id. Existing records are never overwritten.
func (e *Engine) EstablishNewUser(user domain.User) error {
	if user.ID == "" {
		return shared.NewDomainError("progression", "EstablishNewUser", shared.ErrInvalidID, "empty user id")
	}
	if err := e.repo.CreateMissingUserData(user); err != nil {
		return fmt.Errorf("establish user %s: %w", user.ID, err)
	}

	e.membersMu.Lock()
	e.members[user.ID] = struct{}{}
	n := len(e.members)
	e.membersMu.Unlock()

	e.observer.MembershipSize(n)
	e.logger.Debug("user established", logger.UserID(user.ID))
	return nil
}

// RebuildMembership refills the cache from the store. It runs once after
// the snapshot load.
func (e *Engine) RebuildMembership() error {
	ids, err := e.repo.ListUserIDs()
	if err != nil {
		return fmt.Errorf("rebuild membership: %w", err)
	}

	members := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		members[id] = struct{}{}
	}

	e.membersMu.Lock()
	e.members = members
	e.membersMu.Unlock()

	e.observer.MembershipSize(len(members))
	e.logger.Info("membership cache rebuilt", slog.Int("users", len(members)))
	return nil
}

func (e *Engine) requireEstablished(op, id string) error {
	if e.NewUserDetected(id) {
		return shared.ErrNewUser.Wrap(fmt.Errorf("%s: user %s", op, id))
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERIES & SIMPLE COMMANDS
// ══════════════════════════════════════════════════════════════════════════════

// GetStats returns the user's progress. Fails with ErrNewUser when the user
// has not been established.
func (e *Engine) GetStats(id string) (domain.Stats, error) {
	if err := e.requireEstablished("GetStats", id); err != nil {
		return domain.Stats{}, err
	}
	return e.repo.GetStats(id)
}

// GetUser returns the user record. Fails with ErrNewUser when the user has
// not been established.
func (e *Engine) GetUser(id string) (domain.User, error) {
	if err := e.requireEstablished("GetUser", id); err != nil {
		return domain.User{}, err
	}
	return e.repo.GetUser(id)
}

// GiveXP grants amount experience. Callers grant the check-in reward only
// after Checkin accepted the attempt.
func (e *Engine) GiveXP(id string, amount int) (domain.Stats, bool, error) {
	if amount < 0 {
		return domain.Stats{}, false, shared.NewDomainError("progression", "GiveXP", shared.ErrInvalidInput, "negative xp amount")
	}
	stats, leveledUp, err := e.repo.GiveXP(id, amount)
	if err != nil {
		return domain.Stats{}, false, err
	}
	e.observer.XPGranted(amount, leveledUp)
	return stats, leveledUp, nil
}

// RegisterGithubName links a GitHub login to the user.
func (e *Engine) RegisterGithubName(id, login string) error {
	if err := e.requireEstablished("RegisterGithubName", id); err != nil {
		return err
	}
	if err := ValidateGithubLogin(login); err != nil {
		return err
	}
	return e.repo.UpdateUsersGithubName(id, login)
}

// ClearUser is not supported yet.
func (e *Engine) ClearUser(id string) error {
	return shared.ErrNotImplemented.Wrap(fmt.Errorf("clear user %s", id))
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECK-IN
// ══════════════════════════════════════════════════════════════════════════════

// Checkin runs the check-in state machine. A positive duration is the
// remaining cooldown: the attempt was rejected and nothing changed. Zero with
// a nil error means the check-in was recorded.
//
// When the proof equals the linked GitHub login the verifier is asked for
// the latest active day. A day that is not newer than the cached one fails
// with ErrLackOfContribution; verifier failures fail with
// ErrVerificationUnavailable. Neither path mutates state.
func (e *Engine) Checkin(ctx context.Context, id string, checkin domain.Checkin) (time.Duration, error) {
	if err := e.requireEstablished("Checkin", id); err != nil {
		e.observer.CheckinObserved(OutcomeNewUser)
		return 0, err
	}

	unlock := e.locks.lock(id)
	defer unlock()

	user, err := e.repo.GetUser(id)
	if err != nil {
		e.observer.CheckinObserved(OutcomeError)
		return 0, err
	}

	checkin.UserID = id
	checkin.Date = checkin.Date.UTC()
	if !checkin.ProofType.IsValid() {
		checkin.ProofType = domain.ClassifyProof(checkin.Proof)
	}

	if remaining := user.RemainingCooldown(checkin.Date, e.config.BaseCooldown); remaining > 0 {
		e.logger.Debug("check-in too soon", logger.UserID(id), slog.Duration("remaining", remaining))
		e.observer.CheckinObserved(OutcomeCooldown)
		return remaining, nil
	}

	var contribution *domain.ContributionDay
	if user.ClaimsContribution(checkin.Proof) {
		latest, err := e.verify(ctx, *user.GithubName)
		if err != nil {
			e.observer.CheckinObserved(OutcomeUnverified)
			return 0, err
		}

		if latest != nil {
			if !latest.IsNewerThan(user.LastGithubContribution) {
				e.logger.Debug("no new contribution", logger.UserID(id), logger.GithubLogin(*user.GithubName))
				e.observer.CheckinObserved(OutcomeLackOfContribution)
				return 0, shared.ErrLackOfContribution
			}
			checkin.ProofType = domain.ProofContribution
			contribution = latest
		}
	}

	checkinID, err := e.repo.RecordCheckin(id, checkin, contribution)
	if err != nil {
		e.observer.CheckinObserved(OutcomeError)
		return 0, err
	}

	e.logger.Info("check-in recorded",
		logger.UserID(id),
		logger.CheckinID(checkinID),
		slog.String("proof_type", string(checkin.ProofType)),
	)
	e.observer.CheckinObserved(OutcomeAccepted)
	return 0, nil
}

// verify asks the verifier with a bounded wait. Every failure, including
// the timeout, becomes ErrVerificationUnavailable.
func (e *Engine) verify(ctx context.Context, login string) (*domain.ContributionDay, error) {
	if e.config.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.VerifyTimeout)
		defer cancel()
	}

	start := time.Now()
	day, err := e.verifier.LastContribution(ctx, login)
	took := time.Since(start)

	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.observer.VerificationObserved(VerificationTimeout, took)
		e.logger.Warn("contribution lookup timed out", logger.GithubLogin(login), logger.Latency(took))
		return nil, shared.ErrVerificationUnavailable.Wrap(fmt.Errorf("%w: %v", shared.ErrTimeout, err))
	case err != nil:
		e.observer.VerificationObserved(VerificationError, took)
		e.logger.Warn("contribution lookup failed", logger.GithubLogin(login), logger.Err(err))
		return nil, shared.ErrVerificationUnavailable.Wrap(err)
	case day == nil:
		e.observer.VerificationObserved(VerificationNone, took)
	default:
		e.observer.VerificationObserved(VerificationFound, took)
	}
	return day, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PER-USER LOCKS
// ══════════════════════════════════════════════════════════════════════════════

// userLocks hands out one mutex per user id and forgets it once no caller
// holds or waits for it.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (l *userLocks) lock(id string) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[id]
	if !ok {
		ul = &userLock{}
		l.locks[id] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
