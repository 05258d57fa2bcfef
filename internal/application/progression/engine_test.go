package progression

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/koda-community/koda-bot/internal/domain/progression"
	"github.com/koda-community/koda-bot/internal/domain/shared"
	"github.com/koda-community/koda-bot/internal/infrastructure/persistence/memdb"
	"github.com/koda-community/koda-bot/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// FIXTURES
// ══════════════════════════════════════════════════════════════════════════════

type fakeVerifier struct {
	calls atomic.Int32
	fn    func(ctx context.Context, login string) (*domain.ContributionDay, error)
}

func (f *fakeVerifier) LastContribution(ctx context.Context, login string) (*domain.ContributionDay, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(ctx, login)
}

func returning(day *domain.ContributionDay) func(context.Context, string) (*domain.ContributionDay, error) {
	return func(context.Context, string) (*domain.ContributionDay, error) { return day, nil }
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	verified []string
	xp       int
	members  int
}

func (r *recordingObserver) CheckinObserved(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingObserver) VerificationObserved(result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verified = append(r.verified, result)
}

func (r *recordingObserver) XPGranted(amount int, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.xp += amount
}

func (r *recordingObserver) MembershipSize(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = n
}

type fixture struct {
	engine   *Engine
	facade   *memdb.InMemoryFacade
	store    *memdb.InMemoryStore
	verifier *fakeVerifier
	observer *recordingObserver
}

const cooldown = 20 * time.Hour

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func writeTemplates(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, HelpTemplate), []byte("Say `koda checkin <proof>`"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "drafts"), 0o755))
	return dir
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memdb.NewInMemoryStore()
	facade := memdb.NewInMemoryFacade(store, nil, logger.Discard())
	require.NoError(t, facade.CreateTables())

	verifier := &fakeVerifier{}
	observer := &recordingObserver{}
	engine, err := NewEngine(facade, verifier, Config{
		BaseCooldown:  cooldown,
		VerifyTimeout: 50 * time.Millisecond,
		TemplatesDir:  writeTemplates(t),
	}, WithObserver(observer), WithLogger(logger.Discard()))
	require.NoError(t, err)

	return &fixture{engine: engine, facade: facade, store: store, verifier: verifier, observer: observer}
}

func (f *fixture) establish(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.engine.EstablishNewUser(domain.NewUser(id)))
}

func (f *fixture) linkGithub(t *testing.T, id, login string) {
	t.Helper()
	require.NoError(t, f.engine.RegisterGithubName(id, login))
}

func (f *fixture) checkinCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.View(func(tx memdb.Tx) error {
		table, err := tx.GetTable(memdb.TableCheckins)
		if err != nil {
			return err
		}
		n = table.Len()
		return nil
	}))
	return n
}

// ══════════════════════════════════════════════════════════════════════════════
// CONSTRUCTION & TEMPLATES
// ══════════════════════════════════════════════════════════════════════════════

func TestNewEngine_MissingTemplatesDir(t *testing.T) {
	facade := memdb.NewInMemoryFacade(memdb.NewInMemoryStore(), nil, logger.Discard())
	_, err := NewEngine(facade, &fakeVerifier{}, Config{TemplatesDir: filepath.Join(t.TempDir(), "nope")})
	assert.ErrorIs(t, err, ErrTemplatesDir)

	file := filepath.Join(t.TempDir(), "help.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	_, err = NewEngine(facade, &fakeVerifier{}, Config{TemplatesDir: file})
	assert.ErrorIs(t, err, ErrTemplatesDir)

	_, err = NewEngine(facade, nil, Config{TemplatesDir: t.TempDir()})
	assert.Error(t, err)
}

func TestEngine_Templates(t *testing.T) {
	f := newFixture(t)

	help, err := f.engine.HelpText()
	require.NoError(t, err)
	assert.Equal(t, "Say `koda checkin <proof>`", help)

	_, err = f.engine.Template("drafts")
	assert.ErrorIs(t, err, ErrTemplateNotFound)
	assert.True(t, shared.IsNotFound(err))
}

// ══════════════════════════════════════════════════════════════════════════════
// MEMBERSHIP
// ══════════════════════════════════════════════════════════════════════════════

func TestEngine_Membership(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.engine.NewUserDetected("1"))
	_, err := f.engine.GetStats("1")
	assert.ErrorIs(t, err, shared.ErrNewUser)

	f.establish(t, "1")
	assert.False(t, f.engine.NewUserDetected("1"))

	stats, err := f.engine.GetStats("1")
	require.NoError(t, err)
	assert.Equal(t, domain.NewStats(), stats)
	assert.Equal(t, 1, f.observer.members)

	assert.Error(t, f.engine.EstablishNewUser(domain.NewUser("")))
}

func TestEngine_EstablishDoesNotOverwrite(t *testing.T) {
	f := newFixture(t)
	f.establish(t, "1")
	_, _, err := f.engine.GiveXP("1", 120)
	require.NoError(t, err)

	f.establish(t, "1")
	stats, err := f.engine.GetStats("1")
	require.NoError(t, err)
	assert.Equal(t, 120, stats.XP)
}

func TestEngine_RebuildMembership(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.facade.CreateMissingUserData(domain.NewUser("7")))
	require.NoError(t, f.facade.CreateMissingUserData(domain.NewUser("8")))

	assert.True(t, f.engine.NewUserDetected("7"))
	require.NoError(t, f.engine.RebuildMembership())
	assert.False(t, f.engine.NewUserDetected("7"))
	assert.False(t, f.engine.NewUserDetected("8"))
	assert.True(t, f.engine.NewUserDetected("9"))
	assert.Equal(t, 2, f.observer.members)
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECK-IN
// ══════════════════════════════════════════════════════════════════════════════

func TestCheckin_NewUser(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Checkin(context.Background(), "1", domain.NewCheckin("1", t0, "notes"))
	assert.ErrorIs(t, err, shared.ErrNewUser)
	assert.Equal(t, 0, f.checkinCount(t))
}

func TestCheckin_CooldownArithmetic(t *testing.T) {
	f := newFixture(t)
	f.establish(t, "1")
	ctx := context.Background()

	remaining, err := f.engine.Checkin(ctx, "1", domain.NewCheckin("1", t0, "read a book"))
	require.NoError(t, err)
	assert.Zero(t, remaining)

	user, err := f.facade.GetUser("1")
	require.NoError(t, err)
	require.NotNil(t, user.LastCheckin)
	assert.Equal(t, domain.ProofNote, user.LastCheckin.ProofType)

	remaining, err = f.engine.Checkin(ctx, "1", domain.NewCheckin("1", t0.Add(19*time.Hour), "again"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, remaining)
	assert.Equal(t, 1, f.checkinCount(t), "cooldown rejection must not mutate")

	after, err := f.facade.GetUser("1")
	require.NoError(t, err)
	assert.Equal(t, user, after)

	remaining, err = f.engine.Checkin(ctx, "1", domain.NewCheckin("1", t0.Add(cooldown), "exactly at cooldown"))
	require.NoError(t, err)
	assert.Zero(t, remaining)
	assert.Equal(t, 2, f.checkinCount(t))

	assert.Equal(t, []string{OutcomeAccepted, OutcomeCooldown, OutcomeAccepted}, f.observer.outcomes)
}

func TestCheckin_ContributionVerification(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		cached     *domain.ContributionDay
		latest     *domain.ContributionDay
		wantErr    error
		wantProof  domain.ProofType
		wantCached *domain.ContributionDay
	}{
		{
			name:       "first contribution ever",
			latest:     &domain.ContributionDay{Date: "2025-03-01", Count: 2},
			wantProof:  domain.ProofContribution,
			wantCached: &domain.ContributionDay{Date: "2025-03-01", Count: 2},
		},
		{
			name:       "new day",
			cached:     &domain.ContributionDay{Date: "2025-02-28", Count: 9},
			latest:     &domain.ContributionDay{Date: "2025-03-01", Count: 1},
			wantProof:  domain.ProofContribution,
			wantCached: &domain.ContributionDay{Date: "2025-03-01", Count: 1},
		},
		{
			name:       "same day with more activity",
			cached:     &domain.ContributionDay{Date: "2025-03-01", Count: 2},
			latest:     &domain.ContributionDay{Date: "2025-03-01", Count: 5},
			wantProof:  domain.ProofContribution,
			wantCached: &domain.ContributionDay{Date: "2025-03-01", Count: 5},
		},
		{
			name:       "same day same count",
			cached:     &domain.ContributionDay{Date: "2025-03-01", Count: 5},
			latest:     &domain.ContributionDay{Date: "2025-03-01", Count: 5},
			wantErr:    shared.ErrLackOfContribution,
			wantCached: &domain.ContributionDay{Date: "2025-03-01", Count: 5},
		},
		{
			name:       "no activity found is accepted as a note",
			cached:     &domain.ContributionDay{Date: "2025-03-01", Count: 5},
			wantProof:  domain.ProofNote,
			wantCached: &domain.ContributionDay{Date: "2025-03-01", Count: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.establish(t, "1")
			f.linkGithub(t, "1", "octocat")

			if tt.cached != nil {
				_, err := f.facade.RecordCheckin("1", domain.NewCheckin("1", t0.Add(-48*time.Hour), "seed"), tt.cached)
				require.NoError(t, err)
			}
			before := f.checkinCount(t)

			f.verifier.fn = returning(tt.latest)
			remaining, err := f.engine.Checkin(ctx, "1", domain.NewCheckin("1", t0, "octocat"))
			assert.Zero(t, remaining)

			user, getErr := f.facade.GetUser("1")
			require.NoError(t, getErr)
			assert.Equal(t, tt.wantCached, user.LastGithubContribution)
			assert.Equal(t, int32(1), f.verifier.calls.Load())

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, shared.IsValidation(err))
				assert.Equal(t, before, f.checkinCount(t))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, before+1, f.checkinCount(t))
			assert.Equal(t, tt.wantProof, user.LastCheckin.ProofType)
		})
	}
}

func TestCheckin_ProofOtherThanLoginSkipsVerification(t *testing.T) {
	f := newFixture(t)
	f.establish(t, "1")
	f.linkGithub(t, "1", "octocat")

	_, err := f.engine.Checkin(context.Background(), "1", domain.NewCheckin("1", t0, "worked on octocat's repo"))
	require.NoError(t, err)
	assert.Zero(t, f.verifier.calls.Load())

	// Without a linked login the proof is never compared.
	f.establish(t, "2")
	_, err = f.engine.Checkin(context.Background(), "2", domain.NewCheckin("2", t0, "octocat"))
	require.NoError(t, err)
	assert.Zero(t, f.verifier.calls.Load())
}

func TestCheckin_VerifierFailureDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	f.establish(t, "1")
	f.linkGithub(t, "1", "octocat")

	boom := errors.New("502 bad gateway")
	f.verifier.fn = func(context.Context, string) (*domain.ContributionDay, error) { return nil, boom }

	_, err := f.engine.Checkin(context.Background(), "1", domain.NewCheckin("1", t0, "octocat"))
	assert.ErrorIs(t, err, shared.ErrVerificationUnavailable)
	assert.ErrorIs(t, err, boom)
	assert.True(t, shared.IsExternalService(err))
	assert.Equal(t, 0, f.checkinCount(t))

	user, err := f.facade.GetUser("1")
	require.NoError(t, err)
	assert.Nil(t, user.LastCheckin)
	assert.Equal(t, []string{VerificationError}, f.observer.verified)
	assert.Equal(t, []string{OutcomeUnverified}, f.observer.outcomes)
}

func TestCheckin_VerifierTimeout(t *testing.T) {
	f := newFixture(t)
	f.establish(t, "1")
	f.linkGithub(t, "1", "octocat")

	f.verifier.fn = func(ctx context.Context, _ string) (*domain.ContributionDay, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := f.engine.Checkin(context.Background(), "1", domain.NewCheckin("1", t0, "octocat"))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, err, shared.ErrVerificationUnavailable)
	assert.ErrorIs(t, err, shared.ErrTimeout)
	assert.Equal(t, 0, f.checkinCount(t))
	assert.Equal(t, []string{VerificationTimeout}, f.observer.verified)
}

func TestCheckin_ConcurrentSameUser(t *testing.T) {
	f := newFixture(t)
	f.establish(t, "1")

	const attempts = 8
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			remaining, err := f.engine.Checkin(context.Background(), "1", domain.NewCheckin("1", t0, "notes"))
			assert.NoError(t, err)
			if remaining == 0 {
				accepted.Add(1)
			} else {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(attempts-1), rejected.Load())
	assert.Equal(t, 1, f.checkinCount(t))
}

func TestCheckin_OtherUsersAreNotBlockedByVerification(t *testing.T) {
	f := newFixture(t)
	f.establish(t, "slow")
	f.establish(t, "fast")
	f.linkGithub(t, "slow", "octocat")

	release := make(chan struct{})
	entered := make(chan struct{})
	f.verifier.fn = func(ctx context.Context, _ string) (*domain.ContributionDay, error) {
		close(entered)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}
	f.engine.config.VerifyTimeout = 5 * time.Second

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Checkin(context.Background(), "slow", domain.NewCheckin("slow", t0, "octocat"))
		done <- err
	}()
	<-entered

	_, err := f.engine.Checkin(context.Background(), "fast", domain.NewCheckin("fast", t0, "notes"))
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 2, f.checkinCount(t))
}

// ══════════════════════════════════════════════════════════════════════════════
// OTHER COMMANDS
// ══════════════════════════════════════════════════════════════════════════════

func TestEngine_GiveXP(t *testing.T) {
	f := newFixture(t)
	f.establish(t, "1")

	stats, leveled, err := f.engine.GiveXP("1", 500)
	require.NoError(t, err)
	assert.True(t, leveled)
	assert.Equal(t, domain.Stats{XP: 0, TotalXPNeeded: 1000, Level: 2}, stats)
	assert.Equal(t, 500, f.observer.xp)

	_, _, err = f.engine.GiveXP("1", -1)
	assert.True(t, shared.IsValidation(err))
}

func TestEngine_RegisterGithubName(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.engine.RegisterGithubName("1", "octocat"), shared.ErrNewUser)

	f.establish(t, "1")
	assert.ErrorIs(t, f.engine.RegisterGithubName("1", "-bad-"), shared.ErrInvalidGithubName)
	require.NoError(t, f.engine.RegisterGithubName("1", "octo-cat"))

	user, err := f.facade.GetUser("1")
	require.NoError(t, err)
	require.NotNil(t, user.GithubName)
	assert.Equal(t, "octo-cat", *user.GithubName)
}

func TestEngine_ClearUser(t *testing.T) {
	f := newFixture(t)
	err := f.engine.ClearUser("1")
	assert.ErrorIs(t, err, shared.ErrNotImplemented)
	assert.ErrorIs(t, err, shared.ErrUnsupported)
}

func TestValidateGithubLogin(t *testing.T) {
	valid := []string{"a", "octocat", "octo-cat", "a1-b2-c3", "A123456789012345678901234567890123456789"[:39]}
	for _, login := range valid {
		assert.NoError(t, ValidateGithubLogin(login), login)
	}

	invalid := []string{"", "-octocat", "octocat-", "octo--cat", "octo cat", "octo_cat", "A1234567890123456789012345678901234567890"}
	for _, login := range invalid {
		assert.ErrorIs(t, ValidateGithubLogin(login), shared.ErrInvalidGithubName, login)
	}
}
