package memdb

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/koda-community/koda-bot/internal/domain/progression"
	"github.com/koda-community/koda-bot/internal/domain/shared"
	"github.com/koda-community/koda-bot/pkg/logger"
)

// Snapshotter persists and restores the store contents.
// Implemented by snapshot.Manager.
type Snapshotter interface {
	Save(permanent bool) error
	Load() (bool, error)
}

// ErrNoSnapshotter is returned by SaveDB/LoadDB when the facade was built
// without persistence.
var ErrNoSnapshotter = shared.NewDomainError("store", "Snapshot", shared.ErrUnsupported, "persistence is not configured")

// InMemoryFacade implements progression.Repository over a Store.
// Each operation runs inside exactly one transaction.
type InMemoryFacade struct {
	store     Store
	snapshots Snapshotter
	newID     func() string
	log       *slog.Logger
}

// Compile-time check.
var _ progression.Repository = (*InMemoryFacade)(nil)

// NewInMemoryFacade creates a facade. snapshots may be nil, in which case
// SaveDB and LoadDB fail with ErrNoSnapshotter.
func NewInMemoryFacade(store Store, snapshots Snapshotter, log *slog.Logger) *InMemoryFacade {
	if log == nil {
		log = slog.Default()
	}
	return &InMemoryFacade{
		store:     store,
		snapshots: snapshots,
		newID:     uuid.NewString,
		log:       log.With(logger.Component("facade")),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEMA
// ══════════════════════════════════════════════════════════════════════════════

// CreateTables creates every schema table that does not exist yet.
func (f *InMemoryFacade) CreateTables() error {
	err := f.store.Update(func(tx Tx) error {
		for _, name := range TableNames {
			if err := tx.CreateTable(name); err != nil {
				return err
			}
		}
		return nil
	})
	return f.check("CreateTables", err)
}

// ══════════════════════════════════════════════════════════════════════════════
// READS
// ══════════════════════════════════════════════════════════════════════════════

// GetStats returns the user's progression record.
func (f *InMemoryFacade) GetStats(userID string) (progression.Stats, error) {
	var stats progression.Stats
	err := f.store.View(func(tx Tx) error {
		var err error
		stats, err = Get[progression.Stats](tx, TableStats, userID)
		return err
	})
	return stats, f.check("GetStats", err, logger.UserID(userID))
}

// GetUser returns a copy of the user record.
func (f *InMemoryFacade) GetUser(userID string) (progression.User, error) {
	var user progression.User
	err := f.store.View(func(tx Tx) error {
		u, err := Get[progression.User](tx, TableUsers, userID)
		if err != nil {
			return err
		}
		user = cloneUser(u)
		return nil
	})
	return user, f.check("GetUser", err, logger.UserID(userID))
}

// ListUserIDs returns every user key, sorted.
func (f *InMemoryFacade) ListUserIDs() ([]string, error) {
	var ids []string
	err := f.store.View(func(tx Tx) error {
		tbl, err := tx.GetTable(TableUsers)
		if err != nil {
			return err
		}
		ids = tbl.Keys()
		return nil
	})
	return ids, f.check("ListUserIDs", err)
}

// ══════════════════════════════════════════════════════════════════════════════
// WRITES
// ══════════════════════════════════════════════════════════════════════════════

// CreateMissingUserData inserts the User and a fresh Stats record when
// either is absent. Existing records are never overwritten.
func (f *InMemoryFacade) CreateMissingUserData(user progression.User) error {
	var createdUser, createdStats bool
	err := f.store.Update(func(tx Tx) error {
		if _, err := tx.GetRecord(TableUsers, user.ID); err != nil {
			if !errors.Is(err, shared.ErrKeyNotFound) {
				return err
			}
			if err := tx.SetRecord(TableUsers, user.ID, cloneUser(user)); err != nil {
				return err
			}
			createdUser = true
		}
		if _, err := tx.GetRecord(TableStats, user.ID); err != nil {
			if !errors.Is(err, shared.ErrKeyNotFound) {
				return err
			}
			if err := tx.SetRecord(TableStats, user.ID, progression.NewStats()); err != nil {
				return err
			}
			createdStats = true
		}
		return nil
	})
	if err != nil {
		return f.check("CreateMissingUserData", err, logger.UserID(user.ID))
	}
	if createdUser || createdStats {
		f.log.Info("user data created",
			logger.UserID(user.ID),
			slog.Bool("user", createdUser),
			slog.Bool("stats", createdStats),
		)
	}
	return nil
}

// CreateCheckin stores an immutable check-in under a fresh identifier.
func (f *InMemoryFacade) CreateCheckin(checkin progression.Checkin) (string, error) {
	id := f.newID()
	err := f.store.Update(func(tx Tx) error {
		return tx.SetRecord(TableCheckins, id, checkin)
	})
	if err != nil {
		return "", f.check("CreateCheckin", err, logger.UserID(checkin.UserID))
	}
	f.log.Debug("checkin created", logger.UserID(checkin.UserID), logger.CheckinID(id))
	return id, nil
}

// UpdateUsersLastCheckin re-reads the user and moves its last check-in
// pointer and embedded copy. Other fields are left as stored.
func (f *InMemoryFacade) UpdateUsersLastCheckin(userID, checkinID string, checkin progression.Checkin) error {
	err := f.store.Update(func(tx Tx) error {
		return setLastCheckin(tx, userID, checkinID, checkin, nil)
	})
	if err != nil {
		return f.check("UpdateUsersLastCheckin", err, logger.UserID(userID))
	}
	f.log.Debug("last checkin updated", logger.UserID(userID), logger.CheckinID(checkinID))
	return nil
}

// RecordCheckin creates the check-in, moves the user's pointer to it and,
// when contribution is non-nil, replaces the cached external activity.
// Nothing is written if the user does not exist.
func (f *InMemoryFacade) RecordCheckin(userID string, checkin progression.Checkin, contribution *progression.ContributionDay) (string, error) {
	id := f.newID()
	err := f.store.Update(func(tx Tx) error {
		if _, err := Get[progression.User](tx, TableUsers, userID); err != nil {
			return err
		}
		if err := tx.SetRecord(TableCheckins, id, checkin); err != nil {
			return err
		}
		return setLastCheckin(tx, userID, id, checkin, contribution)
	})
	if err != nil {
		return "", f.check("RecordCheckin", err, logger.UserID(userID))
	}
	f.log.Info("checkin recorded",
		logger.UserID(userID),
		logger.CheckinID(id),
		slog.String("proof_type", string(checkin.ProofType)),
	)
	return id, nil
}

// UpdateUsersGithubName links a GitHub login to the user.
func (f *InMemoryFacade) UpdateUsersGithubName(userID, name string) error {
	err := f.store.Update(func(tx Tx) error {
		u, err := Get[progression.User](tx, TableUsers, userID)
		if err != nil {
			return err
		}
		u = cloneUser(u)
		login := name
		u.GithubName = &login
		return tx.SetRecord(TableUsers, userID, u)
	})
	if err != nil {
		return f.check("UpdateUsersGithubName", err, logger.UserID(userID))
	}
	f.log.Info("github name linked", logger.UserID(userID), logger.GithubLogin(name))
	return nil
}

// GiveXP applies the leveling recurrence and returns the resulting Stats
// and whether the user levelled up.
func (f *InMemoryFacade) GiveXP(userID string, amount int) (progression.Stats, bool, error) {
	var (
		stats     progression.Stats
		leveledUp bool
	)
	err := f.store.Update(func(tx Tx) error {
		s, err := Get[progression.Stats](tx, TableStats, userID)
		if err != nil {
			return err
		}
		leveledUp = s.AddXP(amount)
		stats = s
		return tx.SetRecord(TableStats, userID, s)
	})
	if err != nil {
		return progression.Stats{}, false, f.check("GiveXP", err, logger.UserID(userID))
	}

	f.log.Debug("xp given", logger.UserID(userID), logger.XP(amount))
	if leveledUp {
		f.log.Info("level up", logger.UserID(userID), logger.Level(stats.Level))
	}
	return stats, leveledUp, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PERSISTENCE
// ══════════════════════════════════════════════════════════════════════════════

// SaveDB writes a rotating or permanent snapshot.
func (f *InMemoryFacade) SaveDB(permanent bool) error {
	if f.snapshots == nil {
		return ErrNoSnapshotter
	}
	if err := f.snapshots.Save(permanent); err != nil {
		f.log.Error("snapshot save failed", slog.Bool("permanent", permanent), logger.Err(err))
		return err
	}
	return nil
}

// LoadDB restores the newest snapshot, then re-creates any table the
// snapshot did not carry. Reports whether a snapshot was applied.
func (f *InMemoryFacade) LoadDB() (bool, error) {
	if f.snapshots == nil {
		return false, ErrNoSnapshotter
	}
	loaded, err := f.snapshots.Load()
	if err != nil {
		f.log.Error("snapshot load failed", logger.Err(err))
		return false, err
	}
	if err := f.CreateTables(); err != nil {
		return loaded, err
	}
	return loaded, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

func setLastCheckin(tx Tx, userID, checkinID string, checkin progression.Checkin, contribution *progression.ContributionDay) error {
	u, err := Get[progression.User](tx, TableUsers, userID)
	if err != nil {
		return err
	}
	u = cloneUser(u)

	id := checkinID
	c := checkin
	u.LastCheckinID = &id
	u.LastCheckin = &c
	if contribution != nil {
		day := *contribution
		u.LastGithubContribution = &day
	}
	return tx.SetRecord(TableUsers, userID, u)
}

// check logs store-level failures loudly and passes the error through.
func (f *InMemoryFacade) check(op string, err error, attrs ...any) error {
	if err == nil {
		return nil
	}
	args := append([]any{logger.Operation(op), logger.Err(err)}, attrs...)
	if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrInvalidType) {
		f.log.Error("store invariant violated", args...)
	} else {
		f.log.Warn("store operation failed", args...)
	}
	return err
}

// cloneUser copies the pointer fields so callers never alias stored records.
func cloneUser(u progression.User) progression.User {
	out := progression.User{ID: u.ID}
	if u.LastCheckinID != nil {
		id := *u.LastCheckinID
		out.LastCheckinID = &id
	}
	if u.LastCheckin != nil {
		c := *u.LastCheckin
		out.LastCheckin = &c
	}
	if u.GithubName != nil {
		name := *u.GithubName
		out.GithubName = &name
	}
	if u.LastGithubContribution != nil {
		day := *u.LastGithubContribution
		out.LastGithubContribution = &day
	}
	return out
}
