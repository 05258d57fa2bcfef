package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koda-community/koda-bot/internal/domain/progression"
	"github.com/koda-community/koda-bot/internal/domain/shared"
	"github.com/koda-community/koda-bot/internal/infrastructure/persistence/memdb"
	"github.com/koda-community/koda-bot/pkg/logger"
)

func newTestManager(t *testing.T, store memdb.Store, opts ...Option) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	m, err := NewManager(store, dir, "koda_db.json", opts...)
	require.NoError(t, err)
	return m, dir
}

func populatedStore(t *testing.T) *memdb.InMemoryStore {
	t.Helper()
	store := memdb.NewInMemoryStore()
	schema := memdb.NewSchemaWithTables()

	name := "octocat"
	checkinID := "c-1"
	checkin := progression.Checkin{
		UserID:    "1",
		Date:      time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		Proof:     "octocat",
		ProofType: progression.ProofContribution,
	}
	schema.Users["1"] = progression.User{
		ID:                     "1",
		LastCheckinID:          &checkinID,
		LastCheckin:            &checkin,
		GithubName:             &name,
		LastGithubContribution: &progression.ContributionDay{Date: "2025-03-01", Count: 2},
	}
	schema.Users["2"] = progression.NewUser("2")
	schema.Stats["1"] = progression.Stats{XP: 50, TotalXPNeeded: 500, Level: 1}
	schema.Stats["2"] = progression.NewStats()
	schema.Checkins[checkinID] = checkin

	store.Replace(schema)
	return store
}

func setMTime(t *testing.T, path string, at time.Time) {
	t.Helper()
	require.NoError(t, os.Chtimes(path, at, at))
}

func TestNewManager_RejectsBadFileName(t *testing.T) {
	store := memdb.NewInMemoryStore()
	for _, name := range []string{"", "sub/koda.json", ".hidden.json"} {
		_, err := NewManager(store, t.TempDir(), name)
		assert.ErrorIs(t, err, ErrInvalidFileName, "name %q", name)
	}
}

func TestSaveRotating_FillsMissingSlotsFirst(t *testing.T) {
	m, dir := newTestManager(t, populatedStore(t))

	for i := 1; i <= RotationSlots; i++ {
		path, err := m.SaveRotating()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "koda_db_"+string(rune('0'+i))+".json"), path)
		// Push the fresh file into the past so "missing" is the only reason to pick a slot.
		setMTime(t, path, time.Unix(int64(1000*i), 0))
	}
}

func TestSaveRotating_OverwritesOldest(t *testing.T) {
	m, _ := newTestManager(t, populatedStore(t))
	for i := 1; i <= RotationSlots; i++ {
		_, err := m.SaveRotating()
		require.NoError(t, err)
	}

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	setMTime(t, m.RotationPath(1), base.Add(1*time.Hour))
	setMTime(t, m.RotationPath(2), base.Add(2*time.Hour))
	setMTime(t, m.RotationPath(3), base.Add(3*time.Hour))

	path, err := m.SaveRotating()
	require.NoError(t, err)
	assert.Equal(t, m.RotationPath(1), path)

	setMTime(t, m.RotationPath(1), base.Add(4*time.Hour))
	path, err = m.SaveRotating()
	require.NoError(t, err)
	assert.Equal(t, m.RotationPath(2), path)
}

func TestSaveRotating_MissingSlotBeatsOldest(t *testing.T) {
	m, _ := newTestManager(t, populatedStore(t))
	for i := 1; i <= RotationSlots; i++ {
		_, err := m.SaveRotating()
		require.NoError(t, err)
	}
	setMTime(t, m.RotationPath(1), time.Unix(10, 0))
	require.NoError(t, os.Remove(m.RotationPath(3)))

	path, err := m.SaveRotating()
	require.NoError(t, err)
	assert.Equal(t, m.RotationPath(3), path)
}

type recordingArchiver struct {
	name    string
	takenAt time.Time
	data    []byte
	err     error
}

func (a *recordingArchiver) Archive(_ context.Context, name string, takenAt time.Time, data []byte) error {
	a.name, a.takenAt, a.data = name, takenAt, data
	return a.err
}

func TestSavePermanent_TimestampNameAndArchive(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	archiver := &recordingArchiver{err: errors.New("archive down")}
	m, dir := newTestManager(t, populatedStore(t),
		WithClock(func() time.Time { return at }),
		WithArchiver(archiver, time.Second),
	)

	path, err := m.SavePermanent()
	require.NoError(t, err, "archive failures must not fail the save")

	wantName := "koda_db_1740830400.json"
	assert.Equal(t, filepath.Join(dir, wantName), path)
	assert.Equal(t, wantName, archiver.name)
	assert.Equal(t, at, archiver.takenAt)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, onDisk, archiver.data)

	_, err = m.SavePermanent()
	assert.ErrorIs(t, err, ErrWrite, "a permanent snapshot is never overwritten")
	assert.ErrorIs(t, err, os.ErrExist)
}

func TestLoad_PicksNewestMTime(t *testing.T) {
	dir := t.TempDir()
	mtimes := map[string]int64{"a.json": 5, "b.json": 9, "c.json": 3}
	for name, sec := range mtimes {
		body := `{"users":{"` + name + `":{"id":"` + name + `"}},"stats":{},"checkins":{},"user_checkins":{}}`
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		setMTime(t, path, time.Unix(sec, 0))
	}
	// In-flight temp files are ignored even when newest.
	tmp := filepath.Join(dir, ".koda_db_1.json.123.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("{"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o755))

	store := memdb.NewInMemoryStore()
	m, err := NewManager(store, dir, "koda_db.json", WithLogger(logger.Discard()))
	require.NoError(t, err)

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.True(t, loaded)

	require.NoError(t, store.View(func(tx memdb.Tx) error {
		tbl, err := tx.GetTable(memdb.TableUsers)
		require.NoError(t, err)
		assert.Equal(t, []string{"b.json"}, tbl.Keys())
		return nil
	}))
}

func TestLoad_MissingOrEmptyFolder(t *testing.T) {
	store := memdb.NewInMemoryStore()
	marker := memdb.NewSchemaWithTables()
	store.Replace(marker)

	m, err := NewManager(store, filepath.Join(t.TempDir(), "nope"), "koda_db.json", WithLogger(logger.Discard()))
	require.NoError(t, err)
	loaded, err := m.Load()
	require.NoError(t, err)
	assert.False(t, loaded)

	m, _ = newTestManager(t, store)
	loaded, err = m.Load()
	require.NoError(t, err)
	assert.False(t, loaded)

	require.NoError(t, store.View(func(tx memdb.Tx) error {
		assert.Same(t, marker, tx.Schema(), "store must be untouched")
		return nil
	}))
}

func TestLoad_DecodeErrorIsSurfaced(t *testing.T) {
	m, dir := newTestManager(t, memdb.NewInMemoryStore())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "koda_db_1.json"), []byte("not json"), 0o644))

	loaded, err := m.Load()
	assert.False(t, loaded)
	assert.ErrorIs(t, err, ErrDecode)
	assert.True(t, shared.IsValidation(err))
}

func TestRoundTrip(t *testing.T) {
	src := populatedStore(t)
	m, dir := newTestManager(t, src)
	_, err := m.SaveRotating()
	require.NoError(t, err)

	dst := memdb.NewInMemoryStore()
	m2, err := NewManager(dst, dir, "koda_db.json", WithLogger(logger.Discard()))
	require.NoError(t, err)
	loaded, err := m2.Load()
	require.NoError(t, err)
	require.True(t, loaded)

	var want, got *memdb.Schema
	require.NoError(t, src.View(func(tx memdb.Tx) error { want = tx.Schema(); return nil }))
	require.NoError(t, dst.View(func(tx memdb.Tx) error { got = tx.Schema(); return nil }))

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("schema mismatch after round-trip (-want +got):\n%s", diff)
	}
}

type countingRecorder struct {
	saved, failed map[string]int
	loads         []bool
}

func (r *countingRecorder) SnapshotSaved(kind string, _ int, _ time.Duration) { r.saved[kind]++ }
func (r *countingRecorder) SnapshotFailed(kind string)                        { r.failed[kind]++ }
func (r *countingRecorder) SnapshotLoaded(found bool)                         { r.loads = append(r.loads, found) }

func TestRecorder(t *testing.T) {
	rec := &countingRecorder{saved: map[string]int{}, failed: map[string]int{}}
	m, _ := newTestManager(t, populatedStore(t), WithRecorder(rec))

	require.NoError(t, m.Save(false))
	require.NoError(t, m.Save(true))
	_, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, 1, rec.saved[KindRotating])
	assert.Equal(t, 1, rec.saved[KindPermanent])
	assert.Equal(t, []bool{true}, rec.loads)
}
