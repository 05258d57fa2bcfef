// Package snapshot persists the in-memory Schema to JSON files.
//
// Two save modes share one folder and base file name:
//   - rotating saves overwrite one of three slots (<stem>_1..3<suffix>),
//     preferring a missing slot, then the one with the oldest mtime
//   - permanent saves write <stem>_<unix-seconds><suffix> and never overwrite
//
// Load picks the regular file with the newest mtime, whatever its name.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/koda-community/koda-bot/internal/domain/shared"
	"github.com/koda-community/koda-bot/internal/infrastructure/persistence/memdb"
	"github.com/koda-community/koda-bot/pkg/logger"
)

// RotationSlots is the number of rotating snapshot files.
const RotationSlots = 3

// Snapshot kinds, used in logs and metrics.
const (
	KindRotating  = "rotating"
	KindPermanent = "permanent"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrDecode indicates a snapshot file that is not a valid Schema document.
	ErrDecode = shared.NewDomainError("snapshot", "Load", shared.ErrInvalidInput, "snapshot could not be decoded")

	// ErrWrite indicates a snapshot that could not be written to disk.
	ErrWrite = shared.NewDomainError("snapshot", "Save", shared.ErrInvalidState, "snapshot could not be written")

	// ErrInvalidFileName indicates a base file name that is empty or has a directory part.
	ErrInvalidFileName = shared.NewDomainError("snapshot", "New", shared.ErrInvalidInput, "invalid snapshot file name")
)

// ══════════════════════════════════════════════════════════════════════════════
// HOOKS
// ══════════════════════════════════════════════════════════════════════════════

// Archiver receives every permanent snapshot after it has been written locally.
type Archiver interface {
	Archive(ctx context.Context, name string, takenAt time.Time, data []byte) error
}

// Recorder observes save and load outcomes.
type Recorder interface {
	SnapshotSaved(kind string, size int, took time.Duration)
	SnapshotFailed(kind string)
	SnapshotLoaded(found bool)
}

type nopRecorder struct{}

func (nopRecorder) SnapshotSaved(string, int, time.Duration) {}
func (nopRecorder) SnapshotFailed(string)                    {}
func (nopRecorder) SnapshotLoaded(bool)                      {}

// ══════════════════════════════════════════════════════════════════════════════
// MANAGER
// ══════════════════════════════════════════════════════════════════════════════

// Manager saves and restores a memdb.Store.
type Manager struct {
	store  memdb.Store
	folder string
	stem   string
	suffix string

	archiver       Archiver
	archiveTimeout time.Duration
	recorder       Recorder
	now            func() time.Time
	log            *slog.Logger

	// mu serializes saves so two rotating saves never pick the same slot.
	mu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithArchiver sets the hook that receives permanent snapshots.
func WithArchiver(a Archiver, timeout time.Duration) Option {
	return func(m *Manager) {
		m.archiver = a
		if timeout > 0 {
			m.archiveTimeout = timeout
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// WithClock overrides the time source used for permanent file names.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager creates a Manager writing into folder. fileName is the base
// name whose extension becomes the suffix of every snapshot file.
func NewManager(store memdb.Store, folder, fileName string, opts ...Option) (*Manager, error) {
	if fileName == "" || fileName != filepath.Base(fileName) || strings.HasPrefix(fileName, ".") {
		return nil, ErrInvalidFileName.Wrap(fmt.Errorf("%q", fileName))
	}

	suffix := filepath.Ext(fileName)
	m := &Manager{
		store:          store,
		folder:         folder,
		stem:           strings.TrimSuffix(fileName, suffix),
		suffix:         suffix,
		archiveTimeout: 10 * time.Second,
		recorder:       nopRecorder{},
		now:            time.Now,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(logger.Component("snapshot"))
	return m, nil
}

// Folder returns the snapshot folder.
func (m *Manager) Folder() string {
	return m.folder
}

// Save writes a permanent or rotating snapshot. It implements memdb.Snapshotter.
func (m *Manager) Save(permanent bool) error {
	var err error
	if permanent {
		_, err = m.SavePermanent()
	} else {
		_, err = m.SaveRotating()
	}
	return err
}

// SaveRotating overwrites the selected rotation slot and returns its path.
func (m *Manager) SaveRotating() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	data, err := m.serialize()
	if err != nil {
		m.recorder.SnapshotFailed(KindRotating)
		return "", err
	}

	if err := os.MkdirAll(m.folder, 0o755); err != nil {
		m.recorder.SnapshotFailed(KindRotating)
		return "", ErrWrite.Wrap(err)
	}

	path, err := m.nextRotationSlot()
	if err != nil {
		m.recorder.SnapshotFailed(KindRotating)
		return "", ErrWrite.Wrap(err)
	}
	if err := writeAtomic(path, data); err != nil {
		m.recorder.SnapshotFailed(KindRotating)
		return "", ErrWrite.Wrap(err)
	}

	took := time.Since(start)
	m.recorder.SnapshotSaved(KindRotating, len(data), took)
	m.log.Debug("rotating snapshot saved", logger.Path(path), slog.Int("bytes", len(data)), logger.Latency(took))
	return path, nil
}

// SavePermanent writes a timestamp-named snapshot and hands it to the
// archiver, if any. Archive failures are logged and do not fail the save.
func (m *Manager) SavePermanent() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	takenAt := m.now().UTC()
	data, err := m.serialize()
	if err != nil {
		m.recorder.SnapshotFailed(KindPermanent)
		return "", err
	}

	if err := os.MkdirAll(m.folder, 0o755); err != nil {
		m.recorder.SnapshotFailed(KindPermanent)
		return "", ErrWrite.Wrap(err)
	}

	name := m.permanentName(takenAt)
	path := filepath.Join(m.folder, name)
	if _, err := os.Stat(path); err == nil {
		// Permanent snapshots are never overwritten.
		m.recorder.SnapshotFailed(KindPermanent)
		return "", ErrWrite.Wrap(fmt.Errorf("%s: %w", name, fs.ErrExist))
	}
	if err := writeAtomic(path, data); err != nil {
		m.recorder.SnapshotFailed(KindPermanent)
		return "", ErrWrite.Wrap(err)
	}

	took := time.Since(start)
	m.recorder.SnapshotSaved(KindPermanent, len(data), took)
	m.log.Info("permanent snapshot saved", logger.Path(path), slog.Int("bytes", len(data)), logger.Latency(took))

	if m.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.archiveTimeout)
		defer cancel()
		if err := m.archiver.Archive(ctx, name, takenAt, data); err != nil {
			m.log.Error("snapshot archive failed", logger.Path(path), logger.Err(err))
		}
	}
	return path, nil
}

// Load restores the newest snapshot into the store. It reports false,
// leaving the store untouched, when the folder is missing or has no files.
func (m *Manager) Load() (bool, error) {
	path, err := m.newestFile()
	if err != nil {
		return false, err
	}
	if path == "" {
		m.recorder.SnapshotLoaded(false)
		m.log.Info("no snapshot found", logger.Path(m.folder))
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("snapshot: read %s: %w", path, err)
	}

	schema := memdb.NewSchema()
	if err := json.Unmarshal(data, schema); err != nil {
		return false, ErrDecode.Wrap(fmt.Errorf("%s: %w", path, err))
	}

	m.store.Replace(schema)
	m.recorder.SnapshotLoaded(true)
	m.log.Info("snapshot loaded", logger.Path(path), slog.Int("users", len(schema.Users)))
	return true, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// FILE SELECTION
// ══════════════════════════════════════════════════════════════════════════════

// RotationPath returns the path of rotation slot i (1-based).
func (m *Manager) RotationPath(i int) string {
	return filepath.Join(m.folder, m.stem+"_"+strconv.Itoa(i)+m.suffix)
}

func (m *Manager) permanentName(at time.Time) string {
	return m.stem + "_" + strconv.FormatInt(at.Unix(), 10) + m.suffix
}

// nextRotationSlot returns the first missing slot, or else the slot with
// the oldest mtime (lowest index on ties).
func (m *Manager) nextRotationSlot() (string, error) {
	var (
		oldestPath string
		oldestTime time.Time
	)
	for i := 1; i <= RotationSlots; i++ {
		path := m.RotationPath(i)
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			return path, nil
		}
		if err != nil {
			return "", err
		}
		if oldestPath == "" || info.ModTime().Before(oldestTime) {
			oldestPath, oldestTime = path, info.ModTime()
		}
	}
	return oldestPath, nil
}

// newestFile returns the regular, non-hidden file with the newest mtime,
// or "" when there is none.
func (m *Manager) newestFile() (string, error) {
	entries, err := os.ReadDir(m.folder)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("snapshot: scan %s: %w", m.folder, err)
	}

	var (
		newestPath string
		newestTime time.Time
	)
	for _, entry := range entries {
		// Hidden entries are in-flight temp files.
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("snapshot: stat %s: %w", entry.Name(), err)
		}
		if newestPath == "" || info.ModTime().After(newestTime) {
			newestPath, newestTime = filepath.Join(m.folder, entry.Name()), info.ModTime()
		}
	}
	return newestPath, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SERIALIZATION
// ══════════════════════════════════════════════════════════════════════════════

// serialize marshals the schema under the store's shared lock. The file
// write happens afterwards, outside the lock.
func (m *Manager) serialize() ([]byte, error) {
	var data []byte
	err := m.store.View(func(tx memdb.Tx) error {
		var err error
		data, err = json.Marshal(tx.Schema())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	return data, nil
}

// writeAtomic writes data to a hidden sibling temp file and renames it
// over path.
func writeAtomic(path string, data []byte) error {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
