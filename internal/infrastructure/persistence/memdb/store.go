package memdb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/koda-community/koda-bot/internal/domain/progression"
	"github.com/koda-community/koda-bot/internal/domain/shared"
)

// ErrReadOnlyTx is returned when a write is attempted inside View.
var ErrReadOnlyTx = shared.NewDomainError("store", "Update", shared.ErrInvalidState, "transaction is read-only")

// ══════════════════════════════════════════════════════════════════════════════
// INTERFACES
// ══════════════════════════════════════════════════════════════════════════════

// Store is the single owner of the Schema. Every read or write happens
// inside View or Update, so a snapshot never observes a partial operation.
type Store interface {
	// View runs fn under the shared lock. Writes through tx fail with ErrReadOnlyTx.
	View(fn func(tx Tx) error) error

	// Update runs fn under the exclusive lock.
	Update(fn func(tx Tx) error) error

	// Replace swaps the whole Schema atomically. Used only at load time.
	Replace(schema *Schema)
}

// Tx is the table-level API available inside a transaction.
// It must not be retained after the callback returns.
type Tx interface {
	// CreateTable creates an empty table if it does not exist yet.
	CreateTable(name string) error

	// GetRecord returns the record stored under key.
	GetRecord(table, key string) (any, error)

	// SetRecord inserts or replaces the record stored under key.
	SetRecord(table, key string, record any) error

	// GetTable returns a read-only view of a table.
	GetTable(name string) (Table, error)

	// ListTableNames returns the names of created tables, sorted.
	ListTableNames() []string

	// Schema returns the underlying aggregate. Callers must treat it as
	// read-only unless inside Update.
	Schema() *Schema
}

// Table is a read-only view of one collection.
type Table interface {
	Get(key string) (any, bool)
	Keys() []string
	Len() int
}

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY STORE
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryStore guards a Schema with one reader/writer lock.
type InMemoryStore struct {
	mu     sync.RWMutex
	schema *Schema
}

// NewInMemoryStore creates a store with no tables.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{schema: NewSchema()}
}

// View implements Store.
func (s *InMemoryStore) View(fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{schema: s.schema})
}

// Update implements Store.
func (s *InMemoryStore) Update(fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{schema: s.schema, writable: true})
}

// Replace implements Store. A nil schema resets the store.
func (s *InMemoryStore) Replace(schema *Schema) {
	if schema == nil {
		schema = NewSchema()
	}
	s.mu.Lock()
	s.schema = schema
	s.mu.Unlock()
}

// ══════════════════════════════════════════════════════════════════════════════
// TRANSACTION
// ══════════════════════════════════════════════════════════════════════════════

type memTx struct {
	schema   *Schema
	writable bool
}

func (t *memTx) CreateTable(name string) error {
	if !t.writable {
		return ErrReadOnlyTx
	}
	switch name {
	case TableUsers:
		if t.schema.Users == nil {
			t.schema.Users = make(map[string]progression.User)
		}
	case TableStats:
		if t.schema.Stats == nil {
			t.schema.Stats = make(map[string]progression.Stats)
		}
	case TableCheckins:
		if t.schema.Checkins == nil {
			t.schema.Checkins = make(map[string]progression.Checkin)
		}
	case TableUserCheckins:
		if t.schema.UserCheckins == nil {
			t.schema.UserCheckins = make(map[string]string)
		}
	default:
		return unknownTable(name)
	}
	return nil
}

func (t *memTx) GetRecord(table, key string) (any, error) {
	tbl, err := t.GetTable(table)
	if err != nil {
		return nil, err
	}
	v, ok := tbl.Get(key)
	if !ok {
		return nil, shared.ErrKeyNotFound.Wrap(fmt.Errorf("%s[%q]", table, key))
	}
	return v, nil
}

func (t *memTx) SetRecord(table, key string, record any) error {
	if !t.writable {
		return ErrReadOnlyTx
	}
	switch table {
	case TableUsers:
		return put(t.schema.Users, table, key, record)
	case TableStats:
		return put(t.schema.Stats, table, key, record)
	case TableCheckins:
		return put(t.schema.Checkins, table, key, record)
	case TableUserCheckins:
		return put(t.schema.UserCheckins, table, key, record)
	default:
		return unknownTable(table)
	}
}

func (t *memTx) GetTable(name string) (Table, error) {
	switch name {
	case TableUsers:
		return view(t.schema.Users, name)
	case TableStats:
		return view(t.schema.Stats, name)
	case TableCheckins:
		return view(t.schema.Checkins, name)
	case TableUserCheckins:
		return view(t.schema.UserCheckins, name)
	default:
		return nil, unknownTable(name)
	}
}

func (t *memTx) ListTableNames() []string {
	names := make([]string, 0, len(TableNames))
	for _, name := range TableNames {
		if _, err := t.GetTable(name); err == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (t *memTx) Schema() *Schema {
	return t.schema
}

// ══════════════════════════════════════════════════════════════════════════════
// TYPED HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// unknownTable wraps shared.ErrUnknownTable with the offending name.
func unknownTable(name string) error {
	return shared.ErrUnknownTable.Wrap(fmt.Errorf("table %q", name))
}

// Get reads a record and asserts its type.
func Get[T any](tx Tx, table, key string) (T, error) {
	var zero T
	v, err := tx.GetRecord(table, key)
	if err != nil {
		return zero, err
	}
	rec, ok := v.(T)
	if !ok {
		return zero, shared.ErrRecordType.Wrap(fmt.Errorf("%s[%q] holds %T", table, key, v))
	}
	return rec, nil
}

type mapTable[V any] map[string]V

func (m mapTable[V]) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

func (m mapTable[V]) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m mapTable[V]) Len() int { return len(m) }

func view[V any](m map[string]V, name string) (Table, error) {
	if m == nil {
		return nil, shared.ErrTableNotFound.Wrap(fmt.Errorf("table %q", name))
	}
	return mapTable[V](m), nil
}

func put[V any](m map[string]V, table, key string, record any) error {
	if m == nil {
		return shared.ErrTableNotFound.Wrap(fmt.Errorf("table %q", table))
	}
	rec, ok := record.(V)
	if !ok {
		return shared.ErrRecordType.Wrap(fmt.Errorf("%s[%q] cannot hold %T", table, key, record))
	}
	m[key] = rec
	return nil
}
