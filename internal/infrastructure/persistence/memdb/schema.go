// Package memdb implements Koda's schema-backed in-memory store and the
// facade that enforces progression invariants over it.
//
// Key components:
//   - Schema: the four persisted collections, serialized as one JSON document
//   - InMemoryStore: a single reader/writer lock around the Schema
//   - InMemoryFacade: progression.Repository on top of the store
package memdb

import (
	"github.com/koda-community/koda-bot/internal/domain/progression"
)

// ══════════════════════════════════════════════════════════════════════════════
// SCHEMA
// ══════════════════════════════════════════════════════════════════════════════

// Table names. These are also the top-level keys of a snapshot file.
const (
	TableUsers        = "users"
	TableStats        = "stats"
	TableCheckins     = "checkins"
	TableUserCheckins = "user_checkins"
)

// TableNames lists every table of the schema in creation order.
var TableNames = []string{TableUsers, TableStats, TableCheckins, TableUserCheckins}

// Schema is the root aggregate persisted by a snapshot.
// A table exists once its map is non-nil.
type Schema struct {
	Users    map[string]progression.User    `json:"users"`
	Stats    map[string]progression.Stats   `json:"stats"`
	Checkins map[string]progression.Checkin `json:"checkins"`

	// UserCheckins is reserved for a per-user check-in index and is
	// currently always empty.
	UserCheckins map[string]string `json:"user_checkins"`
}

// NewSchema returns a schema with no tables created.
func NewSchema() *Schema {
	return &Schema{}
}

// NewSchemaWithTables returns a schema with every table created and empty.
func NewSchemaWithTables() *Schema {
	return &Schema{
		Users:        make(map[string]progression.User),
		Stats:        make(map[string]progression.Stats),
		Checkins:     make(map[string]progression.Checkin),
		UserCheckins: make(map[string]string),
	}
}
