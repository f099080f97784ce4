// Package store is the persistence gateway. All campaign, workflow and
// settings writes that carry invariants (forward-only transitions, status
// event dedup, conversation uniqueness) go through here so that handlers and
// workers never encode them twice.
package store

import (
	"strings"

	"github.com/zerodha/logf"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/fault"
)

// Store wraps the database with invariant-preserving operations
type Store struct {
	db  *gorm.DB
	log logf.Logger
}

// New creates a Store
func New(db *gorm.DB, log logf.Logger) *Store {
	return &Store{db: db, log: log}
}

// DB exposes the underlying handle for plain CRUD paths
func (s *Store) DB() *gorm.DB { return s.db }

// IsMissingTable reports whether err is the database telling us a relation
// does not exist. Postgres and sqlite word it differently.
func IsMissingTable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "does not exist") || strings.Contains(msg, "no such table")
}

// wrapDBErr folds driver errors into the taxonomy
func wrapDBErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == gorm.ErrRecordNotFound {
		return fault.Wrap(fault.KindNotFound, op, err)
	}
	if IsMissingTable(err) {
		return fault.Wrap(fault.KindMissingTable, op, err)
	}
	return fault.Wrap(fault.KindTransient, op, err)
}
