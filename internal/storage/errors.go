package storage

import (
	"errors"

	"github.com/mattn/go-sqlite3"

	"github.com/njoerd114/datastore/internal/errs"
)

// IsIgnorable reports whether err is a foreign key constraint violation,
// which happens when a parent row is deleted while a child write is racing
// it. Such failures are logged by the sync path and not surfaced.
func IsIgnorable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errs.ErrIgnorable) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// classify tags foreign key violations as ignorable and leaves everything
// else unchanged.
func classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if IsIgnorable(err) {
		return errs.Wrap(errs.KindIgnorable, err, message)
	}
	return err
}
