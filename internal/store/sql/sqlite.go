//go:build cgo

package sql

import (
	"database/sql"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/oneidp/oneidp/internal/store"
)

// OpenSQLite opens (creating if needed) a SQLite-backed Store at file.
// SQLite serializes writers, so only one *sql.DB connection is ever
// open at a time.
func OpenSQLite(file string, logger logrus.FieldLogger) (store.Store, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	c := &conn{db: db, flavor: flavorSQLite3, logger: logger}
	if err := c.migrate(); err != nil {
		return nil, err
	}
	return c, nil
}

func sqliteIsConstraintError(err error) bool {
	sqlErr, ok := err.(sqlite3.Error)
	if !ok {
		return false
	}
	return sqlErr.Code == sqlite3.ErrConstraint
}
