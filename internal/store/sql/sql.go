// Package sql provides SQL-backed implementations of store.Store for
// SQLite and PostgreSQL: queries are written once in Postgres dialect
// and translated per backend by a flavor, with a background
// garbage-collection loop sweeping expired pending rows.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/oneidp/oneidp/internal/store"
)

// flavor translates the single query dialect this package writes in
// into what the underlying driver accepts.
type flavor struct {
	queryReplacers    []replacer
	executeTx         func(db *sql.DB, fn func(*sql.Tx) error) error
	isUniqueViolation func(error) bool
	supportsTimezones bool
}

type replacer struct {
	re   *regexp.Regexp
	with string
}

var bindRegexp = regexp.MustCompile(`\$\d+`)

func matchLiteral(s string) *regexp.Regexp {
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(s) + `\b`)
}

var (
	flavorPostgres = flavor{
		executeTx: func(db *sql.DB, fn func(*sql.Tx) error) error {
			for {
				tx, err := db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable})
				if err != nil {
					return err
				}
				if err := fn(tx); err != nil {
					tx.Rollback()
					if isSerializationFailure(err) {
						continue
					}
					return err
				}
				if err := tx.Commit(); err != nil {
					if isSerializationFailure(err) {
						continue
					}
					return err
				}
				return nil
			}
		},
		isUniqueViolation: func(err error) bool {
			var pqErr *pq.Error
			return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
		},
		supportsTimezones: true,
	}

	flavorSQLite3 = flavor{
		queryReplacers: []replacer{
			{bindRegexp, "?"},
			{matchLiteral("true"), "1"},
			{matchLiteral("false"), "0"},
			{matchLiteral("boolean"), "integer"},
			{matchLiteral("timestamptz"), "timestamp"},
			{matchLiteral("bytea"), "blob"},
			{matchLiteral("bigserial"), "integer"},
			{regexp.MustCompile(`varchar\(\d+\)`), "text"},
			{regexp.MustCompile(`\bnow\(\)`), "current_timestamp"},
		},
	}
)

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "serialization_failure"
}

func (f flavor) translate(query string) string {
	for _, r := range f.queryReplacers {
		query = r.re.ReplaceAllString(query, r.with)
	}
	return query
}

func (f flavor) translateArgs(args []any) []any {
	if f.supportsTimezones {
		return args
	}
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			args[i] = t.UTC()
		}
	}
	return args
}

// conn is the shared SQL Store implementation; Store's public methods
// live in store.go, all built on top of this connection.
type conn struct {
	db     *sql.DB
	flavor flavor
	logger logrus.FieldLogger
}

func (c *conn) Close() error { return c.db.Close() }

func (c *conn) exec(query string, args ...any) (sql.Result, error) {
	return c.db.Exec(c.flavor.translate(query), c.flavor.translateArgs(args)...)
}

func (c *conn) query(query string, args ...any) (*sql.Rows, error) {
	return c.db.Query(c.flavor.translate(query), c.flavor.translateArgs(args)...)
}

func (c *conn) queryRow(query string, args ...any) *sql.Row {
	return c.db.QueryRow(c.flavor.translate(query), c.flavor.translateArgs(args)...)
}

type trans struct {
	tx *sql.Tx
	c  *conn
}

func (t *trans) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.Exec(t.c.flavor.translate(query), t.c.flavor.translateArgs(args)...)
}

func (t *trans) queryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRow(t.c.flavor.translate(query), t.c.flavor.translateArgs(args)...)
}

// execTx runs fn inside a transaction, retrying on serialization
// failures under the postgres flavor.
func (c *conn) execTx(fn func(*trans) error) error {
	if c.flavor.executeTx != nil {
		return c.flavor.executeTx(c.db, func(sqlTx *sql.Tx) error {
			return fn(&trans{sqlTx, c})
		})
	}
	sqlTx, err := c.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(&trans{sqlTx, c}); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

func (c *conn) isAlreadyExists(err error) bool {
	if errors.Is(err, store.ErrAlreadyExists) {
		return true
	}
	if c.flavor.isUniqueViolation != nil && c.flavor.isUniqueViolation(err) {
		return true
	}
	if sqliteIsConstraintError(err) {
		return true
	}
	return false
}

// wrapNotFound turns a scan's sql.ErrNoRows into store.ErrNotFound, the
// convention every Store method observes.
func wrapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
