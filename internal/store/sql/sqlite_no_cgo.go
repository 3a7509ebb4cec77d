//go:build !cgo

// Stub for CGO_ENABLED=0 builds: mattn/go-sqlite3 requires cgo.

package sql

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/oneidp/oneidp/internal/store"
)

func OpenSQLite(file string, logger logrus.FieldLogger) (store.Store, error) {
	return nil, fmt.Errorf("sql: binary built with CGO_ENABLED=0; go-sqlite3 requires cgo")
}

func sqliteIsConstraintError(err error) bool {
	return false
}
