//go:build cgo

package sql_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	sqlstore "github.com/oneidp/oneidp/internal/store/sql"
	"github.com/oneidp/oneidp/internal/store/storetest"
)

func TestSQLiteStoreConformance(t *testing.T) {
	s, err := sqlstore.OpenSQLite(":memory:", logrus.New())
	require.NoError(t, err)
	defer s.Close()

	storetest.RunTestSuite(t, s)
}
