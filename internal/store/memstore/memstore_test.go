package memstore_test

import (
	"testing"

	"github.com/oneidp/oneidp/internal/store/memstore"
	"github.com/oneidp/oneidp/internal/store/storetest"
)

func TestMemStoreConformance(t *testing.T) {
	storetest.RunTestSuite(t, memstore.New())
}
