package store_test

import (
	"testing"

	"github.com/roach88/entsync/internal/store"
	"github.com/roach88/entsync/internal/store/storetest"
)

func TestMemoryStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.DataStore {
		return store.NewMemoryStore()
	})
}
