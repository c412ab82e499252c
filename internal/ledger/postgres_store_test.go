package ledger

import (
	"testing"

	"github.com/agrolink/rfq/internal/testutil"
)

func TestPostgresStore_Contract(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreContract(t, func(t *testing.T) Store {
		testutil.Truncate(t, db)
		return NewPostgresStore(db)
	})
}
