// Package ids issues the identifiers used for copies, loans and fines.
// ULIDs keep ordering by creation time, which makes ledger listings and
// accession audits cheap to read straight from an index scan.
package ids

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var gen = struct {
	sync.Mutex
	entropy *ulid.MonotonicEntropy
}{
	entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
}

// New returns a fresh ULID. The monotonic entropy source is shared, so ids
// minted in the same millisecond still sort in mint order.
func New() string {
	gen.Lock()
	defer gen.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), gen.entropy).String()
}
