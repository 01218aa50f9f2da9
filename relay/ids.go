package relay

import (
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

var requestSeq atomic.Uint64

// newRequestID returns a process-unique correlation identifier. The
// monotonic counter keeps IDs readable in logs; the ULID suffix keeps
// them unique across transports sharing a relay.
func newRequestID() string {
	n := requestSeq.Add(1)
	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader)
	return fmt.Sprintf("relay-request-%d-%s", n, id.String())
}
