// Package runid mints the identifiers that namespace one run's temp files.
package runid

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// ULID returns a new monotonic ULID string.
func ULID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// New joins an invocation identity with a fresh ULID, which embeds the
// creation time. An empty prefix yields the bare ULID.
func New(prefix string) string {
	if prefix == "" {
		return ULID()
	}
	return prefix + "_" + ULID()
}
