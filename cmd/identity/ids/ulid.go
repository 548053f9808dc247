// Package ids generates the ULIDs used for users, messages and connections.
package ids

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a 26-char ULID for now (zero means the current time).
// IDs minted within one millisecond by this process sort in call order.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	mu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), entropy)
	mu.Unlock()
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		id, err = ulid.New(ulid.Timestamp(now), rand.Reader)
	}
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Time returns the millisecond timestamp encoded in id.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()).UTC(), nil
}
