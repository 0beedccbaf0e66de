package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Monotonic entropy keeps IDs minted in the same millisecond strictly
// ordered, so lexicographic ULID order is submission order.
var entropy = &ulid.LockedMonotonicReader{MonotonicReader: ulid.Monotonic(rand.Reader, 0)}

// NewJobID returns a sortable queue job ID. ULID ordering doubles as FIFO
// tie-breaking within a priority band.
func NewJobID() string {
	t := time.Now().UTC()
	return "job_" + ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NewEmailID identifies one rendered email for tracking purposes.
func NewEmailID() string {
	t := time.Now().UTC()
	return "email_" + ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
