package smtpserver

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is a monotonic ULID source. It gives the opaque, short,
// sortable session identifier the session model calls for, with a
// timestamp useful for correlating logs without an extra field.
// ulid.Monotonic readers are not safe for concurrent use, hence idMu.
var (
	idMu    sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

func newSessionID() string {
	idMu.Lock()
	defer idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		id = ulid.MustNew(ulid.Now(), rand.Reader)
	}
	return strings.ToLower(id.String())
}
