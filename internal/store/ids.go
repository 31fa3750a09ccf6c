package store

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexically sortable id with the given prefix (e.g. "msg_").
func NewID(prefix string) string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return prefix + ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// NewConversationID returns a random conversation id.
func NewConversationID() string {
	return uuid.NewString()
}
