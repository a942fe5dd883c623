// Package inflight enforces at most one mutating operation per
// (recording, artifact) pair. Entries expire after a TTL so a holder that
// never releases cannot block an artifact forever.
package inflight

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/kalambet/optlog/internal/storage"
)

// ErrInFlight is returned when another operation holds the artifact.
var ErrInFlight = errors.New("another operation is in flight for this artifact")

const defaultTTL = 5 * time.Minute

// Registry is an in-memory advisory lock table.
type Registry struct {
	mu    sync.Mutex
	locks *cache.Cache
	ttl   time.Duration
}

// New creates a Registry whose locks expire after ttl (default 5m).
func New(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Registry{
		locks: cache.New(ttl, ttl*2),
		ttl:   ttl,
	}
}

func key(recordingID string, kind storage.ArtifactKind) string {
	return recordingID + "/" + string(kind)
}

// Acquire takes the lock for (recordingID, kind). The returned release func
// is idempotent and only frees the lock it acquired.
func (r *Registry) Acquire(recordingID string, kind storage.ArtifactKind) (release func(), err error) {
	k := key(recordingID, kind)
	token := uuid.NewString()

	r.mu.Lock()
	err = r.locks.Add(k, token, r.ttl)
	r.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrInFlight, kind, recordingID)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if v, ok := r.locks.Get(k); ok && v.(string) == token {
				r.locks.Delete(k)
			}
		})
	}, nil
}

// Held reports whether (recordingID, kind) is currently locked.
func (r *Registry) Held(recordingID string, kind storage.ArtifactKind) bool {
	_, ok := r.locks.Get(key(recordingID, kind))
	return ok
}
