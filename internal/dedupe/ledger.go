// Package dedupe remembers recent resolutions by message fingerprint so a
// retried or doubly-delivered message resolves to the same thread.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xaenox/threadkeeper/internal/models"
)

// Ledger records the first resolution committed for a fingerprint within a window.
type Ledger interface {
	// Lookup returns the resolution remembered for the fingerprint, if any.
	Lookup(ctx context.Context, userID, fingerprint string) (models.ThreadResolution, bool, error)
	// Remember stores res unless a resolution is already remembered for the
	// fingerprint, and returns whichever was committed first.
	Remember(ctx context.Context, userID, fingerprint string, res models.ThreadResolution) (models.ThreadResolution, error)
}

// Fingerprint identifies a logical message submission. The caller's message_id
// hint is preferred; otherwise the timestamp distinguishes identical texts.
func Fingerprint(msg models.IncomingMessage) string {
	h := sha256.New()
	h.Write([]byte(msg.UserID))
	h.Write([]byte{0})
	if id, ok := msg.Hint(models.ContextMessageID); ok {
		h.Write([]byte("id:" + id))
	} else {
		h.Write([]byte("ts:" + msg.Timestamp.UTC().Truncate(time.Millisecond).Format(time.RFC3339Nano)))
	}
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(msg.Text)))
	return hex.EncodeToString(h.Sum(nil))
}

func key(userID, fingerprint string) string {
	return userID + ":" + fingerprint
}

// MemoryLedger is a process-local ledger bounded in size and age.
type MemoryLedger struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, models.ThreadResolution]
}

func NewMemoryLedger(size int, window time.Duration) *MemoryLedger {
	if size <= 0 {
		size = 10000
	}
	return &MemoryLedger{
		entries: expirable.NewLRU[string, models.ThreadResolution](size, nil, window),
	}
}

func (l *MemoryLedger) Lookup(_ context.Context, userID, fingerprint string) (models.ThreadResolution, bool, error) {
	res, ok := l.entries.Get(key(userID, fingerprint))
	return res, ok, nil
}

func (l *MemoryLedger) Remember(_ context.Context, userID, fingerprint string, res models.ThreadResolution) (models.ThreadResolution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key(userID, fingerprint)
	if existing, ok := l.entries.Get(k); ok {
		return existing, nil
	}
	l.entries.Add(k, res)
	return res, nil
}
