package models

import "time"

// ThreadStatus is the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	StatusActive   ThreadStatus = "active"
	StatusDormant  ThreadStatus = "dormant"
	StatusArchived ThreadStatus = "archived"
)

const (
	// MaxRecentEntities bounds Thread.RecentEntities.
	MaxRecentEntities = 20
	// MaxRecentIntents bounds Thread.RecentIntents.
	MaxRecentIntents = 10
)

// Thread represents a persisted conversation context for one user.
type Thread struct {
	ID             string       `json:"id"`
	UserID         string       `json:"user_id"`
	Status         ThreadStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	MessageCount   int          `json:"message_count"`
	TopicCentroid  []float32    `json:"topic_centroid,omitempty"`
	RecentEntities []string     `json:"recent_entities,omitempty"`
	RecentIntents  []string     `json:"recent_intents,omitempty"`
	Fingerprint    string       `json:"fingerprint,omitempty"`
}

// Clone returns a deep copy so cached snapshots are never shared with callers.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	c := *t
	c.TopicCentroid = append([]float32(nil), t.TopicCentroid...)
	c.RecentEntities = append([]string(nil), t.RecentEntities...)
	c.RecentIntents = append([]string(nil), t.RecentIntents...)
	return &c
}

// Idle returns how long the thread has been without activity at now.
func (t *Thread) Idle(now time.Time) time.Duration {
	d := now.Sub(t.LastActivityAt)
	if d < 0 {
		return 0
	}
	return d
}

// ThreadDelta is a partial update applied by ThreadStore.UpdateThread.
// Nil fields are left untouched.
type ThreadDelta struct {
	Status         *ThreadStatus
	LastActivityAt *time.Time
	MessageCount   *int
	TopicCentroid  []float32
	RecentEntities []string
	RecentIntents  []string
}

// Context hint keys understood by the resolver.
const (
	ContextThreadID  = "thread_id"
	ContextMessageID = "message_id"
	ContextForceNew  = "force_new"
)

// IncomingMessage is a user message awaiting thread resolution.
type IncomingMessage struct {
	UserID    string            `json:"user_id"`
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	Context   map[string]string `json:"context,omitempty"`
}

// Hint returns a context hint, if present.
func (m IncomingMessage) Hint(key string) (string, bool) {
	v, ok := m.Context[key]
	return v, ok && v != ""
}
