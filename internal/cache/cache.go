// Package cache keeps a bounded, per-user view of recently active and dormant
// threads in front of the thread store.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xaenox/threadkeeper/internal/metrics"
	"github.com/xaenox/threadkeeper/internal/models"
	"github.com/xaenox/threadkeeper/internal/storage"
)

// timeNow is a variable for testing purposes.
var timeNow = time.Now

// Snapshot is an immutable view of a user's candidate threads. Snapshots are
// replaced wholesale and never modified after being stored.
type Snapshot struct {
	UserID   string
	Active   *models.Thread
	Dormant  []*models.Thread
	LoadedAt time.Time
}

// Threads returns deep copies of the active and dormant threads.
func (s *Snapshot) Threads() (*models.Thread, []*models.Thread) {
	if s == nil {
		return nil, nil
	}
	dormant := make([]*models.Thread, len(s.Dormant))
	for i, t := range s.Dormant {
		dormant[i] = t.Clone()
	}
	return s.Active.Clone(), dormant
}

// Config sizes the cache.
type Config struct {
	Shards        int
	UsersPerShard int
	TTL           time.Duration
	// DormantLimit is how many dormant threads are loaded per user.
	DormantLimit int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Shards <= 0 {
		c.Shards = 16
	}
	if c.UsersPerShard <= 0 {
		c.UsersPerShard = 1024
	}
	if c.TTL <= 0 {
		c.TTL = time.Minute
	}
	if c.DormantLimit <= 0 {
		c.DormantLimit = 5
	}
}

// ThreadCache is a sharded LRU of per-user snapshots. Expired snapshots are
// not served by Load but stay available through LastKnown until evicted, so
// the resolver can fall back on them when the store is down.
type ThreadCache struct {
	shards  []*lru.Cache[string, *Snapshot]
	store   storage.ThreadStore
	cfg     Config
	loads   singleflight.Group
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(store storage.ThreadStore, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*ThreadCache, error) {
	cfg.ApplyDefaults()
	shards := make([]*lru.Cache[string, *Snapshot], cfg.Shards)
	for i := range shards {
		c, err := lru.New[string, *Snapshot](cfg.UsersPerShard)
		if err != nil {
			return nil, fmt.Errorf("create cache shard: %w", err)
		}
		shards[i] = c
	}
	return &ThreadCache{
		shards:  shards,
		store:   store,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}, nil
}

func (c *ThreadCache) shard(userID string) *lru.Cache[string, *Snapshot] {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Load returns a fresh snapshot for userID, reading through to the store on a
// miss or after the TTL. Concurrent misses for the same user share one load.
func (c *ThreadCache) Load(ctx context.Context, userID string) (*Snapshot, error) {
	if snap, ok := c.shard(userID).Get(userID); ok && timeNow().Sub(snap.LoadedAt) < c.cfg.TTL {
		c.metrics.CacheHit()
		return snap, nil
	}
	c.metrics.CacheMiss()

	v, err, _ := c.loads.Do(userID, func() (any, error) {
		return c.fetch(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	snap := v.(*Snapshot)
	c.Put(snap)
	return snap, nil
}

func (c *ThreadCache) fetch(ctx context.Context, userID string) (*Snapshot, error) {
	var (
		active  *models.Thread
		dormant []*models.Thread
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		active, err = c.store.GetActiveThread(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		dormant, err = c.store.GetDormantThreads(gctx, userID, c.cfg.DormantLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		c.logger.Debug("Failed to load threads",
			zap.Error(err),
			zap.String("user_id", userID))
		return nil, fmt.Errorf("load threads for %s: %w", userID, err)
	}
	return &Snapshot{UserID: userID, Active: active, Dormant: dormant, LoadedAt: timeNow()}, nil
}

// LastKnown returns the most recent snapshot for userID regardless of age.
func (c *ThreadCache) LastKnown(userID string) (*Snapshot, bool) {
	return c.shard(userID).Peek(userID)
}

// Put stores snap, replacing any previous snapshot for the same user.
func (c *ThreadCache) Put(snap *Snapshot) {
	if snap == nil {
		return
	}
	c.shard(snap.UserID).Add(snap.UserID, snap)
}

// Replace builds a new snapshot from active and dormant and stores it. The
// threads are copied, so callers may keep mutating their values.
func (c *ThreadCache) Replace(userID string, active *models.Thread, dormant []*models.Thread) *Snapshot {
	snap := &Snapshot{UserID: userID, Active: active.Clone(), LoadedAt: timeNow()}
	for _, t := range dormant {
		if t == nil || (active != nil && t.ID == active.ID) {
			continue
		}
		snap.Dormant = append(snap.Dormant, t.Clone())
		if len(snap.Dormant) == c.cfg.DormantLimit {
			break
		}
	}
	c.Put(snap)
	return snap
}

// Invalidate drops the snapshot for userID.
func (c *ThreadCache) Invalidate(userID string) {
	c.shard(userID).Remove(userID)
}

// Len returns the number of cached users.
func (c *ThreadCache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += s.Len()
	}
	return n
}
