package resolver

import (
	"context"
	"hash/fnv"
	"sync"
)

// keyedLocker serializes work per key. Keys are spread over shards so
// bookkeeping for one user never blocks another, and each key gets its own
// lock so a slow resolution only delays the same user.
type keyedLocker struct {
	shards []*lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	token chan struct{}
	refs  int
}

func newKeyedLocker(shards int) *keyedLocker {
	if shards <= 0 {
		shards = 64
	}
	l := &keyedLocker{shards: make([]*lockShard, shards)}
	for i := range l.shards {
		l.shards[i] = &lockShard{locks: make(map[string]*keyLock)}
	}
	return l
}

func (l *keyedLocker) shard(key string) *lockShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (l *keyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	sh := l.shard(key)

	sh.mu.Lock()
	kl, ok := sh.locks[key]
	if !ok {
		kl = &keyLock{token: make(chan struct{}, 1)}
		sh.locks[key] = kl
	}
	kl.refs++
	sh.mu.Unlock()

	select {
	case kl.token <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-kl.token
				sh.release(key, kl)
			})
		}, nil
	case <-ctx.Done():
		sh.release(key, kl)
		return nil, ctx.Err()
	}
}

func (sh *lockShard) release(key string, kl *keyLock) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(sh.locks, key)
	}
}

// size returns the number of keys currently locked or waited on.
func (l *keyedLocker) size() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		n += len(sh.locks)
		sh.mu.Unlock()
	}
	return n
}
