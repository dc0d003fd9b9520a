package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_SameKeyWaits(t *testing.T) {
	l := newKeyedLocker(4)

	unlock, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)

	acquired := make(chan func())
	go func() {
		next, err := l.Lock(context.Background(), "u1")
		assert.NoError(t, err)
		acquired <- next
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first is held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	// Releasing twice is harmless.
	unlock()

	select {
	case next := <-acquired:
		next()
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
	assert.Equal(t, 0, l.size())
}

func TestKeyedLocker_DifferentKeysDoNotBlock(t *testing.T) {
	l := newKeyedLocker(1)

	a, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)
	defer a()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := l.Lock(ctx, "u2")
	require.NoError(t, err)
	b()
	assert.Equal(t, 1, l.size())
}

func TestKeyedLocker_ContextDone(t *testing.T) {
	l := newKeyedLocker(4)

	unlock, err := l.Lock(context.Background(), "u1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, l.size())
}
