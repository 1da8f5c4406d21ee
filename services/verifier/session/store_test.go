// Copyright (C) 2025 Sainath Bingi
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/chaos"
	"github.com/bingisainath/Stabilizer-Captcha/services/verifier/storage/badgerstore"
)

func newTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, Config{TTL: ttl})
	require.NoError(t, err)
	return store
}

func testSchedule(seed int64) chaos.Schedule {
	return chaos.Generate(seed, chaos.DefaultConfig())
}

func TestStore_CreateAndConsume(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess, err := store.Create(ctx, "client-a", testSchedule(1))
	require.NoError(t, err)
	require.NotEmpty(t, sess.Token)
	assert.Equal(t, 1, store.LiveCount())

	got, err := store.Consume(ctx, sess.Token)
	require.NoError(t, err)
	assert.True(t, got.Consumed)
	assert.Equal(t, sess.Schedule.Seed, got.Schedule.Seed)
	assert.Equal(t, 0, store.LiveCount())
}

func TestStore_ConsumeUnknownToken(t *testing.T) {
	store := newTestStore(t, time.Minute)

	_, err := store.Consume(context.Background(), "no-such-token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ConsumeTwiceRejected(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess, err := store.Create(ctx, "client-a", testSchedule(2))
	require.NoError(t, err)

	_, err = store.Consume(ctx, sess.Token)
	require.NoError(t, err)

	_, err = store.Consume(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrConsumed)
}

// At-most-once under concurrent duplicate submissions: exactly one caller
// gets the session, every other caller gets a deterministic rejection.
func TestStore_ConcurrentConsume(t *testing.T) {
	store := newTestStore(t, time.Minute)
	ctx := context.Background()

	sess, err := store.Create(ctx, "client-a", testSchedule(3))
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = store.Consume(ctx, sess.Token)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrConsumed) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes, "exactly one consume must win")
}

func TestStore_LazyExpiry(t *testing.T) {
	store := newTestStore(t, 10*time.Millisecond)
	ctx := context.Background()

	sess, err := store.Create(ctx, "client-a", testSchedule(4))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	_, err = store.Consume(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

// Consumption must survive a restart: a fresh store over the same database
// still refuses the token.
func TestStore_ConsumedSurvivesRestart(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	first, err := NewStore(db, Config{TTL: time.Minute})
	require.NoError(t, err)

	sess, err := first.Create(ctx, "client-a", testSchedule(5))
	require.NoError(t, err)
	_, err = first.Consume(ctx, sess.Token)
	require.NoError(t, err)

	second, err := NewStore(db, Config{TTL: time.Minute})
	require.NoError(t, err)

	_, err = second.Consume(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrConsumed)
}

func TestStore_UnconsumedSurvivesRestart(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	first, err := NewStore(db, Config{TTL: time.Minute})
	require.NoError(t, err)
	sess, err := first.Create(ctx, "client-a", testSchedule(6))
	require.NoError(t, err)

	second, err := NewStore(db, Config{TTL: time.Minute})
	require.NoError(t, err)

	got, err := second.Consume(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.Schedule.Seed, got.Schedule.Seed)
}

// The live count must survive a restart: unconsumed records come back into
// memory when the store opens, consumed tombstones do not.
func TestStore_LiveCountSurvivesRestart(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	first, err := NewStore(db, Config{TTL: time.Minute})
	require.NoError(t, err)

	kept, err := first.Create(ctx, "client-a", testSchedule(7))
	require.NoError(t, err)
	burned, err := first.Create(ctx, "client-a", testSchedule(8))
	require.NoError(t, err)
	_, err = first.Consume(ctx, burned.Token)
	require.NoError(t, err)
	require.Equal(t, 1, first.LiveCount())

	second, err := NewStore(db, Config{TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 1, second.LiveCount())

	_, err = second.Consume(ctx, kept.Token)
	require.NoError(t, err)
	assert.Equal(t, 0, second.LiveCount())
}

func TestNewStore_Validation(t *testing.T) {
	_, err := NewStore(nil, Config{})
	assert.Error(t, err)

	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewStore(db, Config{TTL: -time.Second})
	assert.Error(t, err)
}
