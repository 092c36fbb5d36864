package database

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendAndFlush(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Append(Event{Kind: KindChat, Room: "Main", Actor: "alice", Body: "hi"}))
	require.NoError(t, db.Append(Event{Kind: KindChat, Room: "Main", Actor: "bob", Body: "hey"}))
	require.NoError(t, db.Append(Event{Kind: KindDeposit, Actor: "alice", Amount: 40}))
	assert.Equal(t, 3, db.WriteBuffer.Pending())

	// Nothing is visible before the flush
	count, err := db.CountEvents("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	db.Flush()
	assert.Equal(t, 0, db.WriteBuffer.Pending())

	count, err = db.CountEvents(KindChat)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = db.CountEvents("")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestRecentEventsNewestFirst(t *testing.T) {
	db := newTestDB(t)

	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, db.Append(Event{Kind: KindChat, Room: "Main", Actor: "alice", Body: body, CreatedAt: 1}))
	}
	db.Flush()

	events, err := db.RecentEvents(KindChat, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "three", events[0].Body)
	assert.Equal(t, "two", events[1].Body)
	assert.Greater(t, events[0].ID, events[1].ID)
}

func TestCloseFlushesAndRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, time.Hour)
	require.NoError(t, err)

	require.NoError(t, db.Append(Event{Kind: KindJoin, Room: "Main", Actor: "alice"}))
	require.NoError(t, db.Close())

	err = db.WriteBuffer.Append(Event{Kind: KindJoin})
	assert.True(t, errors.Is(err, ErrClosed))

	reopened, err := Open(path, time.Hour)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.CountEvents(KindJoin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestFailingEventIsDroppedAfterRetries(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Append(Event{ID: 7, Kind: KindChat, Actor: "alice", Body: "first"}))
	db.Flush()

	// A duplicate id fails the whole batch until it is split up
	require.NoError(t, db.Append(Event{ID: 7, Kind: KindChat, Actor: "alice", Body: "duplicate"}))
	require.NoError(t, db.Append(Event{Kind: KindJoin, Actor: "bob"}))

	for i := 1; i < maxFlushAttempts; i++ {
		db.Flush()
		assert.Equal(t, 2, db.WriteBuffer.Pending(), "attempt %d keeps the batch", i)
	}
	db.Flush()
	assert.Equal(t, 0, db.WriteBuffer.Pending())
	assert.Equal(t, int64(1), db.WriteBuffer.Dropped())

	count, err := db.CountEvents(KindJoin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "the valid event in the batch is kept")

	// The buffer keeps working afterwards
	require.NoError(t, db.Append(Event{Kind: KindJoin, Actor: "carol"}))
	db.Flush()
	count, err = db.CountEvents(KindJoin)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestFlushLoopWritesPeriodically(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), 10*time.Millisecond)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Append(Event{Kind: KindVote, Actor: "alice", Target: "1"}))

	require.Eventually(t, func() bool {
		count, err := db.CountEvents(KindVote)
		return err == nil && count == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSnowflakeMonotonic(t *testing.T) {
	s := NewSnowflake(0, 1)
	var last int64
	for i := 0; i < 10000; i++ {
		id := s.NextID()
		require.Greater(t, id, last)
		last = id
	}
}

func TestSnowflakeClockBackwards(t *testing.T) {
	s := NewSnowflake(0, 0)
	now := int64(1_000_000)
	s.clock = func() int64 { return now }

	a := s.NextID()
	now -= 500
	b := s.NextID()
	assert.Greater(t, b, a)
}

func TestSnowflakeConcurrentUnique(t *testing.T) {
	s := NewSnowflake(0, 2)
	const workers, perWorker = 8, 2000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]int64, perWorker)
			for i := range ids {
				ids[i] = s.NextID()
			}
			mu.Lock()
			for _, id := range ids {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}
