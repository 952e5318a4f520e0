package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/mcp-markdownify/pkg/redisconn"
)

const (
	testSession      = "sess-1"
	testOtherSession = "sess-2"
	// unreachableURL points at a port nothing listens on, simulating a
	// durable backend that refuses every connection.
	unreachableURL = "redis://127.0.0.1:1"
)

func newRedisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	conn := redisconn.New("redis://"+mr.Addr(), slog.Default())
	t.Cleanup(conn.Close)

	return NewStore(conn, Config{}, slog.Default()), mr
}

func newDegradedStore(t *testing.T) *Store {
	t.Helper()

	conn := redisconn.New(unreachableURL, slog.Default())
	t.Cleanup(conn.Close)

	return NewStore(conn, Config{FallbackCap: 10}, slog.Default())
}

func TestStore_RoundTrip(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	ev := New(TypeProgress, map[string]any{"progress": 50})
	store.Append(ctx, testSession, ev)

	got := store.After(ctx, testSession, "")
	require.Len(t, got, 1)
	assert.Equal(t, ev.ID, got[0].ID)
	assert.Equal(t, TypeProgress, got[0].Type)
	assert.JSONEq(t, string(ev.Data), string(got[0].Data))
}

func TestStore_After_ExactlyAfterMarker(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	evs := make([]Event, 5)
	for i := range evs {
		evs[i] = New(TypeProgress, map[string]int{"n": i})
		store.Append(ctx, testSession, evs[i])
	}

	// Resuming after the second event yields exactly the remaining three,
	// in order, with no duplicates and no gaps.
	got := store.After(ctx, testSession, evs[1].ID)
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, evs[i+2].ID, ev.ID)
	}
}

func TestStore_After_UnknownMarkerReplaysFullLog(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		store.Append(ctx, testSession, New(TypeProgress, nil))
	}

	got := store.After(ctx, testSession, "not-a-real-marker")
	assert.Len(t, got, 3)
}

func TestStore_After_UnknownSessionIsEmpty(t *testing.T) {
	store, _ := newRedisStore(t)

	got := store.After(context.Background(), "never-seen", "")
	assert.Empty(t, got)
}

func TestStore_ConcurrentProducersOrderByID(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	const producers = 8
	const perProducer = 10

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				store.Append(ctx, testSession, New(TypeProgress, map[string]int{"p": p, "i": i}))
			}
		}(p)
	}
	wg.Wait()

	got := store.After(ctx, testSession, "")
	require.Len(t, got, producers*perProducer)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1].ID, got[i].ID, "events must be ordered by id")
	}
}

func TestStore_Cleanup_Idempotent(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	store.Append(ctx, testSession, New(TypeProgress, nil))
	store.Cleanup(ctx, testSession)
	store.Cleanup(ctx, testSession)

	assert.Empty(t, store.After(ctx, testSession, ""))
}

func TestStore_SessionIsolation(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	store.Append(ctx, testSession, New(TypeProgress, nil))
	store.Append(ctx, testOtherSession, New(TypeError, nil))

	assert.Len(t, store.After(ctx, testSession, ""), 1)
	assert.Len(t, store.After(ctx, testOtherSession, ""), 1)

	store.Cleanup(ctx, testSession)
	assert.Empty(t, store.After(ctx, testSession, ""))
	assert.Len(t, store.After(ctx, testOtherSession, ""), 1)
}

func TestStore_DegradedBackendStillStores(t *testing.T) {
	store := newDegradedStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		store.Append(ctx, testSession, New(TypeProgress, map[string]int{"n": i}))
	}

	got := store.After(ctx, testSession, "")
	assert.Len(t, got, 5, "fallback must retain every event")
	assert.False(t, store.Healthy(), "degraded store must report unhealthy")
}

func TestStore_DegradedResumeAfterMarker(t *testing.T) {
	store := newDegradedStore(t)
	ctx := context.Background()

	first := New(TypeProgress, map[string]int{"progress": 0})
	store.Append(ctx, testSession, first)
	second := New(TypeProgress, map[string]int{"progress": 50})
	store.Append(ctx, testSession, second)

	got := store.After(ctx, testSession, first.ID)
	require.Len(t, got, 1)
	assert.Equal(t, second.ID, got[0].ID)
}

func TestStore_DegradedWindowEventsVisibleAfterRecovery(t *testing.T) {
	mr := miniredis.RunT(t)
	conn := redisconn.New("redis://"+mr.Addr(), slog.Default(),
		redisconn.WithSuperviseTiming(10*time.Millisecond, 20*time.Millisecond))
	t.Cleanup(conn.Close)
	store := NewStore(conn, Config{}, slog.Default())
	ctx := context.Background()

	durable := New(TypeProgress, map[string]int{"progress": 0})
	store.Append(ctx, testSession, durable)

	// Flip to degraded; the next append lands in the fallback.
	boom := fmt.Errorf("boom")
	conn.Fail(boom)
	conn.Fail(boom)
	conn.Fail(boom)
	require.False(t, conn.Healthy())

	absorbed := New(TypeProgress, map[string]int{"progress": 50})
	store.Append(ctx, testSession, absorbed)

	// The backend itself never went away, so the supervisor recovers.
	require.Eventually(t, conn.Healthy, 5*time.Second, 5*time.Millisecond)

	// A client resuming across the recovery boundary must see both events,
	// in order, with no gap where the degraded window was.
	got := store.After(ctx, testSession, "")
	require.Len(t, got, 2)
	assert.Equal(t, durable.ID, got[0].ID)
	assert.Equal(t, absorbed.ID, got[1].ID)

	got = store.After(ctx, testSession, durable.ID)
	require.Len(t, got, 1)
	assert.Equal(t, absorbed.ID, got[0].ID)
}

func TestMemoryLog_CapDropsOldestFirst(t *testing.T) {
	log := newMemoryLog(3)

	var ids []string
	for i := 0; i < 5; i++ {
		ev := New(TypeProgress, nil)
		ids = append(ids, ev.ID)
		log.append(testSession, ev)
	}

	got := log.after(testSession, "")
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, ids[i+2], ev.ID)
	}
}

func TestEvent_New_PayloadEncodesToJSON(t *testing.T) {
	ev := New(TypeComplete, map[string]string{"result": "done"})

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(ev.Data, &decoded))
	assert.Equal(t, "done", decoded["result"])
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestEvent_IDsAreMonotonicallyOrderable(t *testing.T) {
	prev := New(TypeProgress, nil)
	for i := 0; i < 100; i++ {
		next := New(TypeProgress, nil)
		if next.ID == prev.ID {
			t.Fatalf("duplicate event id %s", next.ID)
		}
		prev = next
	}
}

func ExampleStore_After() {
	mr, _ := miniredis.Run()
	defer mr.Close()

	conn := redisconn.New("redis://"+mr.Addr(), slog.Default())
	defer conn.Close()

	store := NewStore(conn, Config{}, slog.Default())
	ctx := context.Background()

	first := New(TypeProgress, map[string]int{"progress": 0})
	store.Append(ctx, "sess", first)
	store.Append(ctx, "sess", New(TypeProgress, map[string]int{"progress": 100}))

	missed := store.After(ctx, "sess", first.ID)
	fmt.Println(len(missed))
	// Output: 1
}
