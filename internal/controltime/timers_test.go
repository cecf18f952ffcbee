package controltime

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrailWatch/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "watchdog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSchedulerFiresDueTimerSynchronously(t *testing.T) {
	st := openStore(t)
	s := NewScheduler(st, nil)
	defer s.Close()

	var fired atomic.Int32
	s.Handle(KindDeadline, func(ctx context.Context, tm Timer) { fired.Add(1) })

	err := s.Schedule(context.Background(), Timer{
		ID: "a:deadline", Kind: KindDeadline, OwnerID: "a", FireAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), fired.Load())

	recs, err := st.ListTimers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSchedulerCancelAndReplace(t *testing.T) {
	st := openStore(t)
	s := NewScheduler(st, nil)
	defer s.Close()
	ctx := context.Background()

	got := make(chan time.Time, 4)
	s.Handle(KindGrace, func(ctx context.Context, tm Timer) { got <- tm.FireAt })

	t.Run("cancel", func(t *testing.T) {
		require.NoError(t, s.Schedule(ctx, Timer{ID: "c:grace", Kind: KindGrace, OwnerID: "c", FireAt: time.Now().Add(50 * time.Millisecond)}))
		require.NoError(t, s.Cancel(ctx, "c:grace"))
		require.NoError(t, s.Cancel(ctx, "c:grace"))
		select {
		case <-got:
			t.Fatal("cancelled timer fired")
		case <-time.After(200 * time.Millisecond):
		}
	})

	t.Run("replace", func(t *testing.T) {
		first := time.Now().Add(40 * time.Millisecond)
		second := time.Now().Add(80 * time.Millisecond)
		require.NoError(t, s.Schedule(ctx, Timer{ID: "r:grace", Kind: KindGrace, OwnerID: "r", FireAt: first}))
		require.NoError(t, s.Schedule(ctx, Timer{ID: "r:grace", Kind: KindGrace, OwnerID: "r", FireAt: second}))
		select {
		case at := <-got:
			assert.Equal(t, second.UnixMilli(), at.UnixMilli())
		case <-time.After(time.Second):
			t.Fatal("timer did not fire")
		}
		select {
		case <-got:
			t.Fatal("replaced timer fired too")
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestSchedulerRestore(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.SaveTimer(ctx, store.TimerRecord{ID: "late:deadline", Kind: string(KindDeadline), OwnerID: "late", FireAtMs: now.Add(-5 * time.Second).UnixMilli()}))
	require.NoError(t, st.SaveTimer(ctx, store.TimerRecord{ID: "soon:deadline", Kind: string(KindDeadline), OwnerID: "soon", FireAtMs: now.Add(time.Hour).UnixMilli()}))

	var fired atomic.Int32
	s := NewScheduler(st, nil)
	s.Handle(KindDeadline, func(ctx context.Context, tm Timer) { fired.Add(1) })
	n, err := s.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(1), fired.Load())
	_, pending := s.Pending("soon:deadline")
	assert.True(t, pending)
	s.Close()

	// a second restart must not fire the overdue timer again
	s2 := NewScheduler(st, nil)
	defer s2.Close()
	s2.Handle(KindDeadline, func(ctx context.Context, tm Timer) { fired.Add(1) })
	n, err = s2.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), fired.Load())
}
