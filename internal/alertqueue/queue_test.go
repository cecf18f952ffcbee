package alertqueue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrailWatch/internal/store"
	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/errors"
)

type stubSender struct {
	mu    sync.Mutex
	sent  []string
	fails map[string]error
}

func (s *stubSender) Send(ctx context.Context, a store.PendingAlert) (store.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fails[a.ID]; err != nil {
		return store.Receipt{}, err
	}
	s.sent = append(s.sent, a.ID)
	return store.Receipt{ServerID: "srv-" + a.ID, StatusCode: 201}, nil
}

func newQueue(t *testing.T) (*Queue, *stubSender) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	sender := &stubSender{fails: map[string]error{}}
	return New(st, sender, Options{}), sender
}

func sos(id string) alertapi.AlertRequest {
	return alertapi.AlertRequest{
		AlertID:  id,
		Kind:     alertapi.KindSOS,
		Location: &alertapi.Location{Latitude: 42.6, Longitude: 0.9},
	}
}

func TestEnqueueThenFlush(t *testing.T) {
	q, sender := newQueue(t)
	ctx := context.Background()

	var notified []string
	q.onEnq = func(id string) { notified = append(notified, id) }

	id, err := q.Enqueue(ctx, sos("sos_1"))
	require.NoError(t, err)
	assert.Equal(t, "sos_1", id)

	// enqueue of the same id does not duplicate
	_, err = q.Enqueue(ctx, sos("sos_1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"sos_1"}, notified)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := q.Get(ctx, "sos_1")
	require.NoError(t, err)
	req, err := Decode(*p)
	require.NoError(t, err)
	assert.False(t, req.TriggeredAt.IsZero())
	assert.InDelta(t, 42.6, req.Location.Latitude, 1e-9)

	results, err := q.Flush(ctx, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Sent)
	assert.Equal(t, []string{"sos_1"}, sender.sent)

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	hist, err := q.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "srv-sos_1", hist[0].ServerID)
	assert.Equal(t, store.AlertSent, hist[0].Status)

	// a delivered alert can not be queued again
	_, err = q.Enqueue(ctx, sos("sos_1"))
	require.NoError(t, err)
	n, _ = q.Len(ctx)
	assert.Zero(t, n)
}

func TestFlushOfflineIsNoop(t *testing.T) {
	q, sender := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, sos("sos_off"))
	require.NoError(t, err)

	results, err := q.Flush(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, sender.sent)

	results, err = q.Flush(ctx, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Sent)
}

func TestGeneratedIDs(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, alertapi.AlertRequest{})
	require.NoError(t, err)
	assert.Regexp(t, `^sos_[0-9a-f]{32}$`, id)

	id, err = q.Enqueue(ctx, alertapi.AlertRequest{Kind: alertapi.KindCheckinMissed, ControlTimeID: "ct_1"})
	require.NoError(t, err)
	assert.Regexp(t, `^checkin_`, id)
}

func TestFailuresAndRetryCap(t *testing.T) {
	q, sender := newQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, sos(id))
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	sender.fails["b"] = errors.WithCode(errors.CodeTransient, "server unavailable")

	results, err := q.Flush(ctx, true)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"a", "c"}, sender.sent)
	assert.False(t, results[1].Sent)
	assert.Equal(t, 1, results[1].RetryCount)

	p, err := q.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, p.RetryCount)
	assert.Equal(t, store.AlertPending, p.Status)
	assert.Contains(t, p.LastError, "server unavailable")

	// at the cap the retry loop leaves it alone, a reconnect flush does not
	results, err = q.Retry(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, results)

	delete(sender.fails, "b")
	results, err = q.Flush(ctx, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Sent)
	assert.Equal(t, []string{"a", "c", "b"}, sender.sent)
}

func TestConcurrentFlushDeliversOnce(t *testing.T) {
	q, sender := newQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, sos("once"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Flush(ctx, true)
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"once"}, sender.sent)
}
