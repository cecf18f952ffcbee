package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrailWatch/internal/alertqueue"
	"TrailWatch/internal/store"
	"TrailWatch/pkg/alertapi"
	"TrailWatch/pkg/errors"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Max: time.Minute}

	assert.Equal(t, 2*time.Second, b.Delay(0))
	assert.Equal(t, 4*time.Second, b.Delay(1))
	assert.Equal(t, 32*time.Second, b.Delay(4))
	assert.Equal(t, time.Minute, b.Delay(5))
	assert.Equal(t, time.Minute, b.Delay(200))

	prev := time.Duration(0)
	for n := 0; n < 80; n++ {
		d := b.Delay(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, time.Minute)
		prev = d
	}

	assert.Equal(t, DefaultBackoffBase, Backoff{}.Delay(0))
}

func TestCoordinatorRetryDelay(t *testing.T) {
	c := NewCoordinator(nil, CoordinatorOptions{Backoff: Backoff{Base: 2 * time.Second, Max: 30 * time.Second}})

	// the Nth consecutive failure waits min(cap, 2^N * base)
	for n, want := range []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second} {
		assert.Equal(t, want, c.nextDelay(), "failure %d", n+1)
	}
}

func pending(t *testing.T, req alertapi.AlertRequest) store.PendingAlert {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return store.PendingAlert{ID: req.AlertID, Kind: req.Kind, Payload: string(b)}
}

func TestHTTPSender(t *testing.T) {
	var status atomic.Int32
	var gotPath, gotAuth, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get(alertapi.IdempotencyHeader)
		code := int(status.Load())
		w.WriteHeader(code)
		if code < 300 {
			_ = json.NewEncoder(w).Encode(alertapi.AlertResponse{ID: "42", AlertID: gotKey, Duplicate: code == http.StatusOK})
		}
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL+"/api/", "secret", time.Second)
	ctx := context.Background()
	a := pending(t, alertapi.AlertRequest{AlertID: "checkin_ct_1", Kind: alertapi.KindCheckinMissed, ControlTimeID: "ct_1"})

	t.Run("created", func(t *testing.T) {
		status.Store(http.StatusCreated)
		r, err := s.Send(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, "42", r.ServerID)
		assert.False(t, r.Duplicate)
		assert.Equal(t, "/api/alerts/checkin-missed", gotPath)
		assert.Equal(t, "Bearer secret", gotAuth)
		assert.Equal(t, "checkin_ct_1", gotKey)
	})

	t.Run("duplicate", func(t *testing.T) {
		status.Store(http.StatusOK)
		r, err := s.Send(ctx, a)
		require.NoError(t, err)
		assert.True(t, r.Duplicate)
	})

	cases := []struct {
		code      int
		transient bool
	}{
		{http.StatusUnauthorized, true},
		{http.StatusConflict, true},
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			status.Store(int32(tc.code))
			_, err := s.Send(ctx, a)
			require.Error(t, err)
			assert.Equal(t, tc.transient, errors.IsTransient(err))
			assert.Equal(t, !tc.transient, errors.IsPermanent(err))
		})
	}

	t.Run("network error", func(t *testing.T) {
		down := NewHTTPSender("http://127.0.0.1:1", "", 200*time.Millisecond)
		_, err := down.Send(ctx, a)
		require.Error(t, err)
		assert.True(t, errors.IsTransient(err))
	})
}

func TestProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/system/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.True(t, NewProber(srv.URL+"/api", time.Second).Probe(context.Background()))
	assert.False(t, NewProber("http://127.0.0.1:1", 200*time.Millisecond).Probe(context.Background()))
}

// switchSender fails until up is set.
type switchSender struct {
	up    atomic.Bool
	mu    sync.Mutex
	sent  []string
	tries atomic.Int32
}

func (s *switchSender) Send(ctx context.Context, a store.PendingAlert) (store.Receipt, error) {
	s.tries.Add(1)
	if !s.up.Load() {
		return store.Receipt{}, errors.WithCode(errors.CodeTransient, "no route to host")
	}
	s.mu.Lock()
	s.sent = append(s.sent, a.ID)
	s.mu.Unlock()
	return store.Receipt{StatusCode: 201}, nil
}

func (s *switchSender) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestCoordinator(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "coord.db"))
	require.NoError(t, err)
	defer st.Close()

	sender := &switchSender{}
	var c *Coordinator
	q := alertqueue.New(st, sender, alertqueue.Options{OnEnqueue: func(string) { c.Enqueued() }})
	c = NewCoordinator(q, CoordinatorOptions{
		Backoff:    Backoff{Base: 20 * time.Millisecond, Max: 50 * time.Millisecond},
		MaxRetries: 100,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// offline: nothing is attempted
	_, err = q.Enqueue(ctx, alertapi.AlertRequest{AlertID: "sos_offline", Kind: alertapi.KindSOS})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, sender.tries.Load())

	// online but the server is down: backoff keeps retrying
	c.SetOnline(true)
	require.Eventually(t, func() bool { return sender.tries.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, sender.delivered())

	sender.up.Store(true)
	require.Eventually(t, func() bool { return len(sender.delivered()) == 1 }, 2*time.Second, 10*time.Millisecond)

	// enqueue while online is delivered right away
	_, err = q.Enqueue(ctx, alertapi.AlertRequest{AlertID: "sos_online", Kind: alertapi.KindSOS})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sender.delivered()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"sos_offline", "sos_online"}, sender.delivered())

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}
