package sse

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStreamServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/stream", func(c *gin.Context) { hub.Serve(c, c.Query("id")) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func open(t *testing.T, ctx context.Context, url, lastID string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// nextEvent reads up to the next data line and returns the id, event and
// data lines of that frame.
func nextEvent(t *testing.T, sc *bufio.Scanner) []string {
	t.Helper()
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id:"), strings.HasPrefix(line, "event:"):
			lines = append(lines, line)
		case strings.HasPrefix(line, "data:"):
			return append(lines, line)
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return nil
}

func TestHubServe(t *testing.T) {
	hub := NewHub(time.Hour)
	srv := newStreamServer(t, hub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resp := open(t, ctx, srv.URL+"/stream?id=dash1&topic=alice", "")
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Eventually(t, func() bool { return hub.Len() == 1 }, time.Second, 5*time.Millisecond)

	hub.PublishTopic("bob", "alert_created", map[string]string{"id": "other"})
	hub.PublishTopic("alice", "alert_created", map[string]string{"id": "7"})
	hub.Publish("shutdown", map[string]string{})

	sc := bufio.NewScanner(resp.Body)
	assert.Equal(t, []string{"id: 2", "event: alert_created", `data: {"id":"7"}`}, nextEvent(t, sc))
	assert.Equal(t, []string{"id: 3", "event: shutdown", `data: {}`}, nextEvent(t, sc))

	hub.Close()
	assert.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubReplay(t *testing.T) {
	hub := NewHub(time.Hour)
	srv := newStreamServer(t, hub)
	for i := 0; i < 3; i++ {
		hub.Publish("alert_created", map[string]int{"n": i})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := open(t, ctx, srv.URL+"/stream?id=dash2", "1")
	sc := bufio.NewScanner(resp.Body)
	assert.Equal(t, []string{"id: 2", "event: alert_created", `data: {"n":1}`}, nextEvent(t, sc))
	assert.Equal(t, []string{"id: 3", "event: alert_created", `data: {"n":2}`}, nextEvent(t, sc))
}

func TestHubClosed(t *testing.T) {
	hub := NewHub(time.Hour)
	srv := newStreamServer(t, hub)
	hub.Close()
	hub.Publish("ignored", 1)

	resp := open(t, context.Background(), srv.URL+"/stream?id=late", "")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "retry: 5000\n\n", string(body))
	assert.Equal(t, 0, hub.Len())
}
