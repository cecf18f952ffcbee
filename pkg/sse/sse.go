package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"TrailWatch/pkg/logger"
)

const (
	clientBuffer = 64
	replaySize   = 256
	retryMs      = 5000
)

type frame struct {
	id    uint64
	topic string
	text  string
}

type subscriber struct {
	topics map[string]bool // 为空表示订阅全部
	ch     chan frame
	done   chan struct{}
}

func (s *subscriber) wants(topic string) bool {
	return len(s.topics) == 0 || topic == "" || s.topics[topic]
}

// Hub fans server-sent events out to dashboards and status pages. Every
// event gets a sequence id and the last few are kept so a reconnecting
// client can resume with Last-Event-ID. Slow clients drop events instead of
// blocking publishers.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]*subscriber
	recent   []frame
	seq      uint64
	interval time.Duration
	closed   bool
}

func NewHub(keepalive time.Duration) *Hub {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	return &Hub{subs: make(map[string]*subscriber), interval: keepalive}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish sends event to every client regardless of its topic filter.
func (h *Hub) Publish(event string, v interface{}) { h.PublishTopic("", event, v) }

// PublishTopic sends event to the clients subscribed to topic and to the
// clients without a filter.
func (h *Hub) PublishTopic(topic, event string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn("sse: encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	f := frame{id: h.seq, topic: topic, text: encode(h.seq, event, data)}
	h.recent = append(h.recent, f)
	if len(h.recent) > replaySize {
		h.recent = h.recent[len(h.recent)-replaySize:]
	}
	for _, s := range h.subs {
		if s.wants(topic) {
			offer(s, f)
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		close(s.done)
		delete(h.subs, id)
	}
}

// subscribe registers id, replacing an earlier stream with the same id, and
// returns the buffered events newer than lastID.
func (h *Hub) subscribe(id string, topics []string, lastID uint64) (*subscriber, []frame) {
	s := &subscriber{topics: make(map[string]bool), ch: make(chan frame, clientBuffer), done: make(chan struct{})}
	for _, t := range topics {
		if t = strings.TrimSpace(t); t != "" {
			s.topics[t] = true
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.done)
		return s, nil
	}
	if old, ok := h.subs[id]; ok {
		close(old.done)
	}
	h.subs[id] = s
	var backlog []frame
	if lastID > 0 {
		for _, f := range h.recent {
			if f.id > lastID && s.wants(f.topic) {
				backlog = append(backlog, f)
			}
		}
	}
	return s, backlog
}

func (h *Hub) unsubscribe(id string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.subs[id]; ok && cur == s {
		close(s.done)
		delete(h.subs, id)
	}
}

func offer(s *subscriber, f frame) {
	select {
	case s.ch <- f:
	default:
	}
}

func encode(id uint64, event string, data []byte) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "id: %d\n", id)
	if event != "" {
		fmt.Fprintf(&sb, "event: %s\n", event)
	}
	fmt.Fprintf(&sb, "data: %s\n\n", data)
	return sb.String()
}

// Serve streams events to one client until it disconnects or the hub
// closes. ?topic=a,b restricts the stream to those topics.
func (h *Hub) Serve(c *gin.Context, clientID string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return
	}
	var lastID uint64
	if v := c.GetHeader("Last-Event-ID"); v != "" {
		lastID, _ = strconv.ParseUint(v, 10, 64)
	}
	var topics []string
	if q := c.Query("topic"); q != "" {
		topics = strings.Split(q, ",")
	}

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	fmt.Fprintf(c.Writer, "retry: %d\n\n", retryMs)

	sub, backlog := h.subscribe(clientID, topics, lastID)
	defer h.unsubscribe(clientID, sub)
	for _, f := range backlog {
		_, _ = c.Writer.WriteString(f.text)
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.interval)
	defer keepalive.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-c.Request.Context().Done():
			return
		case <-keepalive.C:
			_, _ = c.Writer.WriteString(": ping\n\n")
			flusher.Flush()
		case f := <-sub.ch:
			_, _ = c.Writer.WriteString(f.text)
			flusher.Flush()
		}
	}
}
