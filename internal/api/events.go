package api

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/zulandar/whatsdesk/internal/whatsapp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const heartbeatInterval = 15 * time.Second

// watchers fans registry status changes out to SSE clients over a single bus
// subscription. The bus matches handlers by function pointer, so per-client
// closures cannot be unsubscribed individually.
type watchers struct {
	mu   sync.Mutex
	next int
	subs map[int]watcher
}

type watcher struct {
	sessionID string
	ch        chan whatsapp.Snapshot
}

func newWatchers() *watchers {
	return &watchers{subs: make(map[int]watcher)}
}

func (w *watchers) publish(sessionID string, snap whatsapp.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subs {
		if sub.sessionID != sessionID {
			continue
		}
		select {
		case sub.ch <- snap:
		default: // slow client; it will see the next one
		}
	}
}

func (w *watchers) add(sessionID string) (int, <-chan whatsapp.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next++
	ch := make(chan whatsapp.Snapshot, 8)
	w.subs[w.next] = watcher{sessionID: sessionID, ch: ch}
	return w.next, ch
}

func (w *watchers) remove(id int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subs, id)
}

func (w *watchers) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// handleSessionEvents streams status snapshots of one session as SSE until
// the client goes away. The current snapshot is sent first.
func (s *Server) handleSessionEvents(c *gin.Context) {
	id := c.Param("id")
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	subID, updates := s.watchers.add(id)
	defer s.watchers.remove(subID)

	c.Status(http.StatusOK)
	writeSSE(c.Writer, "status", s.sessions.Status(id))
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case snap := <-updates:
			writeSSE(c.Writer, "status", snap)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
