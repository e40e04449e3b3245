package api

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"evalflow/internal/sessions"
)

const wsPingInterval = 30 * time.Second

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket connection wrapper with mutex for thread-safe writes
type safeWSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *safeWSConn) WriteJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *safeWSConn) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

func (s *safeWSConn) ReadMessage() (int, []byte, error) {
	return s.conn.ReadMessage()
}

func (s *safeWSConn) Close() error {
	return s.conn.Close()
}

// GET /ws/sessions/:id/events?token=...&since=N
//
// Streams the session event log, starting after since. The client never
// needs to send anything; a read error means it went away.
func WSEventsHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		userID, _ := currentUserID(c)
		since, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)

		rawConn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("[WS] Upgrade failed for session %s: %v", s.ID, err)
			return
		}
		conn := &safeWSConn{conn: rawConn}
		defer conn.Close()

		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()

		bus := s.Events()
		last := since
		for {
			wake := bus.Wait()
			for _, ev := range bus.Since(last) {
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
				last = ev.Seq
			}
			select {
			case <-wake:
			case <-gone:
				return
			case <-ticker.C:
				if err := conn.Ping(); err != nil {
					return
				}
				// A reaped or superseded session stops streaming.
				if _, err := reg.Get(c.Request.Context(), userID, s.ID); err != nil {
					conn.WriteJSON(gin.H{"event": "closed"})
					return
				}
			}
		}
	}
}
