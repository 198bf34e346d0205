package handler

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/leadwall/bidgate/internal/breaker"
	"github.com/leadwall/bidgate/internal/model"
	"github.com/leadwall/bidgate/internal/pkg/logger"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamClientBuf  = 64
)

type streamMessage struct {
	Type     string                `json:"type"` // snapshot | transition
	Partners []model.PartnerHealth `json:"partners,omitempty"`
	Event    *model.BreakerEvent   `json:"event,omitempty"`
}

type streamClient struct {
	send chan streamMessage
	seq  map[string]uint64 // last transition seen per partner
}

// HealthStream fans breaker transitions out to websocket subscribers. A client
// that falls behind is disconnected rather than slowing the breaker down.
type HealthStream struct {
	breaker  *breaker.Breaker
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

func NewHealthStream(br *breaker.Breaker) *HealthStream {
	s := &HealthStream{
		breaker: br,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     logger.Component("health-stream"),
		clients: make(map[*streamClient]struct{}),
	}
	br.OnTransition(s.publish)
	return s
}

// publish forwards a transition to every client that has not already seen a newer one
// for the same partner.
func (s *HealthStream) publish(event model.BreakerEvent) {
	msg := streamMessage{Type: "transition", Event: &event}
	s.mu.Lock()
	defer s.mu.Unlock()
	for cl := range s.clients {
		if event.Seq <= cl.seq[event.PartnerID] {
			continue
		}
		cl.seq[event.PartnerID] = event.Seq
		select {
		case cl.send <- msg:
		default:
			delete(s.clients, cl)
			close(cl.send)
		}
	}
}

// subscribe queues the current snapshot ahead of any transition the client will see.
func (s *HealthStream) subscribe() (*streamClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	snapshot := s.breaker.Snapshots()
	cl := &streamClient{
		send: make(chan streamMessage, streamClientBuf),
		seq:  make(map[string]uint64, len(snapshot)),
	}
	for _, h := range snapshot {
		cl.seq[h.PartnerID] = h.Seq
	}
	cl.send <- streamMessage{Type: "snapshot", Partners: snapshot}
	s.clients[cl] = struct{}{}
	return cl, true
}

func (s *HealthStream) unsubscribe(cl *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[cl]; ok {
		delete(s.clients, cl)
		close(cl.send)
	}
}

// Close disconnects every subscriber.
func (s *HealthStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for cl := range s.clients {
		delete(s.clients, cl)
		close(cl.send)
	}
}

func (s *HealthStream) Serve(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	cl, ok := s.subscribe()
	if !ok {
		_ = conn.Close()
		return
	}
	go s.readLoop(conn, cl)
	s.writeLoop(conn, cl)
}

// readLoop only exists to notice the peer going away and to handle pongs.
func (s *HealthStream) readLoop(conn *websocket.Conn, cl *streamClient) {
	defer s.unsubscribe(cl)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *HealthStream) writeLoop(conn *websocket.Conn, cl *streamClient) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.unsubscribe(cl)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.unsubscribe(cl)
				return
			}
		}
	}
}
