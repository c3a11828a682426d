// subscriber.go holds the per-connection state machine: the control-frame
// reader and the round-robin topic writer.
package hub

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stanmart1/mev-sub005/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Subscriber is one WebSocket consumer with independent per-topic queues.
type Subscriber struct {
	hub       *Hub
	conn      *websocket.Conn
	queueSize int
	logger    *slog.Logger

	mu      sync.Mutex
	topics  map[string]*topicQueue
	filters Filters
	closed  bool

	// writeMu serializes connection writes between the writer pump and
	// control-frame replies.
	writeMu sync.Mutex

	wake chan struct{}
}

func (s *Subscriber) write(fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return fn()
}

// controlFrame is the client-to-server message format.
type controlFrame struct {
	Op      string   `json:"op"` // subscribe, unsubscribe, ping
	Topics  []string `json:"topics,omitempty"`
	Filters *Filters `json:"filters,omitempty"`
}

// NewSubscriber attaches a connection to the hub and starts its pumps.
func NewSubscriber(h *Hub, conn *websocket.Conn) *Subscriber {
	s := &Subscriber{
		hub:       h,
		conn:      conn,
		queueSize: h.queueSize,
		logger:    h.logger,
		topics:    make(map[string]*topicQueue),
		wake:      make(chan struct{}, 1),
	}
	h.attach(s)
	go s.writePump()
	go s.readPump()
	return s
}

func (s *Subscriber) wakeWriter() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// subscribe adds topics, creating fresh queues for new ones. Re-subscribing
// to a topic the subscriber was dropped from reopens delivery; sequence
// counters survive so clients can see the gap.
func (s *Subscriber) subscribe(topics []string, filters *Filters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		if !validTopic(t) {
			continue
		}
		if q, ok := s.topics[t]; ok {
			q.dropped = false
		} else {
			s.topics[t] = &topicQueue{}
		}
	}
	if filters != nil {
		s.filters = *filters
	}
}

func (s *Subscriber) unsubscribe(topics []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
}

// nextBatch pops at most one frame per topic, in deterministic topic order,
// so no topic's backlog starves another.
func (s *Subscriber) nextBatch() []types.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.topics))
	for t := range s.topics {
		names = append(names, t)
	}
	sort.Strings(names)

	var batch []types.Envelope
	for _, t := range names {
		q := s.topics[t]
		if len(q.frames) == 0 {
			continue
		}
		batch = append(batch, q.frames[0])
		q.frames = q.frames[1:]
	}
	return batch
}

func (s *Subscriber) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range s.topics {
		if len(q.frames) > 0 {
			return true
		}
	}
	return false
}

// writePump drains queues to the connection and keeps the ping cadence.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.wake:
			for {
				batch := s.nextBatch()
				if len(batch) == 0 {
					break
				}
				for _, env := range batch {
					if err := s.write(func() error { return s.conn.WriteJSON(env) }); err != nil {
						return
					}
				}
			}
			if s.hasPending() {
				s.wakeWriter()
			}

		case <-ticker.C:
			if err := s.write(func() error {
				return s.conn.WriteMessage(websocket.PingMessage, nil)
			}); err != nil {
				return
			}
		}
	}
}

// readPump processes client control frames until the connection drops.
func (s *Subscriber) readPump() {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.hub.detach(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("subscriber read error", "err", err)
			}
			return
		}
		var frame controlFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("bad control frame", "err", err)
			continue
		}
		switch frame.Op {
		case "subscribe":
			s.subscribe(frame.Topics, frame.Filters)
		case "unsubscribe":
			s.unsubscribe(frame.Topics)
		case "ping":
			s.write(func() error {
				return s.conn.WriteJSON(map[string]string{"op": "pong"})
			})
		}
	}
}
