// stream.go implements the chain push stream: a durable, auto-reconnecting
// WebSocket subscription for account and program notifications.
//
// The stream reconnects with exponential backoff (initial 250 ms, cap 30 s,
// ±20% jitter) and re-subscribes to all tracked filters on reconnection.
// Consumers observe each reconnection as a SequenceGap message in the
// stream, which downstream detectors treat as a cache-invalidation hint.
// A read deadline of twice the heartbeat interval ensures silent server
// failures are detected.
package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stanmart1/mev-sub005/internal/config"
	"github.com/stanmart1/mev-sub005/internal/metrics"
	"github.com/stanmart1/mev-sub005/pkg/types"
)

const (
	writeTimeout = 10 * time.Second
	notifBuffer  = 1024 // buffer for raw notifications
)

// Filter specifies what the stream subscribes to: program IDs, optional
// account scopes, a commitment level, and whether mempool (pending
// transaction) notifications are requested.
type Filter struct {
	ProgramIDs []types.Pubkey
	Accounts   []types.Pubkey
	Commitment string
	Mempool    bool
}

// Message is one item read from the stream. Exactly one field is non-nil:
// a raw notification, or a gap marker emitted after a reconnect.
type Message struct {
	Raw *types.RawNotification
	Gap *types.SequenceGap
}

// Stream manages the push WebSocket connection to the chain endpoint.
type Stream struct {
	cfg    config.ChainConfig
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	// Track filters for automatic re-subscribe on reconnect
	filtersMu sync.RWMutex
	filters   []Filter

	msgCh chan Message

	lastSlot   atomic.Uint64
	connected  atomic.Bool
	reconnects atomic.Int64
	lastErrMu  sync.Mutex
	lastErr    string

	logger *slog.Logger
}

// NewStream creates a chain push stream client. Run must be called to
// connect.
func NewStream(cfg config.ChainConfig, logger *slog.Logger) *Stream {
	return &Stream{
		cfg:    cfg,
		msgCh:  make(chan Message, notifBuffer),
		logger: logger.With("component", "chain_stream"),
	}
}

// Messages returns the read-only stream of notifications and gap markers.
func (s *Stream) Messages() <-chan Message { return s.msgCh }

// Subscribe registers a filter. Applied immediately if connected, and
// replayed on every reconnect.
func (s *Stream) Subscribe(ctx context.Context, f Filter) error {
	s.filtersMu.Lock()
	s.filters = append(s.filters, f)
	s.filtersMu.Unlock()

	return s.writeJSON(subscribeMsg("subscribe", f))
}

// Health returns a snapshot of stream connectivity.
func (s *Stream) Health() types.HealthSnapshot {
	s.lastErrMu.Lock()
	lastErr := s.lastErr
	s.lastErrMu.Unlock()

	return types.HealthSnapshot{
		Connected:      s.connected.Load(),
		LastSlot:       s.lastSlot.Load(),
		ReconnectCount: int(s.reconnects.Load()),
		LastError:      lastErr,
		CheckedAt:      time.Now(),
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	var backoff time.Duration

	for {
		lastGood := s.lastSlot.Load()
		err := s.connectAndRead(ctx)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.lastErrMu.Lock()
		s.lastErr = err.Error()
		s.lastErrMu.Unlock()

		backoff = nextBackoff(backoff, s.cfg, s.lastSlot.Load() > lastGood)

		s.logger.Warn("chain stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
			"last_good_slot", lastGood,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(backoff)):
		}
	}
}

// nextBackoff returns the delay before the upcoming reconnect attempt. A
// session that advanced the slot cursor restarts the ladder; a fruitless
// one doubles the previous delay toward the cap.
func nextBackoff(prev time.Duration, cfg config.ChainConfig, progressed bool) time.Duration {
	if progressed || prev == 0 {
		return cfg.BackoffInitial()
	}
	next := prev * 2
	if next > cfg.BackoffMax() {
		next = cfg.BackoffMax()
	}
	return next
}

// Close gracefully closes the connection.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	lastGood := s.lastSlot.Load()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	s.connected.Store(true)
	wasReconnect := s.reconnects.Add(1) > 1
	s.logger.Info("chain stream connected", "url", s.cfg.WSURL)

	// Honor server pings; our own heartbeat goes out on a timer.
	readTimeout := 2 * s.cfg.HeartbeatInterval()
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return s.writeControl(websocket.PongMessage, []byte(appData))
	})

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx)

	gapPending := wasReconnect

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		raw, ok := s.decodeNotification(data)
		if !ok {
			continue
		}

		if raw.Slot > s.lastSlot.Load() {
			s.lastSlot.Store(raw.Slot)
		}

		// The gap marker carries the first slot seen after reconnect, so it
		// is emitted ahead of the first real notification.
		if gapPending {
			gapPending = false
			metrics.Reconnects.Inc()
			s.deliver(Message{Gap: &types.SequenceGap{
				LastGoodSlot:      lastGood,
				ReconnectedAtSlot: raw.Slot,
			}})
		}

		s.deliver(Message{Raw: raw})
	}
}

func (s *Stream) deliver(msg Message) {
	select {
	case s.msgCh <- msg:
	default:
		s.logger.Warn("notification channel full, dropping message")
	}
}

// decodeNotification parses one inbound frame. Non-notification frames
// (acks, heartbeat replies) are ignored.
func (s *Stream) decodeNotification(data []byte) (*types.RawNotification, bool) {
	var frame struct {
		Type      string `json:"type"`
		ProgramID string `json:"program_id"`
		Account   string `json:"account"`
		Slot      uint64 `json:"slot"`
		Data      string `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Debug("ignoring non-json frame")
		return nil, false
	}
	if frame.Type != "notification" {
		s.logger.Debug("ignoring frame", "type", frame.Type)
		return nil, false
	}

	program, err := types.PubkeyFromString(frame.ProgramID)
	if err != nil {
		s.logger.Debug("bad program id in notification", "error", err)
		return nil, false
	}
	account, err := types.PubkeyFromString(frame.Account)
	if err != nil {
		s.logger.Debug("bad account in notification", "error", err)
		return nil, false
	}
	payload, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		s.logger.Debug("bad payload encoding in notification", "error", err)
		return nil, false
	}

	return &types.RawNotification{
		ProgramID:  program,
		Account:    account,
		Slot:       frame.Slot,
		Data:       payload,
		ReceivedAt: time.Now(),
	}, true
}

func (s *Stream) resubscribe() error {
	s.filtersMu.RLock()
	filters := make([]Filter, len(s.filters))
	copy(filters, s.filters)
	s.filtersMu.RUnlock()

	for _, f := range filters {
		if err := s.writeJSON(subscribeMsg("subscribe", f)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeJSON(map[string]string{"op": "ping"}); err != nil {
				s.logger.Warn("heartbeat failed", "error", err)
				return
			}
		}
	}
}

type wsSubscribeMsg struct {
	Op         string   `json:"op"`
	Programs   []string `json:"programs,omitempty"`
	Accounts   []string `json:"accounts,omitempty"`
	Commitment string   `json:"commitment,omitempty"`
	Mempool    bool     `json:"mempool,omitempty"`
}

func subscribeMsg(op string, f Filter) wsSubscribeMsg {
	msg := wsSubscribeMsg{Op: op, Commitment: f.Commitment, Mempool: f.Mempool}
	for _, p := range f.ProgramIDs {
		msg.Programs = append(msg.Programs, p.String())
	}
	for _, a := range f.Accounts {
		msg.Accounts = append(msg.Accounts, a.String())
	}
	return msg
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("chain stream not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) writeControl(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("chain stream not connected")
	}
	return s.conn.WriteControl(msgType, data, time.Now().Add(writeTimeout))
}

// jitter applies ±20% randomization to a backoff interval.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
