// Package telemetry is a reconnecting client for the push feed. It keeps the
// connection status, the latest message and a bounded history, and queues
// outbound messages while the connection is down.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"watchpower-monitor/internal/logger"
)

const (
	DefaultAggregatePath        = "/ws"
	DefaultInverterPathTemplate = "/ws/" + inverterIDToken
	DefaultReconnectBaseDelay   = 500 * time.Millisecond
	DefaultReconnectMaxDelay    = 15 * time.Second
	DefaultMaxHistory           = 200
	DefaultConnectTimeout       = 10 * time.Second

	writeWait = 10 * time.Second

	errGeneric = "websocket error"
	errNonJSON = "received non-JSON message from server"
)

var ErrSocketClosed = errors.New("socket closed")

type Config struct {
	BaseURL              string
	Mode                 Mode
	InverterID           string
	AggregatePath        string
	InverterPathTemplate string

	AutoConnect        bool
	Reconnect          bool
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	MaxHistory         int
	// Throttle coalesces inbound messages: at most one update per window,
	// carrying the newest message. Zero delivers every message.
	Throttle       time.Duration
	ConnectTimeout time.Duration
	Header         http.Header

	Logger *logger.Logger
	// OnChange fires after any observable change, outside the lock.
	OnChange func()
	// OnMessage fires for every message that becomes the latest one.
	OnMessage func(Message)
}

// DefaultConfig returns an auto-connecting, reconnecting aggregate feed
// configuration for base.
func DefaultConfig(base string) Config {
	return Config{
		BaseURL:     base,
		Mode:        ModeAggregate,
		AutoConnect: true,
		Reconnect:   true,
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeAggregate
	}
	if c.AggregatePath == "" {
		c.AggregatePath = DefaultAggregatePath
	}
	if c.InverterPathTemplate == "" {
		c.InverterPathTemplate = DefaultInverterPathTemplate
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = c.ReconnectBaseDelay
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// Snapshot is a consistent copy of the socket state.
type Snapshot struct {
	URL      string    `json:"url"`
	Status   Status    `json:"status"`
	Err      string    `json:"error,omitempty"`
	Latest   *Message  `json:"latest,omitempty"`
	History  []Message `json:"history"`
	Attempts int       `json:"attempts"`
	Queued   int       `json:"queued"`
}

type Socket struct {
	cfg    Config
	url    string
	urlErr error
	log    *logger.Logger
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	status  Status
	err     string
	latest  *Message
	history *Ring[Message]
	queue   [][]byte

	conn       *websocket.Conn
	gen        uint64
	cancelDial context.CancelFunc

	backoff   *backoff.ExponentialBackOff
	attempts  int
	reconnect *time.Timer

	pending  *Message
	throttle *time.Timer

	// throttleSeq identifies the armed throttle timer. A callback carrying
	// an older value is stale.
	throttleSeq uint64

	closed bool
}

// New creates a socket and connects right away when AutoConnect is set.
func New(cfg Config) *Socket {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		cfg: cfg,
		log: logger.OrNop(cfg.Logger).Named("telemetry"),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		ctx:     ctx,
		cancel:  cancel,
		history: NewRing[Message](cfg.MaxHistory),
		backoff: newBackoff(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay),
	}
	s.url, s.urlErr = BuildURL(cfg.BaseURL, cfg.Mode, cfg.InverterID, cfg.AggregatePath, cfg.InverterPathTemplate)

	if cfg.AutoConnect {
		s.Connect()
	}
	return s
}

// newBackoff yields min(base*2^n, max) for the n-th consecutive failure.
func newBackoff(base, maxDelay time.Duration) *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(base),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithMaxElapsedTime(0),
	)
}

func (s *Socket) URL() string { return s.url }

// Connect opens a new connection, replacing any existing one.
func (s *Socket) Connect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connectLocked()
	s.mu.Unlock()
	s.changed()
}

func (s *Socket) connectLocked() {
	if s.urlErr != nil {
		s.setStatus(StatusIdle)
		s.err = s.urlErr.Error()
		s.log.Warnw("not connecting", "err", s.urlErr)
		return
	}

	s.dropConnLocked()
	s.stopTimersLocked()

	s.gen++
	gen := s.gen
	s.setStatus(StatusConnecting)
	s.err = ""

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	s.cancelDial = cancel

	s.wg.Add(1)
	go s.dial(ctx, cancel, gen)
}

// Disconnect closes the connection and suppresses reconnects until the
// next Connect.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.disconnectLocked()
	s.mu.Unlock()
	s.changed()
}

func (s *Socket) disconnectLocked() {
	s.gen++
	s.stopTimersLocked()
	s.backoff.Reset()
	s.attempts = 0
	s.dropConnLocked()
	s.setStatus(StatusClosed)
}

// Close disconnects and waits for background work. No callback fires after
// Close returns.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.disconnectLocked()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Send writes v when the connection is open and queues it otherwise.
// Strings and byte slices go out verbatim; anything else is sent as JSON.
// The boolean reports whether the payload was written immediately.
func (s *Socket) Send(v any) (bool, error) {
	var payload []byte
	switch p := v.(type) {
	case string:
		payload = []byte(p)
	case []byte:
		payload = append([]byte(nil), p...)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return false, err
		}
		payload = b
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrSocketClosed
	}
	if s.status != StatusOpen || s.conn == nil || len(s.queue) > 0 {
		s.queue = append(s.queue, payload)
		s.mu.Unlock()
		s.changed()
		return false, nil
	}
	if err := s.writeLocked(payload); err != nil {
		s.log.Warnw("send failed, queued", "err", err)
		s.queue = append(s.queue, payload)
		// Closing the socket makes the reader report the failure.
		_ = s.conn.Close()
		s.mu.Unlock()
		s.changed()
		return false, nil
	}
	s.mu.Unlock()
	return true, nil
}

func (s *Socket) ResetHistory() {
	s.mu.Lock()
	s.history.Reset()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		s.changed()
	}
}

func (s *Socket) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		URL:      s.url,
		Status:   s.status,
		Err:      s.err,
		History:  s.history.Items(),
		Attempts: s.attempts,
		Queued:   len(s.queue),
	}
	if s.latest != nil {
		m := *s.latest
		snap.Latest = &m
	}
	return snap
}

func (s *Socket) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer s.wg.Done()

	s.log.Debugw("dialing", "url", s.url)
	conn, _, err := s.dialer.DialContext(ctx, s.url, s.cfg.Header)
	cancel()
	if err != nil {
		s.log.Warnw("dial failed", "url", s.url, "err", err)
		s.onError(gen)
		s.onClose(gen)
		return
	}
	if !s.onOpen(gen, conn) {
		_ = conn.Close()
		return
	}
	s.read(gen, conn)
}

func (s *Socket) read(gen uint64, conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Infow("connection lost", "err", err)
				s.onError(gen)
			}
			s.onClose(gen)
			return
		}
		if kind != websocket.TextMessage || len(data) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.mu.Lock()
			stale := gen != s.gen
			if !stale {
				s.err = errNonJSON
			}
			s.mu.Unlock()
			if !stale {
				s.changed()
			}
			continue
		}
		s.intake(gen, msg)
	}
}

func (s *Socket) onOpen(gen uint64, conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return false
	}
	s.conn = conn
	s.cancelDial = nil
	s.backoff.Reset()
	s.attempts = 0
	s.setStatus(StatusOpen)
	s.log.Infow("connected", "url", s.url)
	s.flushQueueLocked()
	s.mu.Unlock()
	s.changed()
	return true
}

func (s *Socket) onError(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.setStatus(StatusError)
	s.err = errGeneric
	s.mu.Unlock()
	s.changed()
}

func (s *Socket) onClose(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.setStatus(StatusClosed)

	if s.cfg.Reconnect {
		delay := s.backoff.NextBackOff()
		s.attempts++
		s.log.Debugw("reconnect scheduled", "attempt", s.attempts, "delay", delay)
		s.wg.Add(1)
		s.reconnect = time.AfterFunc(delay, func() { s.retry(gen) })
	}
	s.mu.Unlock()
	s.changed()
}

func (s *Socket) retry(gen uint64) {
	defer s.wg.Done()
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.reconnect = nil
	s.connectLocked()
	s.mu.Unlock()
	s.changed()
}

// Timer callbacks hold a wait group slot from scheduling until they return
// or are stopped, so Close can wait for them.

// intake applies an inbound message, directly or through the throttle slot.
func (s *Socket) intake(gen uint64, msg Message) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.cfg.Throttle > 0 {
		s.pending = &msg
		if s.throttle == nil {
			s.throttleSeq++
			seq := s.throttleSeq
			s.wg.Add(1)
			s.throttle = time.AfterFunc(s.cfg.Throttle, func() { s.flushPending(seq) })
		}
		s.mu.Unlock()
		return
	}
	s.applyLocked(msg)
	s.mu.Unlock()
	s.delivered(msg)
}

func (s *Socket) flushPending(seq uint64) {
	defer s.wg.Done()
	s.mu.Lock()
	if seq != s.throttleSeq {
		s.mu.Unlock()
		return
	}
	s.throttle = nil
	m := s.pending
	s.pending = nil
	if m == nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.applyLocked(*m)
	s.mu.Unlock()
	s.delivered(*m)
}

func (s *Socket) applyLocked(msg Message) {
	m := msg
	s.latest = &m
	s.history.Push(msg)
}

func (s *Socket) delivered(msg Message) {
	if s.cfg.OnMessage != nil {
		s.cfg.OnMessage(msg)
	}
	s.changed()
}

func (s *Socket) flushQueueLocked() {
	for len(s.queue) > 0 {
		if err := s.writeLocked(s.queue[0]); err != nil {
			s.log.Warnw("flushing send queue", "remaining", len(s.queue), "err", err)
			_ = s.conn.Close()
			return
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
	}
	s.queue = nil
}

func (s *Socket) writeLocked(payload []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Socket) dropConnLocked() {
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debugw("closing connection", "err", err)
		}
		s.conn = nil
	}
}

func (s *Socket) stopTimersLocked() {
	if s.reconnect != nil {
		if s.reconnect.Stop() {
			s.wg.Done()
		}
		s.reconnect = nil
	}
	if s.throttle != nil {
		if s.throttle.Stop() {
			s.wg.Done()
		}
		s.throttle = nil
		s.throttleSeq++
	}
	s.pending = nil
}

func (s *Socket) setStatus(next Status) {
	if !s.status.CanTransition(next) {
		s.log.Warnw("illegal status transition", "from", s.status, "to", next)
		return
	}
	s.status = next
}

func (s *Socket) changed() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}
