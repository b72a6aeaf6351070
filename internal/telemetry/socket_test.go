package telemetry

import (
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// feed is a test server that records text frames and lets the test push
// frames to the most recent connection.
type feed struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []string
	conn     *websocket.Conn
	accepted atomic.Int32
	dropNew  bool
}

func newFeed(t *testing.T, dropNew bool) *feed {
	t.Helper()
	f := &feed{dropNew: dropNew}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.accepted.Add(1)
		if f.dropNew {
			_ = conn.Close()
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, string(data))
			f.mu.Unlock()
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feed) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func (f *feed) push(t *testing.T, kind int, data string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(t, f.conn)
	require.NoError(t, f.conn.WriteMessage(kind, []byte(data)))
}

func currentGen(s *Socket) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func statusIs(s *Socket, want Status) func() bool {
	return func() bool { return s.Snapshot().Status == want }
}

func TestStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusIdle, StatusConnecting, true},
		{StatusConnecting, StatusOpen, true},
		{StatusOpen, StatusClosed, true},
		{StatusOpen, StatusError, true},
		{StatusError, StatusClosed, true},
		{StatusClosed, StatusConnecting, true},
		{StatusError, StatusConnecting, true},
		{StatusConnecting, StatusIdle, true},
		{StatusIdle, StatusOpen, false},
		{StatusIdle, StatusError, false},
		{StatusClosed, StatusOpen, false},
		{StatusClosed, StatusError, false},
		{StatusError, StatusOpen, false},
		{StatusOpen, StatusOpen, false},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to))
		})
	}

	assert.Equal(t, "unknown", Status(42).String())
	text, err := StatusOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "open", string(text))
}

func TestRing_EvictsOldestFirst(t *testing.T) {
	r := NewRing[int](3)
	assert.Empty(t, r.Items())

	for i := 1; i <= 5; i++ {
		r.Push(i)
		assert.LessOrEqual(t, r.Len(), r.Cap())
	}
	assert.Equal(t, []int{3, 4, 5}, r.Items())

	r.Reset()
	assert.Equal(t, 0, r.Len())
	r.Push(9)
	assert.Equal(t, []int{9}, r.Items())

	assert.Equal(t, 1, NewRing[int](0).Cap())
}

func TestBuildURL(t *testing.T) {
	cases := []struct {
		name    string
		base    string
		mode    Mode
		id      string
		want    string
		wantErr error
	}{
		{"aggregate", "ws://localhost:3000", ModeAggregate, "", "ws://localhost:3000/ws", nil},
		{"trailing slashes", "ws://localhost:3000///", ModeAggregate, "", "ws://localhost:3000/ws", nil},
		{"inverter", "ws://host", ModeInverter, "W123", "ws://host/ws/W123", nil},
		{"escaped id", "ws://host", ModeInverter, "a b/c", "ws://host/ws/a%20b%2Fc", nil},
		{"http mapped", "http://host:8080", ModeAggregate, "", "ws://host:8080/ws", nil},
		{"https mapped", "https://host", ModeInverter, "X", "wss://host/ws/X", nil},
		{"missing id", "ws://host", ModeInverter, "", "", ErrMissingInverterID},
		{"missing base", " ", ModeAggregate, "", "", ErrMissingURL},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildURL(tc.base, tc.mode, tc.id, DefaultAggregatePath, DefaultInverterPathTemplate)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestBackoff_DoublesUpToMax(t *testing.T) {
	b := newBackoff(500*time.Millisecond, 15*time.Second)
	want := []time.Duration{
		500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 15 * time.Second, 15 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "attempt %d", i+1)
	}
	b.Reset()
	assert.Equal(t, 500*time.Millisecond, b.NextBackOff())
}

func TestSocket_MissingInverterIDFailsFast(t *testing.T) {
	s := New(Config{BaseURL: "ws://127.0.0.1:1", Mode: ModeInverter, AutoConnect: true, Reconnect: true})
	defer s.Close()

	snap := s.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Equal(t, "missing inverterId for inverter mode", snap.Err)
	assert.Empty(t, snap.URL)
}

func TestSocket_IntakeWithoutThrottleKeepsEveryMessage(t *testing.T) {
	var delivered atomic.Int32
	s := New(Config{BaseURL: "ws://unused", MaxHistory: 3, OnMessage: func(Message) { delivered.Add(1) }})
	defer s.Close()

	for i := int64(1); i <= 5; i++ {
		s.intake(currentGen(s), Message{Type: TypeTelemetry, TS: i})
	}

	snap := s.Snapshot()
	require.NotNil(t, snap.Latest)
	assert.Equal(t, int64(5), snap.Latest.TS)
	require.Len(t, snap.History, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap.History[0].TS, snap.History[1].TS, snap.History[2].TS})
	assert.Equal(t, int32(5), delivered.Load())

	s.ResetHistory()
	assert.Empty(t, s.Snapshot().History)
	assert.NotNil(t, s.Snapshot().Latest)
}

func TestSocket_ThrottleCoalescesBurst(t *testing.T) {
	var delivered atomic.Int32
	s := New(Config{BaseURL: "ws://unused", Throttle: 100 * time.Millisecond, OnMessage: func(Message) { delivered.Add(1) }})
	defer s.Close()

	for i := int64(1); i <= 5; i++ {
		s.intake(currentGen(s), Message{Type: TypeTelemetry, TS: i})
		time.Sleep(5 * time.Millisecond)
	}
	assert.Nil(t, s.Snapshot().Latest)

	require.Eventually(t, func() bool { return s.Snapshot().Latest != nil }, waitFor, tick)
	time.Sleep(150 * time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, int64(5), snap.Latest.TS)
	require.Len(t, snap.History, 1)
	assert.Equal(t, int64(5), snap.History[0].TS)
	assert.Equal(t, int32(1), delivered.Load())
}

func TestSocket_StaleThrottleCallbackLeavesNewWindowAlone(t *testing.T) {
	var delivered atomic.Int32
	s := New(Config{BaseURL: "ws://unused", Throttle: time.Hour, OnMessage: func(Message) { delivered.Add(1) }})
	defer s.Close()

	s.intake(currentGen(s), Message{Type: TypeTelemetry, TS: 1})
	s.mu.Lock()
	stale := s.throttleSeq
	s.stopTimersLocked()
	s.mu.Unlock()

	s.intake(currentGen(s), Message{Type: TypeTelemetry, TS: 2})

	// A callback of the stopped window that already fired runs late.
	s.wg.Add(1)
	s.flushPending(stale)

	s.mu.Lock()
	armed := s.throttle != nil
	pending := s.pending
	s.mu.Unlock()
	assert.True(t, armed)
	require.NotNil(t, pending)
	assert.Equal(t, int64(2), pending.TS)
	assert.Nil(t, s.Snapshot().Latest)
	assert.Zero(t, delivered.Load())

	s.intake(currentGen(s), Message{Type: TypeTelemetry, TS: 3})
	s.mu.Lock()
	assert.Equal(t, stale+2, s.throttleSeq)
	s.mu.Unlock()
}

func TestSocket_QueuedSendsFlushInOrderOnOpen(t *testing.T) {
	f := newFeed(t, false)
	s := New(Config{BaseURL: f.srv.URL})
	defer s.Close()

	sent, err := s.Send("first")
	require.NoError(t, err)
	assert.False(t, sent)
	sent, err = s.Send(map[string]int{"n": 2})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Equal(t, 2, s.Snapshot().Queued)

	s.Connect()
	require.Eventually(t, statusIs(s, StatusOpen), waitFor, tick)

	sent, err = s.Send("third")
	require.NoError(t, err)
	assert.True(t, sent)

	require.Eventually(t, func() bool { return len(f.messages()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"first", `{"n":2}`, "third"}, f.messages())
	assert.Zero(t, s.Snapshot().Queued)
}

func TestSocket_InboundMessages(t *testing.T) {
	f := newFeed(t, false)
	s := New(Config{BaseURL: f.srv.URL, AutoConnect: true})
	defer s.Close()

	require.Eventually(t, statusIs(s, StatusOpen), waitFor, tick)
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.conn != nil
	}, waitFor, tick)

	f.push(t, websocket.TextMessage, `{"type":"telemetry","ts":1,"inverterId":"W1","data":{"pv":1.5}}`)
	f.push(t, websocket.BinaryMessage, `{"type":"telemetry","ts":99}`)
	f.push(t, websocket.TextMessage, `not json`)
	f.push(t, websocket.TextMessage, `{"type":"heartbeat","ts":2}`)

	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 2 }, waitFor, tick)

	snap := s.Snapshot()
	assert.Equal(t, StatusOpen, snap.Status)
	assert.Equal(t, "received non-JSON message from server", snap.Err)
	assert.Equal(t, TypeTelemetry, snap.History[0].Type)
	assert.Equal(t, "W1", snap.History[0].InverterID)
	assert.Equal(t, 1.5, snap.History[0].Data["pv"])
	assert.Equal(t, TypeHeartbeat, snap.Latest.Type)
}

func TestSocket_KeepsWellFormedFramesOfUnexpectedShape(t *testing.T) {
	f := newFeed(t, false)
	s := New(Config{BaseURL: f.srv.URL, AutoConnect: true})
	defer s.Close()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.conn != nil
	}, waitFor, tick)

	f.push(t, websocket.TextMessage, `{"type":"telemetry","ts":1700000000000.5,"inverterId":"W1","data":{"pv":1}}`)
	f.push(t, websocket.TextMessage, `{"type":"aggregate","ts":2,"data":[1,2]}`)
	f.push(t, websocket.TextMessage, `{"type":"info","ts":3,"message":"connected"}`)

	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 3 }, waitFor, tick)

	snap := s.Snapshot()
	assert.Empty(t, snap.Err)
	assert.Equal(t, int64(1700000000000), snap.History[0].TS)
	assert.Equal(t, TypeAggregate, snap.History[1].Type)
	assert.Nil(t, snap.History[1].Data)
	assert.Equal(t, "connected", snap.Latest.Message)
}

func TestSocket_ReconnectsUntilDisconnect(t *testing.T) {
	f := newFeed(t, true)
	s := New(Config{
		BaseURL:            f.srv.URL,
		AutoConnect:        true,
		Reconnect:          true,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  20 * time.Millisecond,
	})
	defer s.Close()

	require.Eventually(t, func() bool { return f.accepted.Load() >= 3 }, waitFor, tick)

	s.Disconnect()
	before := f.accepted.Load()
	snap := s.Snapshot()
	assert.Equal(t, StatusClosed, snap.Status)
	assert.Zero(t, snap.Attempts)

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, f.accepted.Load(), before+1)
	assert.Equal(t, StatusClosed, s.Snapshot().Status)
}

func TestSocket_DialFailureEndsClosedWithError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	s := New(Config{BaseURL: "ws://" + addr, AutoConnect: true, ConnectTimeout: time.Second})
	defer s.Close()

	require.Eventually(t, statusIs(s, StatusClosed), waitFor, tick)
	assert.Equal(t, "websocket error", s.Snapshot().Err)
	assert.Zero(t, s.Snapshot().Attempts)
}

func TestSocket_NoCallbacksAfterClose(t *testing.T) {
	f := newFeed(t, true)
	var changes atomic.Int32
	s := New(Config{
		BaseURL:            f.srv.URL,
		AutoConnect:        true,
		Reconnect:          true,
		ReconnectBaseDelay: 5 * time.Millisecond,
		ReconnectMaxDelay:  10 * time.Millisecond,
		Throttle:           20 * time.Millisecond,
		OnChange:           func() { changes.Add(1) },
	})

	require.Eventually(t, func() bool { return f.accepted.Load() >= 2 }, waitFor, tick)
	s.intake(currentGen(s), Message{Type: TypeInfo})
	s.Close()

	after := changes.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, after, changes.Load())

	_, err := s.Send("late")
	assert.ErrorIs(t, err, ErrSocketClosed)
	s.Close()
}
