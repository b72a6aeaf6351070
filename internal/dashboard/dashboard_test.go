package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpower-monitor/internal/telemetry"
	"watchpower-monitor/internal/watchpower"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type backend struct {
	srv          *httptest.Server
	sampleCalls  atomic.Int64
	feedAccepted atomic.Int64
}

func testSample(serial string) *watchpower.Sample {
	s := &watchpower.Sample{SerialNumber: serial}
	s.InverterInfo.Alias = "Roof"
	s.ACOutput.ActivePower = 5000
	s.Solar.PV1.Power = 2000
	s.Solar.TotalPower = 2000
	s.Battery.Voltage = 48
	s.Battery.ChargingCurrent = 10
	s.Battery.Capacity = 80
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/inverters", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, watchpower.InvertersResponse{Success: true, Inverters: []watchpower.InverterConfig{
			{SerialNumber: "A", Alias: "Roof"},
			{SerialNumber: "B"},
		}})
	})
	mux.HandleFunc("/api/v1/inverters/A", func(w http.ResponseWriter, r *http.Request) {
		b.sampleCalls.Add(1)
		writeJSON(w, watchpower.SampleResponse{Success: true, Data: testSample("A")})
	})
	mux.HandleFunc("/api/v1/inverters/A/daily", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, watchpower.DailyResponse{
			Success: true,
			Titles:  []string{"Data E Hora", "PV1 Charging Power", "AC Output Active Power"},
			Rows:    [][]any{{"2024-05-01 10:00:00", 1000, 2000}},
		})
	})
	mux.HandleFunc("/ws/A", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		b.feedAccepted.Add(1)

		s := testSample("A")
		s.Solar.PV1.Power = 3000
		msg, _ := telemetry.NewMessage(telemetry.TypeTelemetry, "A", map[string]any{
			"sample":  s,
			"derived": watchpower.Derive(s),
		})
		_ = conn.WriteJSON(msg)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

type buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func run(t *testing.T, d *Dashboard) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("dashboard did not stop")
		}
		d.Close()
	})
}

func TestDashboard_FollowsFirstInverter(t *testing.T) {
	b := newBackend(t)
	out := &buffer{}
	d, err := New(Options{
		API:         watchpower.NewClient(b.srv.URL+"/api/v1", time.Second),
		FeedURL:     b.srv.URL,
		PricePerKWh: 13,
		Out:         out,
	})
	require.NoError(t, err)
	run(t, d)

	require.Eventually(t, func() bool {
		v := d.View()
		return v.Derived != nil && v.Report != nil && v.Live != nil
	}, waitFor, tick)

	v := d.View()
	assert.Equal(t, "A", v.InverterID)
	assert.Equal(t, 2.52, v.Derived.GridInputKW)
	assert.Equal(t, "0.08", v.Report.TotalPVEnergy)
	assert.Equal(t, 3000.0, v.Live.PVPowerW)
	assert.Equal(t, telemetry.StatusOpen, v.Feed.Status)
	assert.Equal(t, int64(1), b.feedAccepted.Load())

	require.Eventually(t, func() bool {
		s := out.String()
		return bytes.Contains([]byte(s), []byte("2.52 kW")) && bytes.Contains([]byte(s), []byte("Live"))
	}, waitFor, tick)
	assert.Contains(t, out.String(), "A (Roof), B")
}

func TestDashboard_VisibilityRefreshesSample(t *testing.T) {
	b := newBackend(t)
	visible := make(chan bool)
	d, err := New(Options{
		API:            watchpower.NewClient(b.srv.URL+"/api/v1", time.Second),
		FeedURL:        b.srv.URL,
		InverterID:     "A",
		SampleInterval: time.Hour,
		Visibility:     visible,
	})
	require.NoError(t, err)
	run(t, d)

	require.Eventually(t, func() bool { return b.sampleCalls.Load() == 1 }, waitFor, tick)
	visible <- true
	require.Eventually(t, func() bool { return b.sampleCalls.Load() == 2 }, waitFor, tick)

	require.NoError(t, d.Refresh(context.Background()))
	assert.Equal(t, int64(3), b.sampleCalls.Load())
}

func TestRender_ErrorsAndSentinels(t *testing.T) {
	s := testSample("A")
	s.Solar.PV1.Power = 0
	s.Solar.TotalPower = 0
	derived := watchpower.Derive(s)

	v := View{InverterID: "A", At: time.Now(), Derived: &derived}
	v.Sample.HasData = true
	v.Sample.Data = s
	v.Sample.Err = "request failed"
	v.Daily.Err = "not found"

	var out bytes.Buffer
	require.NoError(t, Render(&out, v))
	assert.Contains(t, out.String(), "stale (request failed)")
	assert.Contains(t, out.String(), "error (not found)")
	assert.Contains(t, out.String(), "no PV input")
}

func TestPushed_PicksNewestPerKind(t *testing.T) {
	mk := func(typ telemetry.MessageType, id string, pv float64) telemetry.Message {
		msg, err := telemetry.NewMessage(typ, id, map[string]any{
			"derived":   watchpower.Derived{InverterID: id, PVPowerW: pv},
			"inverters": 2,
		})
		require.NoError(t, err)
		return msg
	}
	history := []telemetry.Message{
		mk(telemetry.TypeTelemetry, "A", 1),
		mk(telemetry.TypeAggregate, "", 0),
		mk(telemetry.TypeTelemetry, "A", 2),
		mk(telemetry.TypeTelemetry, "B", 3),
	}

	live, fleet := pushed(history, "A")
	require.NotNil(t, live)
	assert.Equal(t, 2.0, live.PVPowerW)
	assert.Equal(t, 2.0, fleet["inverters"])

	live, _ = pushed(history, "C")
	assert.Nil(t, live)
}

func TestDashboard_CloseIsIdempotent(t *testing.T) {
	b := newBackend(t)
	d, err := New(Options{
		API:        watchpower.NewClient(b.srv.URL+"/api/v1", time.Second),
		FeedURL:    b.srv.URL,
		InverterID: "A",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.feedAccepted.Load() == 1 }, waitFor, tick)

	d.Close()
	d.Close()
	assert.Nil(t, d.View().Feed)
}

func TestNew_RequiresAPI(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
