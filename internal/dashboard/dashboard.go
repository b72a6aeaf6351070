// Package dashboard renders a terminal view of one inverter, or of the whole
// fleet, from the HTTP API and the push feed of a running monitor.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"watchpower-monitor/internal/logger"
	"watchpower-monitor/internal/poller"
	"watchpower-monitor/internal/telemetry"
	"watchpower-monitor/internal/watchpower"
)

const (
	DefaultSampleInterval    = 30 * time.Second
	DefaultDailyInterval     = 5 * time.Minute
	DefaultInvertersInterval = 10 * time.Minute
)

// API is the dashboard's view of the HTTP API.
type API interface {
	Sample(ctx context.Context, id string) (*watchpower.Sample, error)
	Daily(ctx context.Context, id string) (*watchpower.DailySeries, error)
	Inverters(ctx context.Context) ([]watchpower.InverterConfig, error)
}

type Options struct {
	API API
	// FeedURL is the base of the push feed, http(s) or ws(s).
	FeedURL string
	// InverterID selects the inverter; empty picks the first listed one.
	InverterID string
	// Aggregate subscribes to the fleet feed instead of the inverter feed.
	Aggregate bool

	SampleInterval    time.Duration
	DailyInterval     time.Duration
	InvertersInterval time.Duration
	Throttle          time.Duration
	MaxHistory        int
	Reconnect         bool
	PricePerKWh       float64

	// Visibility forces a sample refresh on every true value.
	Visibility <-chan bool
	Out        io.Writer
	Logger     *logger.Logger
}

type Dashboard struct {
	opts Options
	log  *logger.Logger

	inverters *poller.Poller[[]watchpower.InverterConfig]
	sample    *poller.Poller[*watchpower.Sample]
	daily     *poller.Poller[*watchpower.DailySeries]

	mu     sync.Mutex
	socket *telemetry.Socket

	changes chan struct{}
}

func New(opts Options) (*Dashboard, error) {
	if opts.API == nil {
		return nil, errors.New("dashboard needs an API client")
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = DefaultSampleInterval
	}
	if opts.DailyInterval <= 0 {
		opts.DailyInterval = DefaultDailyInterval
	}
	if opts.InvertersInterval <= 0 {
		opts.InvertersInterval = DefaultInvertersInterval
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	d := &Dashboard{
		opts:    opts,
		log:     logger.OrNop(opts.Logger).Named("dashboard"),
		changes: make(chan struct{}, 1),
	}
	d.mount()
	return d, nil
}

func (d *Dashboard) notify() {
	select {
	case d.changes <- struct{}{}:
	default:
	}
}

// Run redraws on every change until ctx is done.
func (d *Dashboard) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.changes:
			d.follow()
			if err := Render(d.opts.Out, d.View()); err != nil {
				return err
			}
		}
	}
}

func (d *Dashboard) mount() {
	d.inverters = poller.New("inverters", func(ctx context.Context, _ string) ([]watchpower.InverterConfig, error) {
		return d.opts.API.Inverters(ctx)
	}, poller.Options{
		Interval: d.opts.InvertersInterval,
		OnChange: d.notify,
		Logger:   d.log,
		Name:     "inverters",
	})

	d.sample = poller.New(d.opts.InverterID, d.opts.API.Sample, poller.Options{
		Interval:   d.opts.SampleInterval,
		Visibility: d.opts.Visibility,
		OnChange:   d.notify,
		Logger:     d.log,
		Name:       "sample",
	})

	d.daily = poller.New(d.opts.InverterID, d.opts.API.Daily, poller.Options{
		Interval: d.opts.DailyInterval,
		OnChange: d.notify,
		Logger:   d.log,
		Name:     "daily",
	})

	if d.opts.Aggregate || d.opts.InverterID != "" {
		d.connect(d.opts.InverterID)
	}
}

// Close stops the pollers and the feed. Nothing fires after it returns.
func (d *Dashboard) Close() {
	d.inverters.Close()
	d.sample.Close()
	d.daily.Close()

	d.mu.Lock()
	s := d.socket
	d.socket = nil
	d.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// connect opens the feed for inverterID, replacing any previous socket.
func (d *Dashboard) connect(inverterID string) {
	mode := telemetry.ModeInverter
	if d.opts.Aggregate {
		mode = telemetry.ModeAggregate
	}

	s := telemetry.New(telemetry.Config{
		BaseURL:     d.opts.FeedURL,
		Mode:        mode,
		InverterID:  inverterID,
		AutoConnect: true,
		Reconnect:   d.opts.Reconnect,
		Throttle:    d.opts.Throttle,
		MaxHistory:  d.opts.MaxHistory,
		Logger:      d.log,
		OnChange:    d.notify,
	})

	d.mu.Lock()
	prev := d.socket
	d.socket = s
	d.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// follow points the sample and daily pollers at the first listed inverter
// when none was chosen.
func (d *Dashboard) follow() {
	if d.sample.State().ID != "" {
		return
	}
	st := d.inverters.State()
	if !st.HasData || len(st.Data) == 0 {
		return
	}
	id := st.Data[0].SerialNumber
	d.log.Debugw("following first inverter", "inverter", id)
	d.sample.SetID(id)
	d.daily.SetID(id)
	if !d.opts.Aggregate {
		d.connect(id)
	}
}

// Refresh refetches the sample and daily series now.
func (d *Dashboard) Refresh(ctx context.Context) error {
	return errors.Join(d.sample.Refetch(ctx), d.daily.Refetch(ctx))
}

// View is everything the renderer draws.
type View struct {
	InverterID string
	Inverters  poller.State[[]watchpower.InverterConfig]
	Sample     poller.State[*watchpower.Sample]
	Derived    *watchpower.Derived
	Daily      poller.State[*watchpower.DailySeries]
	Report     *watchpower.DailyReport
	Feed       *telemetry.Snapshot
	// Live holds the derived values of the newest pushed telemetry for the
	// current inverter.
	Live *watchpower.Derived
	// Fleet holds the newest pushed aggregate payload.
	Fleet map[string]any
	At    time.Time
}

func (d *Dashboard) View() View {
	v := View{
		Inverters: d.inverters.State(),
		Sample:    d.sample.State(),
		Daily:     d.daily.State(),
		At:        time.Now(),
	}
	v.InverterID = v.Sample.ID

	if v.Sample.HasData && v.Sample.Data != nil {
		derived := watchpower.Derive(v.Sample.Data)
		v.Derived = &derived
	}
	if v.Daily.HasData && v.Daily.Data != nil {
		v.Report = watchpower.BuildReport(v.InverterID, v.Daily.Data, d.opts.PricePerKWh)
	}

	d.mu.Lock()
	s := d.socket
	d.mu.Unlock()
	if s != nil {
		snap := s.Snapshot()
		v.Feed = &snap
		v.Live, v.Fleet = pushed(snap.History, v.InverterID)
	}
	return v
}

// pushed scans the feed history, newest first, for the latest telemetry of
// inverterID and the latest aggregate payload.
func pushed(history []telemetry.Message, inverterID string) (*watchpower.Derived, map[string]any) {
	var live *watchpower.Derived
	var fleet map[string]any
	for i := len(history) - 1; i >= 0 && (live == nil || fleet == nil); i-- {
		msg := history[i]
		switch msg.Type {
		case telemetry.TypeTelemetry:
			if live != nil || msg.InverterID != inverterID {
				continue
			}
			if derived, ok := decodeDerived(msg.Data); ok {
				live = &derived
			}
		case telemetry.TypeAggregate:
			if fleet == nil {
				fleet = msg.Data
			}
		}
	}
	return live, fleet
}

func decodeDerived(data map[string]any) (watchpower.Derived, bool) {
	raw, ok := data["derived"]
	if !ok {
		return watchpower.Derived{}, false
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return watchpower.Derived{}, false
	}
	var derived watchpower.Derived
	if err := json.Unmarshal(buf, &derived); err != nil {
		return watchpower.Derived{}, false
	}
	return derived, true
}
