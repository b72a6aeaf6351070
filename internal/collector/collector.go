// Package collector polls every inverter of a source and fans each new
// sample out to storage, MQTT, prometheus and the push feed.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorhill/cronexpr"
	"golang.org/x/sync/errgroup"

	"watchpower-monitor/internal/exporter"
	"watchpower-monitor/internal/inverter"
	"watchpower-monitor/internal/logger"
	"watchpower-monitor/internal/mqtt"
	"watchpower-monitor/internal/poller"
	"watchpower-monitor/internal/storage"
	"watchpower-monitor/internal/telemetry"
	"watchpower-monitor/internal/watchpower"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultSummaryCron = "55 23 * * *"
	DefaultRetention   = 30 * 24 * time.Hour
)

// ErrNotStarted is returned by ForcePoll before the inverter list is known.
var ErrNotStarted = errors.New("collector not started")

// Broadcaster receives feed messages.
type Broadcaster interface {
	Broadcast(msg telemetry.Message)
}

type Config struct {
	Source      inverter.Source
	Database    *storage.Database
	Publisher   *mqtt.Publisher
	Exporter    *exporter.Exporter
	Broadcaster Broadcaster
	Interval    time.Duration
	// Timeout bounds one sample read.
	Timeout     time.Duration
	SummaryCron string
	Retention   time.Duration
	PricePerKWh float64
	Enabled     bool
	Logger      *logger.Logger
}

type entry struct {
	inv     watchpower.InverterConfig
	poller  *poller.Poller[*watchpower.Sample]
	applied time.Time
	sample  *watchpower.Sample
	derived watchpower.Derived
}

type Collector struct {
	source      inverter.Source
	db          *storage.Database
	publisher   *mqtt.Publisher
	exporter    *exporter.Exporter
	broadcaster Broadcaster
	interval    time.Duration
	timeout     time.Duration
	summary     *cronexpr.Expression
	retention   time.Duration
	price       float64
	enabled     bool
	log         *logger.Logger

	mu           sync.RWMutex
	order        []string
	entries      map[string]*entry
	isCollecting bool
}

func NewCollector(cfg Config) (*Collector, error) {
	if cfg.Source == nil {
		return nil, errors.New("collector needs a source")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SummaryCron == "" {
		cfg.SummaryCron = DefaultSummaryCron
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	expr, err := cronexpr.Parse(cfg.SummaryCron)
	if err != nil {
		return nil, fmt.Errorf("invalid summary schedule %q: %w", cfg.SummaryCron, err)
	}

	return &Collector{
		source:      cfg.Source,
		db:          cfg.Database,
		publisher:   cfg.Publisher,
		exporter:    cfg.Exporter,
		broadcaster: cfg.Broadcaster,
		interval:    cfg.Interval,
		timeout:     cfg.Timeout,
		summary:     expr,
		retention:   cfg.Retention,
		price:       cfg.PricePerKWh,
		enabled:     cfg.Enabled,
		log:         logger.OrNop(cfg.Logger).Named("collector"),
		entries:     make(map[string]*entry),
	}, nil
}

// Start discovers the inverters, mounts one poller per inverter and runs
// the summary schedule until ctx is done.
func (c *Collector) Start(ctx context.Context) error {
	if !c.enabled {
		c.log.Infow("collector is disabled")
		return nil
	}

	invs, err := c.discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to list inverters: %w", err)
	}

	c.mount(invs)
	defer c.unmount()

	c.log.Infow("collector started", "source", c.source.Name(), "inverters", len(invs), "interval", c.interval)

	for {
		next := c.summary.Next(time.Now())
		if next.IsZero() {
			<-ctx.Done()
			return nil
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			c.log.Infow("collector stopped")
			return nil
		case <-timer.C:
			if err := c.Summarize(ctx, next); err != nil {
				c.log.Warnw("daily summary failed", "err", err)
			}
		}
	}
}

// discover lists inverters, retrying with backoff while the source is
// unreachable.
func (c *Collector) discover(ctx context.Context) ([]watchpower.InverterConfig, error) {
	var invs []watchpower.InverterConfig
	op := func() error {
		var err error
		invs, err = c.source.Inverters(ctx)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warnw("inverter discovery failed", "err", err, "retry_in", wait)
	}
	b := backoff.NewExponentialBackOff(backoff.WithMaxInterval(time.Minute))
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return invs, nil
}

func (c *Collector) mount(invs []watchpower.InverterConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, inv := range invs {
		serial := inv.SerialNumber
		if serial == "" || c.entries[serial] != nil {
			continue
		}
		if c.publisher != nil {
			if err := c.publisher.PublishHomeAssistantDiscovery(inv); err != nil {
				c.log.Warnw("discovery publish failed", "inverter", serial, "err", err)
			}
		}

		e := &entry{inv: inv}
		c.entries[serial] = e
		c.order = append(c.order, serial)
		e.poller = poller.New(serial, c.fetch, poller.Options{
			Interval: c.interval,
			Timeout:  c.timeout,
			OnChange: func() { c.onChange(serial) },
			Logger:   c.log,
			Name:     serial,
		})
	}
	c.isCollecting = true
}

func (c *Collector) unmount() {
	c.mu.Lock()
	pollers := make([]*poller.Poller[*watchpower.Sample], 0, len(c.entries))
	for _, e := range c.entries {
		pollers = append(pollers, e.poller)
	}
	c.isCollecting = false
	c.mu.Unlock()

	for _, p := range pollers {
		p.Close()
	}
}

func (c *Collector) fetch(ctx context.Context, serial string) (*watchpower.Sample, error) {
	s, err := c.source.Sample(ctx, serial)
	if err != nil {
		if c.exporter != nil {
			c.exporter.CollectionFailed(serial)
		}
		return nil, err
	}
	return s, nil
}

// onChange processes the poller state of serial when it carries a sample
// that has not been processed yet.
func (c *Collector) onChange(serial string) {
	c.mu.Lock()
	e := c.entries[serial]
	if e == nil || e.poller == nil {
		c.mu.Unlock()
		return
	}
	st := e.poller.State()
	if !st.HasData || st.Data == nil || !st.UpdatedAt.After(e.applied) {
		c.mu.Unlock()
		return
	}
	e.applied = st.UpdatedAt
	e.sample = st.Data
	e.derived = watchpower.Derive(st.Data)
	derived := e.derived
	c.mu.Unlock()

	c.process(st.Data, derived, st.UpdatedAt)
}

func (c *Collector) process(s *watchpower.Sample, d watchpower.Derived, at time.Time) {
	serial := s.SerialNumber
	if serial == "" {
		serial = d.InverterID
	}

	if c.db != nil {
		if err := c.db.SaveReading(s, d, at); err != nil {
			c.log.Warnw("saving reading failed", "inverter", serial, "err", err)
		}
	}
	if c.publisher != nil {
		if err := c.publisher.Publish(s, d); err != nil {
			c.log.Warnw("mqtt publish failed", "inverter", serial, "err", err)
		}
	}
	if c.exporter != nil {
		c.exporter.Update(d, float64(at.Unix()))
	}
	if c.broadcaster != nil {
		c.broadcast(telemetry.TypeTelemetry, serial, struct {
			Sample  *watchpower.Sample `json:"sample"`
			Derived watchpower.Derived `json:"derived"`
		}{s, d})
		c.broadcast(telemetry.TypeAggregate, "", c.Fleet())
	}

	c.log.Infow("collected",
		"inverter", serial,
		"pv_w", d.PVPowerW,
		"output_w", d.OutputPowerW,
		"grid_kw", d.GridInputKW,
		"battery_kw", d.Battery.PowerKW,
		"soc", d.BatterySOC,
	)
}

func (c *Collector) broadcast(typ telemetry.MessageType, serial string, data any) {
	msg, err := telemetry.NewMessage(typ, serial, data)
	if err != nil {
		c.log.Warnw("encoding feed message failed", "type", typ, "err", err)
		return
	}
	c.broadcaster.Broadcast(msg)
}

// Fleet sums the latest derived values of every inverter.
type Fleet struct {
	Inverters      int     `json:"inverters"`
	Reporting      int     `json:"reporting"`
	PVPowerW       float64 `json:"pvPowerW"`
	OutputPowerW   float64 `json:"outputPowerW"`
	GridInputKW    float64 `json:"gridInputKw"`
	BatteryPowerKW float64 `json:"batteryPowerKw"`
	AverageSOC     float64 `json:"averageSoc"`
}

func (c *Collector) Fleet() Fleet {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f := Fleet{Inverters: len(c.order)}
	for _, serial := range c.order {
		e := c.entries[serial]
		if e.sample == nil {
			continue
		}
		f.Reporting++
		f.PVPowerW += e.derived.PVPowerW
		f.OutputPowerW += e.derived.OutputPowerW
		f.GridInputKW += e.derived.GridInputKW
		f.BatteryPowerKW += e.derived.Battery.PowerKW
		f.AverageSOC += e.derived.BatterySOC
	}
	if f.Reporting > 0 {
		f.AverageSOC /= float64(f.Reporting)
	}
	return f
}

// ForcePoll refetches every inverter concurrently and returns the first
// error. A failing inverter does not cut the others short; each records
// its own outcome.
func (c *Collector) ForcePoll(ctx context.Context) error {
	c.mu.RLock()
	if !c.isCollecting {
		c.mu.RUnlock()
		return ErrNotStarted
	}
	targets := make(map[string]*poller.Poller[*watchpower.Sample], len(c.entries))
	for serial, e := range c.entries {
		targets[serial] = e.poller
	}
	c.mu.RUnlock()

	var g errgroup.Group
	for serial, p := range targets {
		g.Go(func() error {
			if err := p.Refetch(ctx); err != nil {
				return fmt.Errorf("inverter %s: %w", serial, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Summarize builds and stores the daily report of every inverter for the
// day of day, then prunes readings past the retention window.
func (c *Collector) Summarize(ctx context.Context, day time.Time) error {
	if c.db == nil {
		return nil
	}

	var errs []error
	for _, inv := range c.Inverters() {
		if err := c.summarizeOne(ctx, inv.SerialNumber, day); err != nil {
			errs = append(errs, fmt.Errorf("inverter %s: %w", inv.SerialNumber, err))
		}
	}

	removed, err := c.db.CleanOldReadings(c.retention)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleaning old readings: %w", err))
	} else if removed > 0 {
		c.log.Infow("old readings removed", "count", removed)
	}

	return errors.Join(errs...)
}

func (c *Collector) summarizeOne(ctx context.Context, serial string, day time.Time) error {
	series, err := c.source.Daily(ctx, serial)
	if err != nil {
		c.log.Debugw("source daily series unavailable, using stored readings", "inverter", serial, "err", err)
		series, err = c.db.DaySeries(serial, day)
		if err != nil {
			return err
		}
	}
	report := watchpower.BuildReport(serial, series, c.price)

	stats, err := c.db.GetDailyStats(serial, day)
	if err != nil {
		return err
	}

	pvEnergy, _ := strconv.ParseFloat(report.TotalPVEnergy, 64)
	summary := &storage.DailySummary{
		SerialNumber:          serial,
		Date:                  day.Format(storage.DayLayout),
		PVEnergyKWh:           pvEnergy,
		LoadEnergyKWh:         report.Savings.LoadEnergyKWh,
		GridEnergyKWh:         report.Savings.GridEnergyKWh,
		SelfSuppliedEnergyKWh: report.Savings.SelfSuppliedEnergyKWh,
		SavingsTL:             report.Savings.SavingsTL,
		SelfSupplyRatio:       report.SelfSupplyRatio,
		PricePerKWh:           c.price,
		MaxPVPower:            stats.MaxPVPower,
		AvgTemperature:        stats.AvgTemperature,
		ReadingsCount:         stats.ReadingsCount,
	}
	if err := c.db.SaveSummary(summary); err != nil {
		return err
	}

	c.log.Infow("daily summary saved",
		"inverter", serial,
		"date", summary.Date,
		"pv_kwh", summary.PVEnergyKWh,
		"savings", summary.SavingsTL,
	)
	return nil
}

// Inverters returns the mounted inverters in discovery order.
func (c *Collector) Inverters() []watchpower.InverterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]watchpower.InverterConfig, 0, len(c.order))
	for _, serial := range c.order {
		out = append(out, c.entries[serial].inv)
	}
	return out
}

// Latest returns the last processed sample of serial and its derived
// values.
func (c *Collector) Latest(serial string) (*watchpower.Sample, watchpower.Derived, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e := c.entries[serial]
	if e == nil || e.sample == nil {
		return nil, watchpower.Derived{}, false
	}
	return e.sample, e.derived, true
}

// State exposes the poller state of serial, including its last error.
func (c *Collector) State(serial string) (poller.State[*watchpower.Sample], bool) {
	c.mu.RLock()
	e := c.entries[serial]
	c.mu.RUnlock()
	if e == nil {
		return poller.State[*watchpower.Sample]{}, false
	}
	return e.poller.State(), true
}

func (c *Collector) IsCollecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isCollecting
}

func (c *Collector) Source() inverter.Source {
	return c.source
}
