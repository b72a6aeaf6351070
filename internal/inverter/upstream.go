package inverter

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"watchpower-monitor/internal/watchpower"
)

// Upstream reads the WatchPower bridge, which returns raw vendor fields.
type Upstream struct {
	client *watchpower.Client
	now    func() time.Time
}

func NewUpstream(baseURL string, timeout time.Duration) *Upstream {
	return &Upstream{
		client: watchpower.NewClient(baseURL, timeout),
		now:    time.Now,
	}
}

func (u *Upstream) Name() string { return "upstream" }

func (u *Upstream) Inverters(ctx context.Context) ([]watchpower.InverterConfig, error) {
	var resp watchpower.InvertersResponse
	if err := u.client.GetJSON(ctx, "/api/inverters", &resp); err != nil {
		return nil, err
	}
	if resp.Inverters == nil {
		return nil, fmt.Errorf("inverters: %w", watchpower.ErrInvalidResponse)
	}
	return resp.Inverters, nil
}

func (u *Upstream) Sample(ctx context.Context, serial string) (*watchpower.Sample, error) {
	var raw watchpower.RawReading
	if err := u.client.GetJSON(ctx, "/api/inverter/"+url.PathEscape(serial), &raw); err != nil {
		return nil, err
	}
	if raw.Data == nil {
		return nil, fmt.Errorf("inverter %s: %w", serial, watchpower.ErrInvalidResponse)
	}
	if raw.SerialNumber == "" {
		raw.SerialNumber = serial
	}
	return watchpower.Transform(&raw, u.now()), nil
}

func (u *Upstream) Daily(ctx context.Context, serial string) (*watchpower.DailySeries, error) {
	var resp watchpower.DailyResponse
	if err := u.client.GetJSON(ctx, "/api/inverter/"+url.PathEscape(serial)+"/daily", &resp); err != nil {
		return nil, err
	}
	if resp.Rows == nil {
		return nil, fmt.Errorf("daily %s: %w", serial, watchpower.ErrInvalidResponse)
	}
	return &watchpower.DailySeries{Titles: resp.Titles, Rows: resp.Rows}, nil
}

func (u *Upstream) Test(ctx context.Context) error {
	if _, err := u.Inverters(ctx); err != nil {
		return fmt.Errorf("failed to reach upstream: %w", err)
	}
	return nil
}

func (u *Upstream) Close() error { return nil }
