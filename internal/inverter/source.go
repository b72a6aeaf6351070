// Package inverter provides telemetry sources: the upstream WatchPower
// bridge over HTTP and a local inverter over Modbus TCP.
package inverter

import (
	"context"
	"errors"
	"fmt"

	"watchpower-monitor/internal/watchpower"
)

var (
	ErrUnknownInverter  = fmt.Errorf("unknown inverter: %w", watchpower.ErrNotFound)
	ErrDailyUnavailable = errors.New("daily series not available for this source")
)

// Source yields samples and daily series for a set of inverters.
type Source interface {
	Name() string
	Inverters(ctx context.Context) ([]watchpower.InverterConfig, error)
	Sample(ctx context.Context, serial string) (*watchpower.Sample, error)
	Daily(ctx context.Context, serial string) (*watchpower.DailySeries, error)
	Test(ctx context.Context) error
	Close() error
}
