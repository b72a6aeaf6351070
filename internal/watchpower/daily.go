package watchpower

import (
	"strings"

	"watchpower-monitor/internal/energy"
)

// ChartPoint is one row of a daily series in kW.
type ChartPoint struct {
	Time             string  `json:"time"`
	PV               float64 `json:"pv"`
	Produced         float64 `json:"produced"`
	Consumed         float64 `json:"consumed"`
	GridUsage        float64 `json:"gridUsage"`
	BatteryDischarge float64 `json:"batteryDischarge"`
}

// ColumnIndex returns the first title containing fragment, ignoring case,
// or -1.
func (d *DailySeries) ColumnIndex(fragment string) int {
	fragment = strings.ToLower(fragment)
	for i, t := range d.Titles {
		if strings.Contains(strings.ToLower(t), fragment) {
			return i
		}
	}
	return -1
}

type dailyColumns struct {
	time, pv1, pv2, active, batV, charge, discharge int
}

func (d *DailySeries) columns() dailyColumns {
	return dailyColumns{
		time:      d.ColumnIndex(ColumnTime),
		pv1:       d.ColumnIndex(ColumnPV1Power),
		pv2:       d.ColumnIndex(ColumnPV2Power),
		active:    d.ColumnIndex(ColumnActivePower),
		batV:      d.ColumnIndex(ColumnBatteryVoltage),
		charge:    d.ColumnIndex(ColumnChargingCurrent),
		discharge: d.ColumnIndex(ColumnDischargeCurrent),
	}
}

func cell(row []any, idx int) any {
	if idx < 0 || idx >= len(row) {
		return nil
	}
	return row[idx]
}

// TimeOfDay drops the date portion of a "YYYY-MM-DD HH:MM[:SS]" value.
func TimeOfDay(v any) string {
	t := Text(v)
	if parts := strings.Split(t, " "); len(parts) > 1 {
		return parts[1]
	}
	return t
}

// BuildChartData turns a daily series into chart points. Grid usage is only
// derived when all three battery columns are present.
func BuildChartData(series *DailySeries) []ChartPoint {
	if series == nil || len(series.Titles) == 0 {
		return []ChartPoint{}
	}
	cols := series.columns()
	hasBattery := cols.batV >= 0 && cols.charge >= 0 && cols.discharge >= 0

	points := make([]ChartPoint, 0, len(series.Rows))
	for _, row := range series.Rows {
		pvW := Number(cell(row, cols.pv1)) + Number(cell(row, cols.pv2))
		activeW := Number(cell(row, cols.active))

		p := ChartPoint{
			Time:     TimeOfDay(cell(row, cols.time)),
			PV:       pvW / 1000,
			Consumed: activeW / 1000,
		}
		p.Produced = p.PV

		if hasBattery {
			batV := Number(cell(row, cols.batV))
			charge := Number(cell(row, cols.charge))
			discharge := Number(cell(row, cols.discharge))
			p.GridUsage = energy.GridInputPower(batV, discharge, charge, activeW, pvW)
			p.BatteryDischarge = batV * discharge / 1000
		}
		points = append(points, p)
	}
	return points
}

// PVWatts returns the PV series of the points in watts.
func PVWatts(points []ChartPoint) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.PV * 1000
	}
	return out
}

// DailyReport is the energy accounting for one day of one inverter.
type DailyReport struct {
	InverterID      string         `json:"inverterId"`
	Points          []ChartPoint   `json:"points"`
	TotalPVEnergy   string         `json:"totalPvEnergyKwh"`
	Savings         energy.Savings `json:"savings"`
	SelfSupplyRatio float64        `json:"selfSupplyRatio"`
	PricePerKWh     float64        `json:"pricePerKwh"`
}

// BuildReport builds chart points and integrates them over the fixed
// sample interval.
func BuildReport(inverterID string, series *DailySeries, pricePerKWh float64) *DailyReport {
	points := BuildChartData(series)

	load := make([]float64, len(points))
	grid := make([]float64, len(points))
	for i, p := range points {
		load[i] = p.Consumed
		grid[i] = p.GridUsage
	}
	savings := energy.ClientSavings(load, grid, pricePerKWh, energy.SampleInterval)

	return &DailyReport{
		InverterID:      inverterID,
		Points:          points,
		TotalPVEnergy:   energy.TotalDailyEnergy(PVWatts(points)),
		Savings:         savings,
		SelfSupplyRatio: savings.SelfSupplyRatio(),
		PricePerKWh:     pricePerKWh,
	}
}
