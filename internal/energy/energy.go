// Package energy derives physical quantities the inverter does not report
// directly: grid import, battery flow, efficiency, integrated energy and
// self-consumption savings. Every function is pure.
package energy

import (
	"fmt"
	"math"
)

// SampleInterval is the fixed spacing of daily power samples.
const SampleInterval = 5 // minutes

// DefaultPricePerKWh is the tariff used when none is configured.
const DefaultPricePerKWh = 13.0

// GridInputPower returns the grid import power in kW as the residual of
// load = grid + pv + batteryDischarge - batteryCharge.
//
// Both battery currents are summed into the battery contribution; in practice
// only one of them is non-zero at a time. Negative residuals (export) clamp to 0.
func GridInputPower(batteryVoltage, dischargeCurrent, chargeCurrent, outputPower, pvPower float64) float64 {
	actualBatteryPower := batteryVoltage * (dischargeCurrent + chargeCurrent)
	gridPower := (outputPower - pvPower - actualBatteryPower) / 1000
	if gridPower < 0 {
		gridPower = 0
	}
	return Round(gridPower, 2)
}

// BatteryState describes the battery flow derived from its two currents.
type BatteryState struct {
	// Power is kW with two decimals; a charging value carries an explicit "+".
	Power         string  `json:"power"`
	PowerKW       float64 `json:"powerKw"`
	IsCharging    bool    `json:"isCharging"`
	IsDischarging bool    `json:"isDischarging"`
}

// BatteryPowerAndChargingState compares discharge and charge current.
// Equal currents (including both zero) report as charging with "0.00".
func BatteryPowerAndChargingState(batteryVoltage, dischargeCurrent, chargeCurrent float64) BatteryState {
	switch {
	case dischargeCurrent < chargeCurrent:
		kw := Round(batteryVoltage*chargeCurrent/1000, 2)
		return BatteryState{
			Power:      "+" + formatKW(kw),
			PowerKW:    kw,
			IsCharging: true,
		}
	case dischargeCurrent == chargeCurrent:
		return BatteryState{
			Power:      "0.00",
			IsCharging: true,
		}
	default:
		kw := Round(-batteryVoltage*dischargeCurrent/1000, 2)
		return BatteryState{
			Power:         formatKW(kw),
			PowerKW:       kw,
			IsDischarging: dischargeCurrent > 0,
		}
	}
}

// Efficiency returns ((output - grid) / pv) * 100. A zero pv power yields 0,
// which is a sentinel and not a measured efficiency.
func Efficiency(outputPower, pvPower, gridInputPower float64) float64 {
	if pvPower == 0 {
		return 0
	}
	return ((outputPower - gridInputPower) / pvPower) * 100
}

// TotalDailyEnergy integrates watt samples spaced SampleInterval minutes
// apart and returns kWh formatted with two decimals.
func TotalDailyEnergy(dailyPowerWatts []float64) string {
	intervalHours := float64(SampleInterval) / 60
	total := 0.0
	for _, power := range dailyPowerWatts {
		total += (power / 1000) * intervalHours
	}
	return formatKW(total)
}

// Integrate sums kW samples held constant for intervalMinutes each, in kWh.
func Integrate(powerKW []float64, intervalMinutes float64) float64 {
	intervalHours := intervalMinutes / 60
	total := 0.0
	for _, p := range powerKW {
		total += p * intervalHours
	}
	return total
}

// Round rounds x to the given number of decimals.
func Round(x float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(x*p) / p
}

func formatKW(v float64) string {
	if v == 0 {
		v = 0 // drop the sign of negative zero
	}
	return fmt.Sprintf("%.2f", v)
}
