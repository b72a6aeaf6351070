package watchpower

import "watchpower-monitor/internal/energy"

// Derived holds the quantities computed from one sample.
type Derived struct {
	InverterID        string              `json:"inverterId"`
	Timestamp         string              `json:"timestamp"`
	PVPowerW          float64             `json:"pvPowerW"`
	OutputPowerW      float64             `json:"outputPowerW"`
	GridInputKW       float64             `json:"gridInputKw"`
	Battery           energy.BatteryState `json:"battery"`
	BatterySOC        float64             `json:"batterySoc"`
	EfficiencyPercent float64             `json:"efficiencyPercent"`
	Temperature       float64             `json:"temperature"`
}

// Derive computes grid import, battery flow and efficiency for s.
func Derive(s *Sample) Derived {
	b := s.Battery
	pv := PVPower(s)
	grid := energy.GridInputPower(b.Voltage, b.DischargeCurrent, b.ChargingCurrent, s.ACOutput.ActivePower, pv)

	return Derived{
		InverterID:        s.SerialNumber,
		Timestamp:         s.Timestamp,
		PVPowerW:          pv,
		OutputPowerW:      s.ACOutput.ActivePower,
		GridInputKW:       grid,
		Battery:           energy.BatteryPowerAndChargingState(b.Voltage, b.DischargeCurrent, b.ChargingCurrent),
		BatterySOC:        b.Capacity,
		EfficiencyPercent: energy.Efficiency(s.ACOutput.ActivePower, pv, grid),
		Temperature:       s.System.Temperature,
	}
}

// PVPower is the sum of both strings, or the reported total when the
// strings carry no reading.
func PVPower(s *Sample) float64 {
	if pv := s.Solar.PV1.Power + s.Solar.PV2.Power; pv != 0 {
		return pv
	}
	return s.Solar.TotalPower
}
