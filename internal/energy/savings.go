package energy

// Savings splits the load energy of a day into grid-supplied and
// self-supplied parts and prices the latter.
type Savings struct {
	LoadEnergyKWh         float64 `json:"loadEnergyKwh"`
	GridEnergyKWh         float64 `json:"gridEnergyKwh"`
	SelfSuppliedEnergyKWh float64 `json:"selfSuppliedEnergyKwh"`
	SavingsTL             float64 `json:"savingsTl"`
}

// ClientSavings integrates index-aligned load and grid kW series. Negative
// readings count as zero; series are truncated to the shorter length.
// A non-positive intervalMinutes falls back to SampleInterval.
func ClientSavings(loadPower, gridPower []float64, pricePerKWh, intervalMinutes float64) Savings {
	if intervalMinutes <= 0 {
		intervalMinutes = SampleInterval
	}

	n := min(len(loadPower), len(gridPower))
	load := make([]float64, n)
	grid := make([]float64, n)
	self := make([]float64, n)
	for i := 0; i < n; i++ {
		load[i] = max(loadPower[i], 0)
		grid[i] = max(gridPower[i], 0)
		self[i] = max(load[i]-grid[i], 0)
	}

	s := Savings{
		LoadEnergyKWh:         Integrate(load, intervalMinutes),
		GridEnergyKWh:         Integrate(grid, intervalMinutes),
		SelfSuppliedEnergyKWh: Integrate(self, intervalMinutes),
	}
	s.SavingsTL = s.SelfSuppliedEnergyKWh * pricePerKWh
	return s
}

// SelfSupplyRatio is the self-supplied share of load energy in percent.
func (s Savings) SelfSupplyRatio() float64 {
	if s.LoadEnergyKWh <= 0 {
		return 0
	}
	return s.SelfSuppliedEnergyKWh / s.LoadEnergyKWh * 100
}
