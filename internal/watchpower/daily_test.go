package watchpower

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildChartData_ResolvesColumnsByName(t *testing.T) {
	series := &DailySeries{
		Titles: []string{"AC Output Active Power", "PV2 Charging power", "Data E Hora", "PV1 Charging Power"},
		Rows: [][]any{
			{"1500", "500", "2024-06-01 10:05:00", "1000"},
			{2000.0, nil, "2024-06-01 10:10", "250"},
		},
	}

	points := BuildChartData(series)
	require.Len(t, points, 2)

	assert.Equal(t, "10:05:00", points[0].Time)
	assert.Equal(t, 1.5, points[0].PV)
	assert.Equal(t, 1.5, points[0].Produced)
	assert.Equal(t, 1.5, points[0].Consumed)
	assert.Equal(t, 0.0, points[0].GridUsage)

	assert.Equal(t, "10:10", points[1].Time)
	assert.Equal(t, 0.25, points[1].PV)
	assert.Equal(t, 2.0, points[1].Consumed)
}

func TestBuildChartData_DerivesGridAndBattery(t *testing.T) {
	series := &DailySeries{
		Titles: []string{"data", "pv1 charging power", "ac output active power",
			"battery voltage", "battery charging current", "battery discharge current"},
		Rows: [][]any{
			{"2024-06-01 20:00:00", "2000", "5000", "48", "10", "0"},
			{"2024-06-01 20:05:00", "0", "1000", "50", "0", "10"},
		},
	}

	points := BuildChartData(series)
	require.Len(t, points, 2)
	assert.Equal(t, 2.52, points[0].GridUsage)
	assert.Equal(t, 0.0, points[0].BatteryDischarge)
	assert.Equal(t, 0.5, points[1].GridUsage)
	assert.Equal(t, 0.5, points[1].BatteryDischarge)
}

func TestBuildChartData_ShortRowsAndMissingColumns(t *testing.T) {
	series := &DailySeries{
		Titles: []string{"Data E Hora", "PV1 Charging Power"},
		Rows:   [][]any{{"2024-06-01 06:00:00"}, {}},
	}
	points := BuildChartData(series)
	require.Len(t, points, 2)
	assert.Equal(t, "06:00:00", points[0].Time)
	assert.Equal(t, 0.0, points[0].PV)
	assert.Equal(t, "", points[1].Time)
}

func TestBuildChartData_Empty(t *testing.T) {
	assert.Empty(t, BuildChartData(nil))
	assert.Empty(t, BuildChartData(&DailySeries{}))
}

func TestTimeOfDay(t *testing.T) {
	assert.Equal(t, "12:30:00", TimeOfDay("2024-01-01 12:30:00"))
	assert.Equal(t, "12:30", TimeOfDay("12:30"))
	assert.Equal(t, "", TimeOfDay(nil))
}

func TestBuildReport(t *testing.T) {
	series := &DailySeries{
		Titles: []string{"Data E Hora", "PV1 Charging Power", "AC Output Active Power"},
		Rows: [][]any{
			{"2024-06-01 12:00:00", "1000", "1000"},
			{"2024-06-01 12:05:00", "1000", "1000"},
		},
	}
	r := BuildReport("INV1", series, 12)

	assert.Equal(t, "INV1", r.InverterID)
	assert.Equal(t, "0.17", r.TotalPVEnergy)
	assert.InDelta(t, 2.0/12, r.Savings.LoadEnergyKWh, 1e-9)
	assert.InDelta(t, 2.0/12, r.Savings.SelfSuppliedEnergyKWh, 1e-9)
	assert.InDelta(t, 2.0, r.Savings.SavingsTL, 1e-9)
	assert.InDelta(t, 100.0, r.SelfSupplyRatio, 1e-9)
}
