package exporter

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpower-monitor/internal/energy"
	"watchpower-monitor/internal/watchpower"
)

func TestExporter_Update(t *testing.T) {
	e := New()
	e.Update(watchpower.Derived{
		InverterID:        "W1",
		PVPowerW:          2000,
		GridInputKW:       2.52,
		Battery:           energy.BatteryState{PowerKW: -0.5},
		BatterySOC:        75,
		EfficiencyPercent: 91.5,
	}, 1714557600)
	e.CollectionFailed("W2")
	e.CollectionFailed("W2")

	assert.Equal(t, 2000.0, testutil.ToFloat64(e.pvPower.WithLabelValues("W1")))
	assert.Equal(t, 2.52, testutil.ToFloat64(e.gridInputPower.WithLabelValues("W1")))
	assert.Equal(t, -0.5, testutil.ToFloat64(e.batteryPower.WithLabelValues("W1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.collectionErrors.WithLabelValues("W2")))
}

func TestExporter_Handler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := New()
	e.Update(watchpower.Derived{InverterID: "W1", BatterySOC: 50}, 0)

	r := gin.New()
	r.GET("/metrics", e.Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `watchpower_battery_soc_percent{inverter="W1"} 50`)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
