// Package exporter exposes derived inverter values as prometheus metrics.
package exporter

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"watchpower-monitor/internal/watchpower"
)

const namespace = "watchpower"

type Exporter struct {
	registry *prometheus.Registry

	pvPower          *prometheus.GaugeVec
	outputPower      *prometheus.GaugeVec
	gridInputPower   *prometheus.GaugeVec
	batteryPower     *prometheus.GaugeVec
	batterySOC       *prometheus.GaugeVec
	efficiency       *prometheus.GaugeVec
	temperature      *prometheus.GaugeVec
	lastUpdate       *prometheus.GaugeVec
	collectionErrors *prometheus.CounterVec
}

func gauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{"inverter"})
}

// New registers the inverter metrics, plus the Go and process collectors,
// on a dedicated registry.
func New() *Exporter {
	e := &Exporter{
		registry:       prometheus.NewRegistry(),
		pvPower:        gauge("pv_power_watts", "PV Power [W]"),
		outputPower:    gauge("output_power_watts", "AC Output Active Power [W]"),
		gridInputPower: gauge("grid_input_power_kilowatts", "Derived Grid Input Power [kW]"),
		batteryPower:   gauge("battery_power_kilowatts", "Battery Power, positive when charging [kW]"),
		batterySOC:     gauge("battery_soc_percent", "Battery State of Charge [%]"),
		efficiency:     gauge("efficiency_percent", "System Efficiency [%]"),
		temperature:    gauge("temperature_celsius", "Inverter Temperature [°C]"),
		lastUpdate:     gauge("last_update_timestamp_seconds", "Time of the last collected sample [s]"),
		collectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collection_errors_total",
			Help:      "Failed sample collections",
		}, []string{"inverter"}),
	}

	e.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		e.pvPower,
		e.outputPower,
		e.gridInputPower,
		e.batteryPower,
		e.batterySOC,
		e.efficiency,
		e.temperature,
		e.lastUpdate,
		e.collectionErrors,
	)

	return e
}

// Update sets the gauges of one inverter.
func (e *Exporter) Update(d watchpower.Derived, unixSeconds float64) {
	id := d.InverterID
	e.pvPower.WithLabelValues(id).Set(d.PVPowerW)
	e.outputPower.WithLabelValues(id).Set(d.OutputPowerW)
	e.gridInputPower.WithLabelValues(id).Set(d.GridInputKW)
	e.batteryPower.WithLabelValues(id).Set(d.Battery.PowerKW)
	e.batterySOC.WithLabelValues(id).Set(d.BatterySOC)
	e.efficiency.WithLabelValues(id).Set(d.EfficiencyPercent)
	e.temperature.WithLabelValues(id).Set(d.Temperature)
	e.lastUpdate.WithLabelValues(id).Set(unixSeconds)
}

func (e *Exporter) CollectionFailed(inverterID string) {
	e.collectionErrors.WithLabelValues(inverterID).Inc()
}

// Handler serves the registry.
func (e *Exporter) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
