package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchpower-monitor/internal/modbus"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, SourceUpstream, cfg.Source)
	assert.Equal(t, 5*time.Minute, cfg.Collector.Interval)
	assert.Equal(t, "55 23 * * *", cfg.Collector.SummaryCron)
	assert.Equal(t, 13.0, cfg.Tariff.PricePerKWh)
	assert.Equal(t, 15*time.Second, cfg.API.Heartbeat)
	assert.Equal(t, 720*time.Hour, cfg.Database.Retention)
	assert.Equal(t, 200, cfg.Dashboard.MaxHistory)
	assert.Equal(t, "http://localhost:8045/api/v1", cfg.Dashboard.APIURL)
	assert.False(t, cfg.MQTT.Enabled)
}

func TestLoad_ModbusRegisterMap(t *testing.T) {
	path := writeConfig(t, `
source: modbus
modbus:
  ip: 10.0.0.5
  port: 1502
  slave_id: 3
  registers:
    - field: battery.voltage
      address: 5010
      type: u16
      scale: 0.1
    - field: ac_output.active_power
      address: 5030
      kind: holding
      type: s32
inverters:
  - serial_number: W123
    alias: Roof
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, SourceModbus, cfg.Source)
	assert.Equal(t, uint8(3), cfg.Modbus.SlaveID)
	require.Len(t, cfg.Modbus.Registers, 2)
	assert.Equal(t, uint16(5010), cfg.Modbus.Registers[0].Address)
	assert.Equal(t, 0.1, cfg.Modbus.Registers[0].Scale)
	assert.Equal(t, modbus.HoldingRegister, cfg.Modbus.Registers[1].Kind)
	assert.Equal(t, modbus.S32, cfg.Modbus.Registers[1].Type)
	assert.Equal(t, "Roof", cfg.Device().Alias)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("WATCHPOWER_MQTT_PASSWORD", "secret")
	t.Setenv("WATCHPOWER_UPSTREAM_URL", "http://bridge:5000")
	t.Setenv("WATCHPOWER_COLLECTOR_INTERVAL", "1m")

	cfg, err := Load(writeConfig(t, "mqtt:\n  password: from-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.MQTT.Password)
	assert.Equal(t, "http://bridge:5000", cfg.Upstream.URL)
	assert.Equal(t, time.Minute, cfg.Collector.Interval)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "source: serial\n"))
	assert.ErrorContains(t, err, "unknown source")

	_, err = Load(writeConfig(t, "source: modbus\nmodbus:\n  registers:\n    - field: nope\n      address: 1\n"))
	assert.ErrorContains(t, err, "unknown field")

	_, err = Load(writeConfig(t, "tariff:\n  price_per_kwh: -1\n"))
	assert.Error(t, err)
}
