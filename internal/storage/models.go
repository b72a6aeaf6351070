package storage

import (
	"time"

	"gorm.io/gorm"
)

// Reading is one stored sample plus the quantities derived from it.
type Reading struct {
	gorm.Model
	Timestamp    time.Time `gorm:"index:idx_reading_serial_ts,priority:2" json:"timestamp"`
	SerialNumber string    `gorm:"size:64;index:idx_reading_serial_ts,priority:1" json:"serial_number"`

	// AC output
	ACVoltage       float64 `json:"ac_voltage_v"`
	ACFrequency     float64 `json:"ac_frequency_hz"`
	ACActivePower   float64 `json:"ac_active_power_w"`
	ACApparentPower float64 `json:"ac_apparent_power_va"`
	ACLoad          float64 `json:"ac_load_percent"`

	// Battery
	BatteryVoltage          float64 `json:"battery_voltage_v"`
	BatteryCapacity         float64 `json:"battery_capacity_percent"`
	BatteryChargingCurrent  float64 `json:"battery_charging_current_a"`
	BatteryDischargeCurrent float64 `json:"battery_discharge_current_a"`

	// PV
	PV1Voltage   float64 `json:"pv1_voltage_v"`
	PV1Current   float64 `json:"pv1_current_a"`
	PV1Power     float64 `json:"pv1_power_w"`
	PV2Voltage   float64 `json:"pv2_voltage_v"`
	PV2Current   float64 `json:"pv2_current_a"`
	PV2Power     float64 `json:"pv2_power_w"`
	TotalPVPower float64 `json:"total_pv_power_w"`
	DailyEnergy  float64 `json:"daily_energy_kwh"`

	// Grid
	GridVoltage   float64 `json:"grid_voltage_v"`
	GridFrequency float64 `json:"grid_frequency_hz"`

	// System / status
	Temperature    float64 `json:"temperature_c"`
	LoadOn         bool    `json:"load_on"`
	InverterStatus string  `json:"inverter_status"`
	FaultStatus    string  `json:"fault_status"`

	// Derived
	GridInputKW    float64 `json:"grid_input_kw"`
	BatteryPowerKW float64 `json:"battery_power_kw"`
	Efficiency     float64 `json:"efficiency_percent"`
}

// DailySummary is the energy accounting of one inverter for one day.
type DailySummary struct {
	gorm.Model
	SerialNumber string `gorm:"size:64;uniqueIndex:idx_summary_serial_date" json:"serial_number"`
	Date         string `gorm:"size:10;uniqueIndex:idx_summary_serial_date" json:"date"`

	PVEnergyKWh           float64 `gorm:"column:pv_energy_kwh" json:"pv_energy_kwh"`
	LoadEnergyKWh         float64 `gorm:"column:load_energy_kwh" json:"load_energy_kwh"`
	GridEnergyKWh         float64 `gorm:"column:grid_energy_kwh" json:"grid_energy_kwh"`
	SelfSuppliedEnergyKWh float64 `gorm:"column:self_supplied_energy_kwh" json:"self_supplied_energy_kwh"`
	SavingsTL             float64 `json:"savings_tl"`
	SelfSupplyRatio       float64 `json:"self_supply_ratio"`
	PricePerKWh           float64 `gorm:"column:price_per_kwh" json:"price_per_kwh"`

	MaxPVPower     float64 `json:"max_pv_power_w"`
	AvgTemperature float64 `json:"avg_temperature_c"`
	ReadingsCount  int64   `json:"readings_count"`
}

type DailyStats struct {
	Date           time.Time `json:"date"`
	MaxPVPower     float64   `json:"max_pv_power_w"`
	DailyEnergy    float64   `json:"daily_energy_kwh"`
	AvgTemperature float64   `json:"avg_temperature_c"`
	ReadingsCount  int64     `json:"readings_count"`
}
