package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"watchpower-monitor/internal/watchpower"
)

// DayLayout is the date format of daily summaries.
const DayLayout = "2006-01-02"

const rowTimeLayout = "2006-01-02 15:04:05"

// ErrNoReadings is returned when a query matches no stored reading.
var ErrNoReadings = errors.New("no readings stored")

// dayTitles are the columns of a day series rebuilt from readings. They use
// the vendor names so the chart builder resolves them like upstream data.
var dayTitles = []string{
	watchpower.FieldTimestamp,
	watchpower.FieldPV1ChargingPower,
	watchpower.FieldPV2ChargingPower,
	watchpower.FieldACOutputActivePower,
	watchpower.FieldBatteryVoltage,
	watchpower.FieldBatteryChargingCurrent,
	watchpower.FieldBatteryDischargeCurrent,
	watchpower.FieldBatteryCapacity,
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Reading{}, &DailySummary{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

// SaveReading stores a sample with its derived values, stamped at.
func (d *Database) SaveReading(s *watchpower.Sample, derived watchpower.Derived, at time.Time) error {
	reading := &Reading{
		Timestamp:               at.UTC(),
		SerialNumber:            s.SerialNumber,
		ACVoltage:               s.ACOutput.Voltage,
		ACFrequency:             s.ACOutput.Frequency,
		ACActivePower:           s.ACOutput.ActivePower,
		ACApparentPower:         s.ACOutput.ApparentPower,
		ACLoad:                  s.ACOutput.Load,
		BatteryVoltage:          s.Battery.Voltage,
		BatteryCapacity:         s.Battery.Capacity,
		BatteryChargingCurrent:  s.Battery.ChargingCurrent,
		BatteryDischargeCurrent: s.Battery.DischargeCurrent,
		PV1Voltage:              s.Solar.PV1.Voltage,
		PV1Current:              s.Solar.PV1.Current,
		PV1Power:                s.Solar.PV1.Power,
		PV2Voltage:              s.Solar.PV2.Voltage,
		PV2Current:              s.Solar.PV2.Current,
		PV2Power:                s.Solar.PV2.Power,
		TotalPVPower:            s.Solar.TotalPower,
		DailyEnergy:             s.Solar.DailyEnergy,
		GridVoltage:             s.Grid.Voltage,
		GridFrequency:           s.Grid.Frequency,
		Temperature:             s.System.Temperature,
		LoadOn:                  s.System.LoadOn,
		InverterStatus:          s.Status.InverterStatus,
		FaultStatus:             s.Status.InverterFaultStatus,
		GridInputKW:             derived.GridInputKW,
		BatteryPowerKW:          derived.Battery.PowerKW,
		Efficiency:              derived.EfficiencyPercent,
	}

	return d.db.Create(reading).Error
}

func (d *Database) GetLatestReading(serial string) (*Reading, error) {
	var reading Reading
	result := d.db.Where("serial_number = ?", serial).Order("timestamp desc").First(&reading)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNoReadings
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &reading, nil
}

func (d *Database) GetReadingsByRange(serial string, from, to time.Time) ([]Reading, error) {
	var readings []Reading
	result := d.db.Where("serial_number = ? AND timestamp BETWEEN ? AND ?", serial, from.UTC(), to.UTC()).
		Order("timestamp desc").
		Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

func (d *Database) GetReadingsWithLimit(serial string, limit int) ([]Reading, error) {
	var readings []Reading
	result := d.db.Where("serial_number = ?", serial).Order("timestamp desc").Limit(limit).Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}
	return readings, nil
}

func dayBounds(day time.Time) (time.Time, time.Time) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// DaySeries rebuilds the daily series of serial for the calendar day of
// day, in day's location, oldest row first.
func (d *Database) DaySeries(serial string, day time.Time) (*watchpower.DailySeries, error) {
	from, to := dayBounds(day)

	var readings []Reading
	result := d.db.Where("serial_number = ? AND timestamp >= ? AND timestamp < ?", serial, from, to).
		Order("timestamp asc").
		Find(&readings)
	if result.Error != nil {
		return nil, result.Error
	}

	rows := make([][]any, 0, len(readings))
	for _, r := range readings {
		rows = append(rows, []any{
			r.Timestamp.In(day.Location()).Format(rowTimeLayout),
			r.PV1Power,
			r.PV2Power,
			r.ACActivePower,
			r.BatteryVoltage,
			r.BatteryChargingCurrent,
			r.BatteryDischargeCurrent,
			r.BatteryCapacity,
		})
	}

	titles := make([]string, len(dayTitles))
	copy(titles, dayTitles)
	return &watchpower.DailySeries{Titles: titles, Rows: rows}, nil
}

func (d *Database) GetDailyStats(serial string, date time.Time) (*DailyStats, error) {
	from, to := dayBounds(date)
	scope := func() *gorm.DB {
		return d.db.Model(&Reading{}).
			Where("serial_number = ? AND timestamp >= ? AND timestamp < ?", serial, from, to)
	}

	stats := DailyStats{Date: from.In(date.Location())}

	if err := scope().Count(&stats.ReadingsCount).Error; err != nil {
		return nil, err
	}
	if stats.ReadingsCount == 0 {
		return &stats, nil
	}

	var agg struct {
		MaxPV   float64
		AvgTemp float64
	}
	if err := scope().Select("MAX(total_pv_power) AS max_pv, AVG(temperature) AS avg_temp").Scan(&agg).Error; err != nil {
		return nil, err
	}
	stats.MaxPVPower = agg.MaxPV
	stats.AvgTemperature = agg.AvgTemp

	var latest Reading
	if err := scope().Order("timestamp desc").First(&latest).Error; err != nil {
		return nil, err
	}
	stats.DailyEnergy = latest.DailyEnergy

	return &stats, nil
}

// SaveSummary inserts or replaces the summary for its serial and date.
func (d *Database) SaveSummary(s *DailySummary) error {
	return d.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "serial_number"}, {Name: "date"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"updated_at", "pv_energy_kwh", "load_energy_kwh", "grid_energy_kwh",
			"self_supplied_energy_kwh", "savings_tl", "self_supply_ratio", "price_per_kwh",
			"max_pv_power", "avg_temperature", "readings_count",
		}),
	}).Create(s).Error
}

// GetSummaries returns up to days summaries of serial, newest first.
func (d *Database) GetSummaries(serial string, days int) ([]DailySummary, error) {
	var out []DailySummary
	result := d.db.Where("serial_number = ?", serial).Order("date desc").Limit(days).Find(&out)
	if result.Error != nil {
		return nil, result.Error
	}
	return out, nil
}

// CleanOldReadings deletes readings older than olderThan and reports how
// many were removed.
func (d *Database) CleanOldReadings(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC()
	result := d.db.Unscoped().Where("timestamp < ?", cutoff).Delete(&Reading{})
	return result.RowsAffected, result.Error
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
