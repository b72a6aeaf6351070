package inverter

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"watchpower-monitor/internal/logger"
	"watchpower-monitor/internal/modbus"
	"watchpower-monitor/internal/watchpower"
)

// RegisterReader is the part of modbus.Client the source needs.
type RegisterReader interface {
	Connect() error
	Close() error
	ReadValue(kind modbus.RegisterKind, typ modbus.ValueType, address uint16) (float64, error)
	ReadString(kind modbus.RegisterKind, address, length uint16) (string, error)
}

// DayStore rebuilds a daily series from stored readings.
type DayStore interface {
	DaySeries(serial string, day time.Time) (*watchpower.DailySeries, error)
}

type ModbusOptions struct {
	Registers []Register
	// Device describes the inverter. An empty serial number is read from
	// the device on first use.
	Device watchpower.InverterConfig
	Days   DayStore
	Logger *logger.Logger
}

// Modbus reads one local inverter through a register map.
type Modbus struct {
	reader    RegisterReader
	registers []Register
	days      DayStore
	log       *logger.Logger
	now       func() time.Time

	mu     sync.Mutex
	device watchpower.InverterConfig
}

func NewModbus(reader RegisterReader, opts ModbusOptions) (*Modbus, error) {
	regs := opts.Registers
	if len(regs) == 0 {
		regs = DefaultRegisters()
	}
	if err := Validate(regs); err != nil {
		return nil, err
	}
	normalized := make([]Register, len(regs))
	for i, r := range regs {
		normalized[i] = r.normalized()
	}
	return &Modbus{
		reader:    reader,
		registers: normalized,
		days:      opts.Days,
		log:       logger.OrNop(opts.Logger).Named("modbus"),
		now:       time.Now,
		device:    opts.Device,
	}, nil
}

func (m *Modbus) Name() string { return "modbus" }

// SetDays attaches the store used for daily series.
func (m *Modbus) SetDays(days DayStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.days = days
}

func (m *Modbus) Inverters(ctx context.Context) ([]watchpower.InverterConfig, error) {
	dev, err := m.identify(ctx)
	if err != nil {
		return nil, err
	}
	return []watchpower.InverterConfig{dev}, nil
}

// identify returns the device description, reading the serial number once.
func (m *Modbus) identify(ctx context.Context) (watchpower.InverterConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device.SerialNumber != "" {
		return m.device, nil
	}
	if err := ctx.Err(); err != nil {
		return watchpower.InverterConfig{}, err
	}
	if err := m.reader.Connect(); err != nil {
		return watchpower.InverterConfig{}, err
	}
	serial, err := m.reader.ReadString(modbus.InputRegister, RegSerialNumber, serialLength)
	if err != nil {
		m.drop()
		return watchpower.InverterConfig{}, fmt.Errorf("failed to read serial number: %w", err)
	}
	if serial == "" {
		return watchpower.InverterConfig{}, fmt.Errorf("inverter reported an empty serial number")
	}
	m.device.SerialNumber = serial
	if m.device.SystemType == "" {
		m.device.SystemType = "modbus"
	}
	return m.device, nil
}

func (m *Modbus) Sample(ctx context.Context, serial string) (*watchpower.Sample, error) {
	dev, err := m.identify(ctx)
	if err != nil {
		return nil, err
	}
	if serial != dev.SerialNumber {
		return nil, fmt.Errorf("%s: %w", serial, ErrUnknownInverter)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reader.Connect(); err != nil {
		return nil, err
	}

	s := &watchpower.Sample{
		SerialNumber: dev.SerialNumber,
		Timestamp:    m.now().UTC().Format(time.RFC3339),
		InverterInfo: watchpower.InverterInfo{
			SerialNumber: dev.SerialNumber,
			WifiPN:       dev.WifiPN,
			Alias:        dev.Alias,
			Description:  dev.Description,
			SystemType:   dev.SystemType,
		},
	}
	s.LastUpdate = s.Timestamp

	var pvTotalMapped bool
	for _, r := range m.registers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := m.reader.ReadValue(r.Kind, r.Type, r.Address)
		if err != nil {
			m.drop()
			return nil, fmt.Errorf("failed to read %s: %w", r.Field, err)
		}
		sampleSetters[r.Field](s, round(raw*r.Scale))
		if r.Field == FieldSolarTotalPower {
			pvTotalMapped = true
		}
	}

	if err := m.readStatus(s); err != nil {
		m.drop()
		return nil, err
	}

	completePV(&s.Solar.PV1)
	completePV(&s.Solar.PV2)
	if !pvTotalMapped {
		s.Solar.TotalPower = s.Solar.PV1.Power + s.Solar.PV2.Power
	}
	s.System.LoadOn = s.ACOutput.ActivePower > 0
	s.System.ChargingOn = s.Battery.ChargingCurrent > 0
	s.Status.Realtime = true
	if s.Status.BatteryType == "" {
		s.Status.BatteryType = "N/A"
	}
	if s.Status.ChargerSource == "" {
		s.Status.ChargerSource = "N/A"
	}
	if s.Status.OutputSource == "" {
		s.Status.OutputSource = "N/A"
	}

	return s, nil
}

func (m *Modbus) readStatus(s *watchpower.Sample) error {
	state, err := m.reader.ReadValue(modbus.InputRegister, modbus.U16, RegRunningState)
	if err != nil {
		return fmt.Errorf("failed to read running state: %w", err)
	}
	s.Status.InverterStatus = GetRunningStateString(uint16(state))

	fault, err := m.reader.ReadValue(modbus.InputRegister, modbus.U16, RegFaultCode)
	if err != nil {
		return fmt.Errorf("failed to read fault code: %w", err)
	}
	if fault == 0 {
		s.Status.InverterFaultStatus = "No fault"
	} else {
		s.Status.InverterFaultStatus = fmt.Sprintf("Fault %d", uint16(fault))
	}

	outputType, err := m.reader.ReadValue(modbus.InputRegister, modbus.U16, RegOutputType)
	if err != nil {
		return fmt.Errorf("failed to read output type: %w", err)
	}
	nominal, err := m.reader.ReadValue(modbus.InputRegister, modbus.U16, RegNominalPower)
	if err != nil {
		return fmt.Errorf("failed to read nominal power: %w", err)
	}
	if s.InverterInfo.Description == "" {
		s.InverterInfo.Description = fmt.Sprintf("%s, %.1f kW", GetOutputTypeString(uint16(outputType)), nominal*0.1)
	}
	return nil
}

// drop closes the connection so the next read reconnects.
func (m *Modbus) drop() {
	if err := m.reader.Close(); err != nil {
		m.log.Debugw("closing after read failure", "err", err)
	}
}

func (m *Modbus) Daily(ctx context.Context, serial string) (*watchpower.DailySeries, error) {
	dev, err := m.identify(ctx)
	if err != nil {
		return nil, err
	}
	if serial != dev.SerialNumber {
		return nil, fmt.Errorf("%s: %w", serial, ErrUnknownInverter)
	}

	m.mu.Lock()
	days := m.days
	m.mu.Unlock()
	if days == nil {
		return nil, ErrDailyUnavailable
	}
	return days.DaySeries(serial, m.now())
}

func (m *Modbus) Test(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reader.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if _, err := m.reader.ReadString(modbus.InputRegister, RegSerialNumber, serialLength); err != nil {
		m.drop()
		return fmt.Errorf("failed to read from inverter: %w", err)
	}
	return nil
}

func (m *Modbus) Close() error {
	return m.reader.Close()
}

// completePV fills in string power from voltage and current when the map
// has no power register for it.
func completePV(pv *watchpower.PVString) {
	if pv.Power == 0 && pv.Voltage > 0 && pv.Current > 0 {
		pv.Power = math.Round(pv.Voltage * pv.Current)
	}
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
