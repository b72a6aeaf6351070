package inverter

import (
	"fmt"
	"sort"

	"watchpower-monitor/internal/modbus"
	"watchpower-monitor/internal/watchpower"
)

// Fixed identity and status registers (input table).
// Note: Modbus address = Register number - 1
const (
	RegSerialNumber = 4989 // 4990-4999, String (10 registers)
	RegNominalPower = 5000 // 5001, U16, 0.1kW
	RegOutputType   = 5001 // 5002, U16 (0=Single phase, 1=3P4L, 2=3P3L)
	RegRunningState = 5037 // 5038, U16
	RegFaultCode    = 5039 // 5040, U16

	serialLength = 10
)

// Running states
const (
	StateStop       = 0x0000
	StateStandby    = 0x8000
	StateStartup    = 0x1300
	StateMPPT       = 0x1400
	StateFault      = 0x1500
	StatePowerLimit = 0x1600
	StateShutdown   = 0x1700
)

// Output types
const (
	OutputSinglePhase = 0
	Output3P4L        = 1
	Output3P3L        = 2
)

func GetRunningStateString(state uint16) string {
	switch state {
	case StateStop:
		return "Stop"
	case StateStandby:
		return "Standby"
	case StateStartup:
		return "Starting up"
	case StateMPPT:
		return "MPPT"
	case StateFault:
		return "Fault"
	case StatePowerLimit:
		return "Power limiting"
	case StateShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

func GetOutputTypeString(outputType uint16) string {
	switch outputType {
	case OutputSinglePhase:
		return "Single Phase"
	case Output3P4L:
		return "Three Phase 4 Lines"
	case Output3P3L:
		return "Three Phase 3 Lines"
	default:
		return "Unknown"
	}
}

// Register maps one Modbus value onto a sample field.
type Register struct {
	Field   string              `mapstructure:"field" json:"field"`
	Address uint16              `mapstructure:"address" json:"address"`
	Kind    modbus.RegisterKind `mapstructure:"kind" json:"kind"`
	Type    modbus.ValueType    `mapstructure:"type" json:"type"`
	Scale   float64             `mapstructure:"scale" json:"scale"`
}

// Sample fields a register can feed.
const (
	FieldACVoltage         = "ac_output.voltage"
	FieldACFrequency       = "ac_output.frequency"
	FieldACActivePower     = "ac_output.active_power"
	FieldACApparentPower   = "ac_output.apparent_power"
	FieldACLoad            = "ac_output.load"
	FieldBatteryVoltage    = "battery.voltage"
	FieldBatteryCapacity   = "battery.capacity"
	FieldBatteryCharging   = "battery.charging_current"
	FieldBatteryDischarge  = "battery.discharge_current"
	FieldPV1Voltage        = "pv1.voltage"
	FieldPV1Current        = "pv1.current"
	FieldPV1Power          = "pv1.power"
	FieldPV2Voltage        = "pv2.voltage"
	FieldPV2Current        = "pv2.current"
	FieldPV2Power          = "pv2.power"
	FieldSolarTotalPower   = "solar.total_power"
	FieldSolarDailyEnergy  = "solar.daily_energy"
	FieldGridVoltage       = "grid.voltage"
	FieldGridFrequency     = "grid.frequency"
	FieldSystemTemperature = "system.temperature"
)

var sampleSetters = map[string]func(*watchpower.Sample, float64){
	FieldACVoltage:         func(s *watchpower.Sample, v float64) { s.ACOutput.Voltage = v },
	FieldACFrequency:       func(s *watchpower.Sample, v float64) { s.ACOutput.Frequency = v },
	FieldACActivePower:     func(s *watchpower.Sample, v float64) { s.ACOutput.ActivePower = v },
	FieldACApparentPower:   func(s *watchpower.Sample, v float64) { s.ACOutput.ApparentPower = v },
	FieldACLoad:            func(s *watchpower.Sample, v float64) { s.ACOutput.Load = v },
	FieldBatteryVoltage:    func(s *watchpower.Sample, v float64) { s.Battery.Voltage = v },
	FieldBatteryCapacity:   func(s *watchpower.Sample, v float64) { s.Battery.Capacity = v },
	FieldBatteryCharging:   func(s *watchpower.Sample, v float64) { s.Battery.ChargingCurrent = v },
	FieldBatteryDischarge:  func(s *watchpower.Sample, v float64) { s.Battery.DischargeCurrent = v },
	FieldPV1Voltage:        func(s *watchpower.Sample, v float64) { s.Solar.PV1.Voltage = v },
	FieldPV1Current:        func(s *watchpower.Sample, v float64) { s.Solar.PV1.Current = v },
	FieldPV1Power:          func(s *watchpower.Sample, v float64) { s.Solar.PV1.Power = v },
	FieldPV2Voltage:        func(s *watchpower.Sample, v float64) { s.Solar.PV2.Voltage = v },
	FieldPV2Current:        func(s *watchpower.Sample, v float64) { s.Solar.PV2.Current = v },
	FieldPV2Power:          func(s *watchpower.Sample, v float64) { s.Solar.PV2.Power = v },
	FieldSolarTotalPower:   func(s *watchpower.Sample, v float64) { s.Solar.TotalPower = v },
	FieldSolarDailyEnergy:  func(s *watchpower.Sample, v float64) { s.Solar.DailyEnergy = v },
	FieldGridVoltage:       func(s *watchpower.Sample, v float64) { s.Grid.Voltage = v },
	FieldGridFrequency:     func(s *watchpower.Sample, v float64) { s.Grid.Frequency = v },
	FieldSystemTemperature: func(s *watchpower.Sample, v float64) { s.System.Temperature = v },
}

// Fields lists the sample fields a register map may target.
func Fields() []string {
	out := make([]string, 0, len(sampleSetters))
	for k := range sampleSetters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DefaultRegisters is the register map of a string inverter without
// battery. Battery registers differ per model and come from configuration.
func DefaultRegisters() []Register {
	in := modbus.InputRegister
	return []Register{
		{Field: FieldSolarDailyEnergy, Address: 5002, Kind: in, Type: modbus.U16, Scale: 0.1},
		{Field: FieldSystemTemperature, Address: 5007, Kind: in, Type: modbus.S16, Scale: 0.1},
		{Field: FieldPV1Voltage, Address: 5010, Kind: in, Type: modbus.U16, Scale: 0.1},
		{Field: FieldPV1Current, Address: 5011, Kind: in, Type: modbus.U16, Scale: 0.01},
		{Field: FieldPV2Voltage, Address: 5012, Kind: in, Type: modbus.U16, Scale: 0.1},
		{Field: FieldPV2Current, Address: 5013, Kind: in, Type: modbus.U16, Scale: 0.01},
		{Field: FieldSolarTotalPower, Address: 5016, Kind: in, Type: modbus.U32, Scale: 1},
		{Field: FieldACVoltage, Address: 5018, Kind: in, Type: modbus.U16, Scale: 0.1},
		{Field: FieldGridVoltage, Address: 5018, Kind: in, Type: modbus.U16, Scale: 0.1},
		{Field: FieldACFrequency, Address: 5021, Kind: in, Type: modbus.U16, Scale: 0.1},
		{Field: FieldGridFrequency, Address: 5021, Kind: in, Type: modbus.U16, Scale: 0.1},
		{Field: FieldACActivePower, Address: 5030, Kind: in, Type: modbus.U32, Scale: 1},
		{Field: FieldACApparentPower, Address: 5035, Kind: in, Type: modbus.U32, Scale: 1},
	}
}

// Validate checks a register map before it is used.
func Validate(regs []Register) error {
	for i, r := range regs {
		if _, ok := sampleSetters[r.Field]; !ok {
			return fmt.Errorf("register %d: unknown field %q", i, r.Field)
		}
		switch r.Kind {
		case modbus.InputRegister, modbus.HoldingRegister, "":
		default:
			return fmt.Errorf("register %d (%s): unknown kind %q", i, r.Field, r.Kind)
		}
		switch r.Type {
		case modbus.U16, modbus.S16, modbus.U32, modbus.S32, "":
		default:
			return fmt.Errorf("register %d (%s): unknown type %q", i, r.Field, r.Type)
		}
	}
	return nil
}

func (r Register) normalized() Register {
	if r.Kind == "" {
		r.Kind = modbus.InputRegister
	}
	if r.Type == "" {
		r.Type = modbus.U16
	}
	if r.Scale == 0 {
		r.Scale = 1
	}
	return r
}
