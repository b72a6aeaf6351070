package watchpower

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RawReading is the payload of the upstream bridge for one inverter.
type RawReading struct {
	SerialNumber   string          `json:"serial_number"`
	CachedAt       string          `json:"cached_at"`
	Data           map[string]any  `json:"data"`
	InverterConfig *InverterConfig `json:"inverter_config,omitempty"`
}

// Transform maps vendor fields onto a Sample. Missing or unparseable
// numbers read as zero.
func Transform(raw *RawReading, now time.Time) *Sample {
	data := raw.Data
	if data == nil {
		data = map[string]any{}
	}
	cfg := InverterConfig{}
	if raw.InverterConfig != nil {
		cfg = *raw.InverterConfig
	}

	num := func(key string) float64 { return Number(lookup(data, key)) }
	str := func(key string) string { return Text(lookup(data, key)) }

	pv1Power := num(FieldPV1ChargingPower)
	pv2Power := num(FieldPV2ChargingPower)
	chargingCurrent := num(FieldBatteryChargingCurrent)

	timestamp := str(FieldTimestamp)
	if timestamp == "" {
		timestamp = now.UTC().Format(time.RFC3339)
	}

	serial := raw.SerialNumber
	if serial == "" {
		serial = cfg.SerialNumber
	}

	return &Sample{
		SerialNumber: serial,
		Timestamp:    timestamp,
		LastUpdate:   raw.CachedAt,
		ACOutput: ACOutput{
			Voltage:       num(FieldACOutputVoltage),
			Frequency:     num(FieldACOutputFrequency),
			ActivePower:   num(FieldACOutputActivePower),
			ApparentPower: num(FieldACOutputApparentPower),
			Load:          Number(firstPresent(data, loadPercentFields)),
		},
		Battery: Battery{
			Voltage:          num(FieldBatteryVoltage),
			Capacity:         num(FieldBatteryCapacity),
			ChargingCurrent:  chargingCurrent,
			DischargeCurrent: num(FieldBatteryDischargeCurrent),
		},
		Solar: Solar{
			PV1: PVString{
				Voltage: num(FieldPV1InputVoltage),
				Current: num(FieldPV1InputCurrent),
				Power:   pv1Power,
			},
			PV2: PVString{
				Voltage: num(FieldPV2InputVoltage),
				Current: num(FieldPV2InputCurrent),
				Power:   pv2Power,
			},
			TotalPower:  pv1Power + pv2Power,
			DailyEnergy: num(FieldTotalGeneration),
		},
		Grid: Grid{
			Voltage:   num(FieldGridVoltage),
			Frequency: num(FieldGridFrequency),
		},
		System: System{
			Temperature: num(FieldSystemTemperature),
			LoadOn:      str(FieldLoadStatus) == loadOnValue,
			ChargingOn:  chargingCurrent > 0,
		},
		Status: Status{
			Realtime:            str(FieldRealtime) == realtimeValue,
			ChargerSource:       orDefault(str(FieldChargerSourcePriority), unknownValue),
			OutputSource:        orDefault(str(FieldOutputSourcePriority), unknownValue),
			BatteryType:         orDefault(str(FieldBatteryType), unknownValue),
			InverterStatus:      orDefault(str(FieldModel), unknownValue),
			InverterFaultStatus: orDefault(Text(firstPresent(data, faultStatusFields)), unknownValue),
		},
		InverterInfo: InverterInfo{
			SerialNumber: serial,
			WifiPN:       orDefault(cfg.WifiPN, notAvailable),
			Alias:        orDefault(cfg.Alias, orDefault(str(FieldAlias), notAvailable)),
			Description:  orDefault(cfg.Description, notAvailable),
			CustomerName: orDefault(cfg.Username, notAvailable),
			SystemType:   orDefault(cfg.SystemType, orDefault(str(FieldSystemType), notAvailable)),
		},
	}
}

func lookup(data map[string]any, key string) any {
	if v, ok := data[key]; ok {
		return v
	}
	for k, v := range data {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

func firstPresent(data map[string]any, keys []string) any {
	for _, key := range keys {
		if v := lookup(data, key); v != nil && Text(v) != "" {
			return v
		}
	}
	return nil
}

// Number converts a JSON cell to float64. Anything unparseable is 0.
func Number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	default:
		return 0
	}
}

// Text converts a JSON cell to string; nil becomes "".
func Text(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		return fmt.Sprint(s)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
