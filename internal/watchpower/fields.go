package watchpower

// Vendor field names as reported by the WatchPower bridge.
// Lookups are case-insensitive; devices disagree on capitalisation.

const (
	// Timestamp
	FieldTimestamp = "Data E Hora"

	// AC Output
	FieldACOutputVoltage       = "AC Output Voltage"
	FieldACOutputFrequency     = "AC Output Frequency"
	FieldACOutputActivePower   = "AC Output Active Power"
	FieldACOutputApparentPower = "AC Output Apparent Power"

	// Battery
	FieldBatteryVoltage          = "Battery Voltage"
	FieldBatteryCapacity         = "Battery Capacity"
	FieldBatteryChargingCurrent  = "Battery Charging Current"
	FieldBatteryDischargeCurrent = "Battery Discharge Current"
	FieldBatteryType             = "Battery Type"

	// PV strings
	FieldPV1InputVoltage  = "PV1 Input Voltage"
	FieldPV1InputCurrent  = "PV1 Input Current"
	FieldPV1ChargingPower = "PV1 Charging Power"
	FieldPV2InputVoltage  = "PV2 Input voltage"
	FieldPV2InputCurrent  = "PV2 Input Current"
	FieldPV2ChargingPower = "PV2 Charging power"
	FieldTotalGeneration  = "Total generation"

	// Grid
	FieldGridVoltage   = "Grid Voltage"
	FieldGridFrequency = "Grid Frequency"

	// System / status
	FieldSystemTemperature     = "System Temperature"
	FieldLoadStatus            = "Load Status"
	FieldRealtime              = "realtime"
	FieldChargerSourcePriority = "Charger Source Priority"
	FieldOutputSourcePriority  = "Output Source Priority"
	FieldModel                 = "Model"
	FieldAlias                 = "alias"
	FieldSystemType            = "system_type"
)

// Load percentage has no stable name; the first one present wins.
var loadPercentFields = []string{
	"Load Percent",
	"AC Output Load %",
	"Load %",
	"Output Load Percent",
}

var faultStatusFields = []string{
	"Inverter Fault Status",
	"Fault Status",
	"Fault Code",
}

const (
	loadOnValue   = "Load on"
	realtimeValue = "True"
	unknownValue  = "Unknown"
	notAvailable  = "N/A"
)

// Column fragments used to resolve daily series titles.
const (
	ColumnTime             = "data"
	ColumnPV1Power         = "pv1 charging power"
	ColumnPV2Power         = "pv2 charging power"
	ColumnActivePower      = "ac output active power"
	ColumnBatteryVoltage   = "battery voltage"
	ColumnChargingCurrent  = "battery charging current"
	ColumnDischargeCurrent = "battery discharge current"
)
