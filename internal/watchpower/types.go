package watchpower

// Sample is a snapshot of one inverter at one instant. Samples are treated
// as immutable once received.
type Sample struct {
	SerialNumber string       `json:"serialNumber"`
	Timestamp    string       `json:"timestamp"`
	LastUpdate   string       `json:"lastUpdate,omitempty"`
	ACOutput     ACOutput     `json:"acOutput"`
	Battery      Battery      `json:"battery"`
	Solar        Solar        `json:"solar"`
	Grid         Grid         `json:"grid"`
	System       System       `json:"system"`
	Status       Status       `json:"status"`
	InverterInfo InverterInfo `json:"inverterInfo"`
}

type ACOutput struct {
	Voltage       float64 `json:"voltage"`
	Frequency     float64 `json:"frequency"`
	ActivePower   float64 `json:"activePower"`
	ApparentPower float64 `json:"apparentPower"`
	Load          float64 `json:"load"`
}

type Battery struct {
	Voltage          float64 `json:"voltage"`
	Capacity         float64 `json:"capacity"`
	ChargingCurrent  float64 `json:"chargingCurrent"`
	DischargeCurrent float64 `json:"dischargeCurrent"`
}

// PVString is one photovoltaic string reading.
type PVString struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
}

type Solar struct {
	PV1         PVString `json:"pv1"`
	PV2         PVString `json:"pv2"`
	TotalPower  float64  `json:"totalPower"`
	DailyEnergy float64  `json:"dailyEnergy"`
}

// Grid carries what the device reports about the grid. Grid power is not
// reported and has to be derived.
type Grid struct {
	Voltage   float64 `json:"voltage"`
	Frequency float64 `json:"frequency"`
}

type System struct {
	Temperature float64 `json:"temperature"`
	LoadOn      bool    `json:"loadOn"`
	ChargingOn  bool    `json:"chargingOn"`
}

type Status struct {
	Realtime            bool   `json:"realtime"`
	ChargerSource       string `json:"chargerSource"`
	OutputSource        string `json:"outputSource"`
	BatteryType         string `json:"batteryType"`
	InverterStatus      string `json:"inverterStatus"`
	InverterFaultStatus string `json:"inverterFaultStatus"`
}

type InverterInfo struct {
	SerialNumber string `json:"serialNumber"`
	WifiPN       string `json:"wifiPN"`
	Alias        string `json:"alias"`
	Description  string `json:"description"`
	CustomerName string `json:"customerName"`
	SystemType   string `json:"systemType"`
}

// InverterConfig is a registered inverter as listed by the backend.
type InverterConfig struct {
	SerialNumber string `json:"serial_number" mapstructure:"serial_number"`
	WifiPN       string `json:"wifi_pn,omitempty" mapstructure:"wifi_pn"`
	Alias        string `json:"alias,omitempty" mapstructure:"alias"`
	Description  string `json:"description,omitempty" mapstructure:"description"`
	Username     string `json:"username,omitempty" mapstructure:"username"`
	SystemType   string `json:"system_type,omitempty" mapstructure:"system_type"`
}

// DailySeries is one calendar day of rows addressed by column title.
// Column presence and order vary between devices.
type DailySeries struct {
	Titles []string `json:"titles"`
	Rows   [][]any  `json:"rows"`
}

// SampleResponse is the body of GET /inverters/{id}.
type SampleResponse struct {
	Success bool    `json:"success"`
	Data    *Sample `json:"data,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// DailyResponse is the body of GET /inverters/{id}/daily.
type DailyResponse struct {
	Success bool     `json:"success"`
	Titles  []string `json:"titles"`
	Rows    [][]any  `json:"rows"`
	Error   string   `json:"error,omitempty"`
}

// InvertersResponse is the body of GET /inverters.
type InvertersResponse struct {
	Success   bool             `json:"success"`
	Inverters []InverterConfig `json:"inverters"`
	Error     string           `json:"error,omitempty"`
}
