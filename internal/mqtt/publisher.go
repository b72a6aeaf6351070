package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"watchpower-monitor/internal/logger"
	"watchpower-monitor/internal/watchpower"
)

const publishTimeout = 5 * time.Second

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

type Publisher struct {
	client      client
	topicPrefix string
	enabled     bool
	log         *logger.Logger
}

type PublisherConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Enabled     bool
	Logger      *logger.Logger
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	log := logger.OrNop(cfg.Logger).Named("mqtt")
	if !cfg.Enabled {
		return &Publisher{enabled: false, log: log}, nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			log.Warnw("connection lost", "err", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Infow("connected", "broker", cfg.Broker)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return newPublisher(c, cfg.TopicPrefix, log), nil
}

func newPublisher(c client, prefix string, log *logger.Logger) *Publisher {
	return &Publisher{
		client:      c,
		topicPrefix: strings.TrimRight(prefix, "/"),
		enabled:     true,
		log:         logger.OrNop(log),
	}
}

// topicSafe strips MQTT wildcards and separators from an identifier.
func topicSafe(id string) string {
	r := strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")
	return r.Replace(id)
}

func (p *Publisher) topic(serial, name string) string {
	return fmt.Sprintf("%s/%s/%s", p.topicPrefix, topicSafe(serial), name)
}

type value struct {
	name  string
	value interface{}
}

func values(s *watchpower.Sample, d watchpower.Derived) []value {
	return []value{
		{"pv_power", d.PVPowerW},
		{"output_power", d.OutputPowerW},
		{"grid_input_power", d.GridInputKW},
		{"battery_power", d.Battery.PowerKW},
		{"battery_charging", d.Battery.IsCharging},
		{"battery_discharging", d.Battery.IsDischarging},
		{"battery_soc", d.BatterySOC},
		{"battery_voltage", s.Battery.Voltage},
		{"efficiency", d.EfficiencyPercent},
		{"temperature", d.Temperature},
		{"grid_voltage", s.Grid.Voltage},
		{"grid_frequency", s.Grid.Frequency},
		{"daily_energy", s.Solar.DailyEnergy},
		{"load_on", s.System.LoadOn},
		{"inverter_status", s.Status.InverterStatus},
	}
}

type status struct {
	Sample  *watchpower.Sample `json:"sample"`
	Derived watchpower.Derived `json:"derived"`
}

// Publish sends the derived values of one sample, then the full status
// as retained JSON.
func (p *Publisher) Publish(s *watchpower.Sample, d watchpower.Derived) error {
	if !p.enabled {
		return nil
	}

	for _, v := range values(s, d) {
		topic := p.topic(s.SerialNumber, v.name)
		if err := p.send(topic, false, fmt.Sprintf("%v", v.value)); err != nil {
			p.log.Warnw("publish failed", "topic", topic, "err", err)
		}
	}

	statusJSON, err := json.Marshal(status{Sample: s, Derived: d})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := p.send(p.topic(s.SerialNumber, "status"), true, statusJSON); err != nil {
		return fmt.Errorf("failed to publish status: %w", err)
	}

	return nil
}

func (p *Publisher) send(topic string, retained bool, payload interface{}) error {
	token := p.client.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	return token.Error()
}

type sensor struct {
	Name        string
	ID          string
	Unit        string
	DeviceClass string
}

var sensors = []sensor{
	{"PV Power", "pv_power", "W", "power"},
	{"Output Power", "output_power", "W", "power"},
	{"Grid Input Power", "grid_input_power", "kW", "power"},
	{"Battery Power", "battery_power", "kW", "power"},
	{"Battery SOC", "battery_soc", "%", "battery"},
	{"Battery Voltage", "battery_voltage", "V", "voltage"},
	{"Efficiency", "efficiency", "%", ""},
	{"Temperature", "temperature", "°C", "temperature"},
	{"Grid Voltage", "grid_voltage", "V", "voltage"},
	{"Grid Frequency", "grid_frequency", "Hz", "frequency"},
	{"Daily Energy", "daily_energy", "kWh", "energy"},
}

// PublishHomeAssistantDiscovery announces the sensors of one inverter.
func (p *Publisher) PublishHomeAssistantDiscovery(inv watchpower.InverterConfig) error {
	if !p.enabled {
		return nil
	}

	id := topicSafe(inv.SerialNumber)
	name := inv.Alias
	if name == "" {
		name = inv.SerialNumber
	}
	device := map[string]interface{}{
		"identifiers":  []string{"watchpower_" + id},
		"name":         "WatchPower " + name,
		"manufacturer": "WatchPower",
		"model":        inv.SystemType,
	}

	for _, sn := range sensors {
		config := map[string]interface{}{
			"name":                fmt.Sprintf("%s %s", name, sn.Name),
			"unique_id":           fmt.Sprintf("watchpower_%s_%s", id, sn.ID),
			"state_topic":         p.topic(inv.SerialNumber, sn.ID),
			"unit_of_measurement": sn.Unit,
			"device":              device,
		}
		if sn.DeviceClass != "" {
			config["device_class"] = sn.DeviceClass
		}

		payload, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery config: %w", err)
		}
		topic := fmt.Sprintf("homeassistant/sensor/watchpower_%s/%s/config", id, sn.ID)
		if err := p.send(topic, true, payload); err != nil {
			return fmt.Errorf("failed to publish discovery for %s: %w", sn.ID, err)
		}
	}

	return nil
}

func (p *Publisher) IsConnected() bool {
	if !p.enabled {
		return false
	}
	return p.client.IsConnected()
}

func (p *Publisher) Close() {
	if p.enabled && p.client != nil {
		p.client.Disconnect(1000)
	}
}
