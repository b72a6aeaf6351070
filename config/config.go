package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"watchpower-monitor/internal/inverter"
	"watchpower-monitor/internal/watchpower"
)

const (
	SourceUpstream = "upstream"
	SourceModbus   = "modbus"
)

type Config struct {
	Log       LogConfig                   `mapstructure:"log"`
	Source    string                      `mapstructure:"source"`
	Upstream  UpstreamConfig              `mapstructure:"upstream"`
	Modbus    ModbusConfig                `mapstructure:"modbus"`
	Inverters []watchpower.InverterConfig `mapstructure:"inverters"`
	Collector CollectorConfig             `mapstructure:"collector"`
	Tariff    TariffConfig                `mapstructure:"tariff"`
	API       APIConfig                   `mapstructure:"api"`
	MQTT      MQTTConfig                  `mapstructure:"mqtt"`
	Database  DatabaseConfig              `mapstructure:"database"`
	Dashboard DashboardConfig             `mapstructure:"dashboard"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// UpstreamConfig points at the WatchPower bridge.
type UpstreamConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ModbusConfig struct {
	IP        string              `mapstructure:"ip"`
	Port      int                 `mapstructure:"port"`
	SlaveID   uint8               `mapstructure:"slave_id"`
	Timeout   time.Duration       `mapstructure:"timeout"`
	Registers []inverter.Register `mapstructure:"registers"`
}

type CollectorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Enabled     bool          `mapstructure:"enabled"`
	SummaryCron string        `mapstructure:"summary_cron"`
}

type TariffConfig struct {
	PricePerKWh float64 `mapstructure:"price_per_kwh"`
}

type APIConfig struct {
	Port      int           `mapstructure:"port"`
	Enabled   bool          `mapstructure:"enabled"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

type DatabaseConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

// DashboardConfig drives the watch command.
type DashboardConfig struct {
	// APIURL is the /api/v1 base of a running serve instance.
	APIURL            string        `mapstructure:"api_url"`
	FeedURL           string        `mapstructure:"feed_url"`
	Inverter          string        `mapstructure:"inverter"`
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	DailyInterval     time.Duration `mapstructure:"daily_interval"`
	InvertersInterval time.Duration `mapstructure:"inverters_interval"`
	Throttle          time.Duration `mapstructure:"throttle"`
	MaxHistory        int           `mapstructure:"max_history"`
	Reconnect         bool          `mapstructure:"reconnect"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("source", SourceUpstream)
	v.SetDefault("upstream.url", "http://localhost:5000")
	v.SetDefault("upstream.timeout", "10s")
	v.SetDefault("modbus.ip", "192.168.1.100")
	v.SetDefault("modbus.port", 502)
	v.SetDefault("modbus.slave_id", 1)
	v.SetDefault("modbus.timeout", "10s")
	v.SetDefault("collector.interval", "5m")
	v.SetDefault("collector.timeout", "30s")
	v.SetDefault("collector.enabled", true)
	v.SetDefault("collector.summary_cron", "55 23 * * *")
	v.SetDefault("tariff.price_per_kwh", 13)
	v.SetDefault("api.port", 8045)
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.heartbeat", "15s")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "watchpower")
	v.SetDefault("mqtt.client_id", "watchpower-monitor")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.path", "./watchpower.db")
	v.SetDefault("database.retention", "720h")
	v.SetDefault("dashboard.api_url", "http://localhost:8045/api/v1")
	v.SetDefault("dashboard.feed_url", "http://localhost:8045")
	v.SetDefault("dashboard.inverter", "")
	v.SetDefault("dashboard.sample_interval", "30s")
	v.SetDefault("dashboard.daily_interval", "5m")
	v.SetDefault("dashboard.inverters_interval", "10m")
	v.SetDefault("dashboard.throttle", "500ms")
	v.SetDefault("dashboard.max_history", 200)
	v.SetDefault("dashboard.reconnect", true)
}

// Load reads the YAML config, then .env and WATCHPOWER_* environment
// overrides (mqtt.password is WATCHPOWER_MQTT_PASSWORD).
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/watchpower-monitor")
	}

	setDefaults(v)

	v.SetEnvPrefix("WATCHPOWER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Source {
	case SourceUpstream:
		if strings.TrimSpace(c.Upstream.URL) == "" {
			return errors.New("upstream.url is required for the upstream source")
		}
	case SourceModbus:
		if c.Modbus.IP == "" || c.Modbus.Port <= 0 {
			return errors.New("modbus.ip and modbus.port are required for the modbus source")
		}
		if len(c.Modbus.Registers) > 0 {
			if err := inverter.Validate(c.Modbus.Registers); err != nil {
				return fmt.Errorf("modbus.registers: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown source %q (want %s or %s)", c.Source, SourceUpstream, SourceModbus)
	}
	if c.Tariff.PricePerKWh < 0 {
		return errors.New("tariff.price_per_kwh must not be negative")
	}
	return nil
}

// Device returns the configured description of the local Modbus inverter.
func (c *Config) Device() watchpower.InverterConfig {
	if len(c.Inverters) > 0 {
		return c.Inverters[0]
	}
	return watchpower.InverterConfig{}
}
