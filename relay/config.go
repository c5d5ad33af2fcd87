package relay

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Defaults applied before the config file and environment are read.
const (
	DefaultAlertThreshold  = 30.0
	DefaultHistoryCapacity = 200
	DefaultQueryLimit      = 50
	DefaultClientID        = "sensor-stream-relay"
)

// LogConfig represents the config of the optional rotating log file
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Config is the main configuration
type Config struct {
	Env     string        `yaml:"env"`
	Log     LogConfig     `yaml:"log"`
	HTTP    HTTPConfig    `yaml:"http"`
	AMQP    *AMQPConfig   `yaml:"amqp"`
	MQTT    *MQTTConfig   `yaml:"mqtt"`
	Alert   AlertConfig   `yaml:"alert"`
	History HistoryConfig `yaml:"history"`
	Topics  []string      `yaml:"topics"`
}

// DefaultConfig returns the configuration used when neither the config file
// nor the environment overrides a value. No message source is enabled by
// default; one has to be configured explicitly.
func DefaultConfig() *Config {
	return &Config{
		Env: "production",
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Alert: AlertConfig{
			Threshold: DefaultAlertThreshold,
		},
		History: HistoryConfig{
			Capacity:   DefaultHistoryCapacity,
			QueryLimit: DefaultQueryLimit,
		},
		Topics: []string{"sensors/telemetry"},
	}
}

// LoadConfig builds the configuration from the defaults, the optional YAML
// file at path and the RELAY_* environment variables, in that order of
// precedence.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Config: %v", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("Config: %v", err)
		}
	}

	c.applyEnvOverrides()
	c.normalize()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// applyEnvOverrides merges the RELAY_* environment variables over the loaded
// values. Unparsable numeric values are ignored.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RELAY_ENV"); v != "" {
		c.Env = v
	}
	if v := os.Getenv("RELAY_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("RELAY_AMQP_DSN"); v != "" {
		c.ensureAMQP().DSN = v
	}
	if v := os.Getenv("RELAY_AMQP_EXCHANGE"); v != "" {
		c.ensureAMQP().Exchange = v
	}
	if v := os.Getenv("RELAY_AMQP_TAG"); v != "" {
		c.ensureAMQP().Tag = v
	}
	if v := os.Getenv("RELAY_MQTT_BROKER"); v != "" {
		c.ensureMQTT().Broker = v
	}
	if v := os.Getenv("RELAY_MQTT_CLIENT_ID"); v != "" {
		c.ensureMQTT().ClientID = v
	}
	if v := os.Getenv("RELAY_MQTT_USERNAME"); v != "" {
		c.ensureMQTT().Username = v
	}
	if v := os.Getenv("RELAY_MQTT_PASSWORD"); v != "" {
		c.ensureMQTT().Password = v
	}
	if v := os.Getenv("RELAY_TOPIC"); v != "" {
		c.Topics = []string{v}
	}
	if v := os.Getenv("RELAY_ALERT_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Alert.Threshold = f
		}
	}
	if v := os.Getenv("RELAY_HISTORY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.History.Capacity = n
		}
	}
	if v := os.Getenv("RELAY_LOG_FILE"); v != "" {
		c.Log.File = v
	}
}

// normalize fills in derived defaults that depend on which sources are
// configured
func (c *Config) normalize() {
	if c.AMQP != nil && c.AMQP.Tag == "" {
		c.AMQP.Tag = "relay"
	}
	if c.MQTT != nil && c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultClientID
	}
}

// Validate reports whether the configuration describes a runnable relay
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("Config: http addr must not be empty")
	}
	if c.History.Capacity <= 0 {
		return errors.New("Config: history capacity must be positive")
	}
	if c.History.QueryLimit <= 0 {
		return errors.New("Config: history query limit must be positive")
	}
	if len(c.Topics) == 0 {
		return errors.New("Config: at least one topic must be configured")
	}

	hasAMQP := c.AMQP != nil && c.AMQP.DSN != ""
	hasMQTT := c.MQTT != nil && c.MQTT.Broker != ""
	if !hasAMQP && !hasMQTT {
		return errors.New("Config: no message source configured")
	}

	return nil
}

func (c *Config) ensureAMQP() *AMQPConfig {
	if c.AMQP == nil {
		c.AMQP = &AMQPConfig{}
	}

	return c.AMQP
}

func (c *Config) ensureMQTT() *MQTTConfig {
	if c.MQTT == nil {
		c.MQTT = &MQTTConfig{}
	}

	return c.MQTT
}
