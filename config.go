package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
	"i4.energy/across/cellink/driver"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `yaml:"bind_address"`
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int `yaml:"baud_rate"`
	// Trace logs every byte exchanged with the modem
	Trace bool `yaml:"trace"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// SimPIN is the SIM card PIN code
	SimPIN string `yaml:"sim_pin"`
	// APN is the access point name of the data bearer
	APN string `yaml:"apn"`
	// ResetPin names the GPIO wired to the modem RESETN input. Empty
	// disables hardware resets.
	ResetPin string `yaml:"reset_pin"`
	// AutoConnect brings the connection up at start
	AutoConnect bool `yaml:"auto_connect"`

	Timeouts Timeouts                       `yaml:"timeouts"`
	Policies map[driver.Class]driver.Policy `yaml:"policies"`
	MQTT     MQTTConfig                     `yaml:"mqtt"`
}

// Timeouts bound the steps of bringing the connection up
type Timeouts struct {
	SimReady time.Duration `yaml:"sim_ready"`
	Register time.Duration `yaml:"register"`
	Bearer   time.Duration `yaml:"bearer"`
	// Drain is how long a late answer to an abandoned command is awaited
	Drain time.Duration `yaml:"drain"`
}

// MQTTConfig configures the event publisher. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.AutoConnect = true
		c.Timeouts = Timeouts{
			SimReady: 10 * time.Second,
			Register: 3 * time.Minute,
			Bearer:   time.Minute,
			Drain:    2 * time.Second,
		}
		c.MQTT.ClientID = "cellink"
		c.MQTT.Topic = "cellink/events"
		return nil
	}
}

// WithFile overlays the YAML file at path. Keys missing from the file keep
// their current values. An empty path is ignored.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("config %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if serial := os.Getenv("SERIAL_PORT"); serial != "" {
			c.SerialPort = serial
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if simPIN := os.Getenv("SIM_PIN"); simPIN != "" {
			c.SimPIN = simPIN
		}

		if apn := os.Getenv("APN"); apn != "" {
			c.APN = apn
		}

		if pin := os.Getenv("RESET_PIN"); pin != "" {
			c.ResetPin = pin
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MQTT.Broker = broker
		}

		if topic := os.Getenv("MQTT_TOPIC"); topic != "" {
			c.MQTT.Topic = topic
		}

		if user := os.Getenv("MQTT_USERNAME"); user != "" {
			c.MQTT.Username = user
			c.MQTT.Password = os.Getenv("MQTT_PASSWORD")
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "trace":
				c.Trace = f.Value.String() == "true"
			case "log-level":
				c.LogLevel = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			case "apn":
				c.APN = f.Value.String()
			case "reset-pin":
				c.ResetPin = f.Value.String()
			case "mqtt-broker":
				c.MQTT.Broker = f.Value.String()
			}
		})
		return nil
	}
}
