// Package config loads the YAML configuration file, applies defaults and
// environment overrides, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Serial  SerialConfig  `yaml:"serial"`
	Sync    SyncConfig    `yaml:"sync"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// DeviceConfig describes the attached receiver.
type DeviceConfig struct {
	// SerialNumber overrides the number read from the receiver's
	// manufacturing page. Empty means read it from the device.
	SerialNumber string `yaml:"serial_number"`
	Model        string `yaml:"model"`
}

// SerialConfig is the link to the receiver. The G4 firmware runs at 38400 8N1.
type SerialConfig struct {
	Port        string `yaml:"port"`
	BaudRate    int    `yaml:"baud_rate"`
	DataBits    int    `yaml:"data_bits"`
	StopBits    int    `yaml:"stop_bits"`
	Parity      string `yaml:"parity"`
	ReadTimeout int    `yaml:"read_timeout"` // milliseconds without progress before a read fails
	RetryCnt    int    `yaml:"retry_cnt"`
	RetryInt    int    `yaml:"retry_int"` // seconds
}

// SyncConfig controls the collector loop.
type SyncConfig struct {
	Interval int `yaml:"interval"` // seconds
	// MaxPages bounds the first pass, when no cursor exists yet.
	MaxPages int `yaml:"max_pages"`
}

type MQTTConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPrefix  string `yaml:"topic_prefix"`
	QoS          int    `yaml:"qos"`
	KeepAlive    int    `yaml:"keep_alive"`
	ReconnectInt int    `yaml:"reconnect_int"`
	WillQoS      int    `yaml:"will_qos"`
	WillRetain   *bool  `yaml:"will_retain"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	MaxLen   int64  `yaml:"max_len"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
	Path   string `yaml:"path"`   // empty logs to stderr
}

type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads configPath and runs defaults, env overrides and validation in
// that order.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return finish(&cfg)
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	setDefaults(cfg)
	overrideByEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Device.Model == "" {
		cfg.Device.Model = "G4Receiver"
	}

	if cfg.Serial.BaudRate == 0 {
		cfg.Serial.BaudRate = 38400
	}
	if cfg.Serial.DataBits == 0 {
		cfg.Serial.DataBits = 8
	}
	if cfg.Serial.StopBits == 0 {
		cfg.Serial.StopBits = 1
	}
	if cfg.Serial.Parity == "" {
		cfg.Serial.Parity = "none"
	}
	if cfg.Serial.ReadTimeout == 0 {
		cfg.Serial.ReadTimeout = 2000
	}
	if cfg.Serial.RetryCnt == 0 {
		cfg.Serial.RetryCnt = 3
	}
	if cfg.Serial.RetryInt == 0 {
		cfg.Serial.RetryInt = 2
	}

	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 300
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "blood-shepherd"
	}
	if cfg.MQTT.QoS == 0 {
		cfg.MQTT.QoS = 1
	}
	if cfg.MQTT.KeepAlive == 0 {
		cfg.MQTT.KeepAlive = 30
	}
	if cfg.MQTT.ReconnectInt == 0 {
		cfg.MQTT.ReconnectInt = 2
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "blood-shepherd"
	}
	if cfg.MQTT.WillQoS == 0 {
		cfg.MQTT.WillQoS = 1
	}
	if cfg.MQTT.WillRetain == nil {
		retain := true
		cfg.MQTT.WillRetain = &retain
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "glucose"
	}
	if cfg.Redis.MaxLen == 0 {
		cfg.Redis.MaxLen = 2016 // one week of five-minute readings
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if cfg.Monitor.Addr == "" {
		cfg.Monitor.Addr = ":9090"
	}
}

// overrideByEnv applies BS_<SECTION>_<FIELD> variables.
func overrideByEnv(cfg *Config) {
	if v := os.Getenv("BS_SERIAL_PORT"); v != "" {
		cfg.Serial.Port = v
	}
	if v := os.Getenv("BS_SERIAL_BAUD_RATE"); v != "" {
		if br, err := strconv.Atoi(v); err == nil {
			cfg.Serial.BaudRate = br
		}
	}
	if v := os.Getenv("BS_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
		cfg.MQTT.Enabled = true
	}
	if v := os.Getenv("BS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("BS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("BS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

var validBaudRates = map[int]bool{9600: true, 19200: true, 38400: true, 57600: true, 115200: true}

func validate(cfg *Config) error {
	if !validBaudRates[cfg.Serial.BaudRate] {
		return fmt.Errorf("serial.baud_rate %d not supported", cfg.Serial.BaudRate)
	}
	if cfg.Serial.DataBits < 5 || cfg.Serial.DataBits > 8 {
		return fmt.Errorf("serial.data_bits %d outside 5..8", cfg.Serial.DataBits)
	}
	if cfg.Serial.StopBits != 1 && cfg.Serial.StopBits != 2 {
		return errors.New("serial.stop_bits must be 1 or 2")
	}
	switch strings.ToLower(cfg.Serial.Parity) {
	case "n", "none", "o", "odd", "e", "even":
	default:
		return fmt.Errorf("serial.parity %q must be none, odd or even", cfg.Serial.Parity)
	}
	if cfg.Serial.ReadTimeout < 0 {
		return errors.New("serial.read_timeout must not be negative")
	}

	if cfg.Sync.Interval < 1 {
		return errors.New("sync.interval must be at least 1 second")
	}
	if cfg.Sync.MaxPages < 0 {
		return errors.New("sync.max_pages must not be negative")
	}

	if cfg.MQTT.Enabled && cfg.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled (tcp://host:port)")
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 || cfg.MQTT.WillQoS < 0 || cfg.MQTT.WillQoS > 2 {
		return errors.New("mqtt.qos and mqtt.will_qos must be 0, 1 or 2")
	}

	if cfg.Redis.MaxLen < 1 {
		return errors.New("redis.max_len must be positive")
	}

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("log.format %q must be text or json", cfg.Log.Format)
	}
	return nil
}

// SyncInterval returns the collector period.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.Interval) * time.Second
}

// Timeout returns how long a serial read may stall.
func (c SerialConfig) Timeout() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Millisecond
}
