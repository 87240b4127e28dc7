package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/canlink/internal/bus"
	"github.com/shaunagostinho/canlink/internal/can"
	"github.com/shaunagostinho/canlink/internal/script"
	"github.com/shaunagostinho/canlink/internal/session"
)

// DefaultConfigPath is where the daemon looks for its config file.
const DefaultConfigPath = "/etc/canlink/config.yaml"

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	// CAN controller
	CAN CANConfig `yaml:"can" json:"can"`

	// Bus identifiers of the ECUs
	IDs script.IDs `yaml:"ids" json:"ids"`

	// Bus health timings
	Bus bus.Config `yaml:"bus" json:"bus"`

	// Session timings
	Session session.Config `yaml:"session" json:"session"`

	// Logging and frame trace
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Decision journal
	Journal JournalConfig `yaml:"journal" json:"journal"`

	// Simulated ECUs for --demo
	Demo DemoConfig `yaml:"demo" json:"demo"`

	// Status server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type CANConfig struct {
	Driver     string `yaml:"driver" json:"driver"`       // "socketcan", "slcan" or "sim"
	Interface  string `yaml:"interface" json:"interface"` // socketcan interface, e.g. can0
	PortPath   string `yaml:"port_path" json:"portPath"`  // slcan serial port, e.g. /dev/ttyACM0
	BaudRate   int    `yaml:"baud_rate" json:"baudRate"`  // slcan serial speed
	TxPin      int    `yaml:"tx_pin" json:"txPin"`
	RxPin      int    `yaml:"rx_pin" json:"rxPin"`
	Bitrate    uint32 `yaml:"bitrate" json:"bitrate"`
	TxQueueLen int    `yaml:"tx_queue_len" json:"txQueueLen"`
	RxQueueLen int    `yaml:"rx_queue_len" json:"rxQueueLen"`
}

type LoggingConfig struct {
	Level        string `yaml:"level" json:"level"` // zerolog level name
	TraceEnabled bool   `yaml:"trace_enabled" json:"traceEnabled"`
	TracePath    string `yaml:"trace_path" json:"tracePath"`
}

type JournalConfig struct {
	Path string `yaml:"path" json:"path"` // empty disables the journal
}

type DemoConfig struct {
	VehicleVIN string `yaml:"vehicle_vin" json:"vehicleVin"`
	ColumnVIN  string `yaml:"column_vin" json:"columnVin"`
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr"`
	BroadcastMs int    `yaml:"broadcast_ms" json:"broadcastMs"` // WebSocket update period
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CAN: CANConfig{
			Driver:     "socketcan",
			Interface:  "can0",
			PortPath:   "/dev/ttyACM0",
			BaudRate:   115200,
			TxPin:      bus.DefaultTxPin,
			RxPin:      bus.DefaultRxPin,
			Bitrate:    bus.DefaultBitrate,
			TxQueueLen: bus.DefaultTxQueueLen,
			RxQueueLen: bus.DefaultRxQueueLen,
		},
		IDs:     script.DefaultIDs(),
		Bus:     bus.DefaultConfig(),
		Session: session.DefaultConfig(),
		Logging: LoggingConfig{
			Level:     "info",
			TracePath: "/var/log/canlink",
		},
		Journal: JournalConfig{
			Path: "/var/lib/canlink/journal.cbor",
		},
		Demo: DemoConfig{
			VehicleVIN: "VF1AAAAA11A111111",
			ColumnVIN:  "VF1AAAAA11A222222",
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastMs: 1000,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	l := log.With().Str("component", "config").Logger()
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		l.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		l.Warn().Err(err).Str("path", path).Msg("config parse error, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		l.Info().Str("path", path).Msg("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debug().Str("component", "config").Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: CAN_DRIVER, CAN_INTERFACE, CAN_PORT, CAN_BITRATE, LISTEN_ADDR,
// LOG_LEVEL, TRACE_ENABLED, TRACE_PATH, JOURNAL_PATH, DEMO_VEHICLE_VIN,
// DEMO_COLUMN_VIN
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CAN_DRIVER"); v != "" {
		c.CAN.Driver = v
	}
	if v := os.Getenv("CAN_INTERFACE"); v != "" {
		c.CAN.Interface = v
	}
	if v := os.Getenv("CAN_PORT"); v != "" {
		c.CAN.PortPath = v
	}
	if v := os.Getenv("CAN_BITRATE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.CAN.Bitrate = uint32(n)
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRACE_ENABLED"); v != "" {
		c.Logging.TraceEnabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("TRACE_PATH"); v != "" {
		c.Logging.TracePath = v
	}
	if v := os.Getenv("JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("DEMO_VEHICLE_VIN"); v != "" {
		c.Demo.VehicleVIN = v
	}
	if v := os.Getenv("DEMO_COLUMN_VIN"); v != "" {
		c.Demo.ColumnVIN = v
	}
}

// Validate reports every setting the daemon cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	switch c.CAN.Driver {
	case "socketcan", "slcan", "sim":
	default:
		errs = append(errs, fmt.Errorf("can.driver: unknown driver %q", c.CAN.Driver))
	}
	if c.CAN.Bitrate == 0 {
		errs = append(errs, errors.New("can.bitrate: must be positive"))
	}
	if c.CAN.TxQueueLen <= 0 {
		errs = append(errs, errors.New("can.tx_queue_len: must be positive"))
	}
	if c.CAN.RxQueueLen <= 0 {
		errs = append(errs, errors.New("can.rx_queue_len: must be positive"))
	}
	if err := c.IDs.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr: required"))
	}
	return errors.Join(errs...)
}

// BusConfig returns the bus health settings with the driver settings of the
// can section applied.
func (c *Config) BusConfig() bus.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bc := c.Bus
	bc.Driver = can.DriverConfig{
		TxPin:      c.CAN.TxPin,
		RxPin:      c.CAN.RxPin,
		Bitrate:    c.CAN.Bitrate,
		TxQueueLen: c.CAN.TxQueueLen,
		RxQueueLen: c.CAN.RxQueueLen,
	}
	return bc
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SaveAs sets the config path and saves.
func (c *Config) SaveAs(path string) error {
	c.mu.Lock()
	c.path = path
	c.mu.Unlock()
	return c.Save()
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
