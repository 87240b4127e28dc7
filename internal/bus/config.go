package bus

import (
	"time"

	"github.com/shaunagostinho/canlink/internal/can"
)

// Config holds the bus health timings and ceilings. Zero values are replaced
// with defaults by NewManager.
type Config struct {
	StatusInterval       time.Duration `yaml:"status_interval" json:"statusInterval"`
	BusOffSettle         time.Duration `yaml:"bus_off_settle" json:"busOffSettle"`
	ReinitDelay          time.Duration `yaml:"reinit_delay" json:"reinitDelay"`
	MaxReinitAttempts    int           `yaml:"max_reinit_attempts" json:"maxReinitAttempts"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors" json:"maxConsecutiveErrors"`
	BaseRetryInterval    time.Duration `yaml:"base_retry_interval" json:"baseRetryInterval"`
	MaxRetryInterval     time.Duration `yaml:"max_retry_interval" json:"maxRetryInterval"`
	FramesBeforeCooldown int           `yaml:"frames_before_cooldown" json:"framesBeforeCooldown"`
	CooldownTime         time.Duration `yaml:"cooldown_time" json:"cooldownTime"`
	WatchdogUptime       time.Duration `yaml:"watchdog_uptime" json:"watchdogUptime"` // 0 disables
	CongestionRatio      float64       `yaml:"congestion_ratio" json:"congestionRatio"`
	TransmitTimeout      time.Duration `yaml:"transmit_timeout" json:"transmitTimeout"`
	StartAttempts        uint          `yaml:"start_attempts" json:"startAttempts"`

	Driver can.DriverConfig `yaml:"-" json:"-"`
}

const (
	DefaultStatusInterval       = 30 * time.Second
	DefaultBusOffSettle         = 5 * time.Second
	DefaultReinitDelay          = 1 * time.Second
	DefaultMaxReinitAttempts    = 3
	DefaultMaxConsecutiveErrors = 5
	DefaultBaseRetryInterval    = 100 * time.Millisecond
	DefaultMaxRetryInterval     = 5000 * time.Millisecond
	DefaultFramesBeforeCooldown = 60
	DefaultCooldownTime         = 1000 * time.Millisecond
	DefaultWatchdogUptime       = 30 * time.Minute
	DefaultCongestionRatio      = 0.8
	DefaultTransmitTimeout      = 1000 * time.Millisecond
	DefaultStartAttempts        = 5

	DefaultBitrate    = 500000
	DefaultTxPin      = 18
	DefaultRxPin      = 19
	DefaultTxQueueLen = 32
	DefaultRxQueueLen = 64
)

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		StatusInterval:       DefaultStatusInterval,
		BusOffSettle:         DefaultBusOffSettle,
		ReinitDelay:          DefaultReinitDelay,
		MaxReinitAttempts:    DefaultMaxReinitAttempts,
		MaxConsecutiveErrors: DefaultMaxConsecutiveErrors,
		BaseRetryInterval:    DefaultBaseRetryInterval,
		MaxRetryInterval:     DefaultMaxRetryInterval,
		FramesBeforeCooldown: DefaultFramesBeforeCooldown,
		CooldownTime:         DefaultCooldownTime,
		WatchdogUptime:       DefaultWatchdogUptime,
		CongestionRatio:      DefaultCongestionRatio,
		TransmitTimeout:      DefaultTransmitTimeout,
		StartAttempts:        DefaultStartAttempts,
		Driver: can.DriverConfig{
			TxPin:      DefaultTxPin,
			RxPin:      DefaultRxPin,
			Bitrate:    DefaultBitrate,
			TxQueueLen: DefaultTxQueueLen,
			RxQueueLen: DefaultRxQueueLen,
		},
	}
}

// withDefaults fills unset fields. WatchdogUptime is left alone so that zero
// can disable the watchdog.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.BusOffSettle < 0 {
		c.BusOffSettle = d.BusOffSettle
	}
	if c.ReinitDelay < 0 {
		c.ReinitDelay = d.ReinitDelay
	}
	if c.MaxReinitAttempts <= 0 {
		c.MaxReinitAttempts = d.MaxReinitAttempts
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if c.BaseRetryInterval <= 0 {
		c.BaseRetryInterval = d.BaseRetryInterval
	}
	if c.MaxRetryInterval <= 0 {
		c.MaxRetryInterval = d.MaxRetryInterval
	}
	if c.FramesBeforeCooldown <= 0 {
		c.FramesBeforeCooldown = d.FramesBeforeCooldown
	}
	if c.CooldownTime < 0 {
		c.CooldownTime = d.CooldownTime
	}
	if c.CongestionRatio <= 0 || c.CongestionRatio > 1 {
		c.CongestionRatio = d.CongestionRatio
	}
	if c.TransmitTimeout <= 0 {
		c.TransmitTimeout = d.TransmitTimeout
	}
	if c.StartAttempts == 0 {
		c.StartAttempts = d.StartAttempts
	}
	if c.Driver.Bitrate == 0 {
		c.Driver.Bitrate = d.Driver.Bitrate
	}
	if c.Driver.TxQueueLen <= 0 {
		c.Driver.TxQueueLen = d.Driver.TxQueueLen
	}
	if c.Driver.RxQueueLen <= 0 {
		c.Driver.RxQueueLen = d.Driver.RxQueueLen
	}
	return c
}

// Backoff returns the delay after n consecutive transmit failures:
// BaseRetryInterval doubled for each failure after the first, capped at
// MaxRetryInterval.
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.BaseRetryInterval
	for i := 1; i < n && d < c.MaxRetryInterval; i++ {
		d *= 2
	}
	if d > c.MaxRetryInterval {
		d = c.MaxRetryInterval
	}
	return d
}
