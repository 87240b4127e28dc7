package session

import "time"

// Config holds the session timings.
type Config struct {
	WakeInterval   time.Duration `yaml:"wake_interval" json:"wakeInterval"`
	UnlockInterval time.Duration `yaml:"unlock_interval" json:"unlockInterval"`
	KeepAlive      time.Duration `yaml:"keep_alive" json:"keepAlive"`
	RestartAfter   time.Duration `yaml:"restart_after" json:"restartAfter"`
	WriteSettle    time.Duration `yaml:"write_settle" json:"writeSettle"`
	ProgramSettle  time.Duration `yaml:"program_settle" json:"programSettle"`
	Drain          time.Duration `yaml:"drain" json:"drain"`
	FrameSpacing   time.Duration `yaml:"frame_spacing" json:"frameSpacing"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout" json:"receiveTimeout"`
	ReceiveYield   time.Duration `yaml:"receive_yield" json:"receiveYield"`
}

// DefaultConfig returns the reference session timings.
func DefaultConfig() Config {
	return Config{
		WakeInterval:   1 * time.Second,
		UnlockInterval: 1 * time.Second,
		KeepAlive:      30 * time.Second,
		RestartAfter:   1 * time.Hour,
		WriteSettle:    5 * time.Second,
		ProgramSettle:  5 * time.Second,
		Drain:          2 * time.Second,
		FrameSpacing:   100 * time.Millisecond,
		ReceiveTimeout: 100 * time.Millisecond,
		ReceiveYield:   10 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	set := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	set(&c.WakeInterval, d.WakeInterval)
	set(&c.UnlockInterval, d.UnlockInterval)
	set(&c.KeepAlive, d.KeepAlive)
	set(&c.RestartAfter, d.RestartAfter)
	set(&c.FrameSpacing, d.FrameSpacing)
	set(&c.ReceiveTimeout, d.ReceiveTimeout)
	set(&c.ReceiveYield, d.ReceiveYield)
	// Settle and drain delays may be zero.
	if c.WriteSettle < 0 {
		c.WriteSettle = d.WriteSettle
	}
	if c.ProgramSettle < 0 {
		c.ProgramSettle = d.ProgramSettle
	}
	if c.Drain < 0 {
		c.Drain = d.Drain
	}
	return c
}
