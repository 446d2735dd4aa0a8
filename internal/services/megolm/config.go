package megolm

import "time"

// Config tunes session rotation and key sharing.
type Config struct {
	// RotationPeriodMsgs is the number of messages after which an outbound
	// session is replaced.
	RotationPeriodMsgs int
	// RotationPeriod is the age after which an outbound session is replaced.
	RotationPeriod time.Duration
	// ShareBatchSize caps the devices per to-device call.
	ShareBatchSize int
	// ShareConcurrency caps the batches in flight.
	ShareConcurrency int
	// BlacklistUnverified withholds keys from unverified devices in every room.
	BlacklistUnverified bool
	// WarnOnUnknownDevices refuses to encrypt while a room has devices the
	// user has not been told about.
	WarnOnUnknownDevices bool
	// LimitToOwnDevices only accepts forwarded keys from our own verified
	// devices.
	LimitToOwnDevices bool
}

// DefaultConfig returns the rotation and batching defaults.
func DefaultConfig() Config {
	return Config{
		RotationPeriodMsgs: 100,
		RotationPeriod:     7 * 24 * time.Hour,
		ShareBatchSize:     100,
		ShareConcurrency:   4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RotationPeriodMsgs <= 0 {
		c.RotationPeriodMsgs = d.RotationPeriodMsgs
	}
	if c.RotationPeriod <= 0 {
		c.RotationPeriod = d.RotationPeriod
	}
	if c.ShareBatchSize <= 0 {
		c.ShareBatchSize = d.ShareBatchSize
	}
	if c.ShareConcurrency <= 0 {
		c.ShareConcurrency = d.ShareConcurrency
	}
	return c
}
