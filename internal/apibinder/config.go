// Package apibinder implements the poll and report loops that bind the
// local Container Manager to the cloud control plane, per spec.md §4.3.
package apibinder

import "time"

// Config parameterizes both loops. Zero-valued fields are replaced with
// the defaults from spec.md §4.3 when NewPoller or NewReporter applies
// withDefaults.
type Config struct {
	PollInterval    time.Duration
	ReportInterval  time.Duration
	MetricsInterval time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration
}

// DefaultConfig returns the default poll/report/backoff intervals.
func DefaultConfig() Config {
	return Config{
		PollInterval:    10 * time.Second,
		ReportInterval:  10 * time.Second,
		MetricsInterval: 300 * time.Second,
		BackoffBase:     500 * time.Millisecond,
		BackoffMax:      5 * time.Minute,
	}
}

// withDefaults fills any zero-valued field from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = d.ReportInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = d.MetricsInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	return c
}
