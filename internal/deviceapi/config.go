// Package deviceapi implements the loopback HTTP introspection surface: a
// read-only view of device identity, running application state, and local
// logs, served only to callers on the same host. Nothing here accepts
// writes; mutation happens through target state from the cloud or through
// the shadow engine, never through this API.
package deviceapi

// Config controls the loopback listener.
type Config struct {
	// Port the API binds on localhost. Defaults to 48484 per the device's
	// well-known local API port.
	Port int

	// RateLimitPerSecond caps requests per client IP. Zero is replaced by the
	// default of 10; limiting cannot be disabled.
	RateLimitPerSecond int
	RateLimitBurst     int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Port:               48484,
		RateLimitPerSecond: 10,
		RateLimitBurst:     20,
	}
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 48484
	}
	if c.RateLimitPerSecond == 0 {
		c.RateLimitPerSecond = 10
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 20
	}
	return c
}
