// Package model defines the core data shapes shared across the reconciler,
// API binder, shadow engine, and local store: target/current state, the
// step plan that converges one into the other, and the device identity
// they are all keyed by.
package model

// Device holds the identity and credentials assigned at provisioning.
// Persisted locally; destroyed on factory reset.
type Device struct {
	UUID          string
	APIKey        string
	MQTTUsername  string
	MQTTPassword  string
	MQTTBrokerURL string
}

// Provisioned reports whether the device holds a real identity, as opposed
// to the zero value used before first registration.
func (d Device) Provisioned() bool {
	return d.UUID != "" && d.APIKey != ""
}
