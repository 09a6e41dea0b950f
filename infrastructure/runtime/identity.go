// Package runtime provides environment/runtime detection helpers shared across the service layer.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the service should fail closed on
// identity/security boundaries (e.g. only trust an API key that came from a
// completed provisioning flow, never a locally-faked one).
//
// We treat a device holding real cloud-issued TLS credentials as "strict"
// too, so a mis-set AGENT_ENV cannot silently weaken trust boundaries once
// the device has actually been provisioned.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		env := Env()
		hasDeviceTLS := strings.TrimSpace(os.Getenv("DEVICE_CERT")) != "" &&
			strings.TrimSpace(os.Getenv("DEVICE_KEY")) != "" &&
			strings.TrimSpace(os.Getenv("DEVICE_ROOT_CA")) != ""
		strictIdentityModeValue = env == Production || hasDeviceTLS
	})
	return strictIdentityModeValue
}
