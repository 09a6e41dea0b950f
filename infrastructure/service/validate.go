package service

import (
	"fmt"

	"github.com/zemfyre/edge-agent/infrastructure/runtime"
)

// RequireProvisioned returns an error if the device has not completed
// registration and we're running in strict identity mode. Use for
// subsystems (shadow engine, report loop) that are only required once the
// device holds real credentials.
func RequireProvisioned(provisioned bool, serviceID, what string) error {
	if runtime.StrictIdentityMode() && !provisioned {
		return fmt.Errorf("%s: %s is required in strict identity mode", serviceID, what)
	}
	return nil
}
