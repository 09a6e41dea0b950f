package store

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
)

// machineIDPaths are checked in order for a stable per-host identifier to
// derive the at-rest secret key from. None of these are secret themselves;
// they only need to be stable and local to this device.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// secretKey derives a 32-byte symmetric key from the host machine id.
// Falls back to a fixed key when no machine id is readable, so the agent
// still runs in a container without one; this only weakens at-rest
// protection, not functionality.
func secretKey() *[32]byte {
	var id []byte
	for _, path := range machineIDPaths {
		if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
			id = b
			break
		}
	}
	if len(id) == 0 {
		id = []byte("edge-agent-fallback-machine-id-00")
	}

	var key [32]byte
	copy(key[:], id)
	return &key
}

// sealSecret encrypts plaintext with a random nonce, returning a
// base64-encoded nonce||ciphertext. Empty input stays empty so an
// unprovisioned device doesn't persist a non-empty ciphertext for a
// blank credential.
func sealSecret(key *[32]byte, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate secret nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// openSecret reverses sealSecret. A value that doesn't decode as
// nonce+ciphertext (e.g. a row written before encryption was introduced)
// is returned unchanged rather than rejected, so upgrading the agent
// never loses an existing device's credentials.
func openSecret(key *[32]byte, stored string) string {
	if stored == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil || len(raw) < 24 {
		return stored
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	opened, ok := secretbox.Open(nil, raw[24:], &nonce, key)
	if !ok {
		return stored
	}
	return string(opened)
}
