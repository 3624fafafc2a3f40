// Package device identifies the machine the engine runs on. The key vault
// mixes this identity into key derivation when device binding is enabled,
// so a bound key file cannot be opened anywhere else.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"

	"github.com/denisbrodbeck/machineid"
	"github.com/jaypipes/ghw"
)

// appID keys the HMAC protecting the raw machine ID, so the value we emit
// cannot be correlated with other applications' machine IDs.
const appID = "passcode"

// ID returns a stable, app-scoped identifier for this machine.
func ID() (string, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return "", fmt.Errorf("failed to get machine ID: %w", err)
	}
	return id, nil
}

// Fingerprint hashes the machine identity together with coarse hardware
// facts. Two machines with the same cloned disk image still diverge here
// as long as CPU or memory differ.
func Fingerprint() (string, error) {
	id, err := ID()
	if err != nil {
		return "", err
	}

	parts := []string{id, runtime.GOOS, runtime.GOARCH}

	if cpu, err := ghw.CPU(); err == nil && len(cpu.Processors) > 0 {
		parts = append(parts, cpu.Processors[0].Vendor, cpu.Processors[0].Model)
	}
	if memory, err := ghw.Memory(); err == nil {
		parts = append(parts, fmt.Sprintf("%d", memory.TotalPhysicalBytes))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}
