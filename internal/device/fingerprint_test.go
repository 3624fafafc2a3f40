package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintIsStableHex(t *testing.T) {
	a, err := Fingerprint()
	if err != nil {
		t.Skipf("machine identity not available: %v", err)
	}
	assert.Len(t, a, 64)

	b, err := Fingerprint()
	assert.NoError(t, err)
	assert.Equal(t, a, b)
}
