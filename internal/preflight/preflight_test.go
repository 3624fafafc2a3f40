package preflight

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoubleLatte/passcode/internal/errs"
)

func TestRequired(t *testing.T) {
	tests := []struct {
		name    string
		payload int64
		total   uint64
		want    uint64
	}{
		{
			name:    "small volume uses fixed reserve",
			payload: 1000,
			total:   1024 * 1024 * 1024, // 1 GiB, a tenth is under the floor
			want:    2000 + MinReserve,
		},
		{
			name:    "large volume uses proportional reserve",
			payload: 1000,
			total:   100 * 1024 * 1024 * 1024, // 100 GiB
			want:    2000 + 10*1024*1024*1024,
		},
		{
			name:    "zero payload still reserves",
			payload: 0,
			total:   0,
			want:    MinReserve,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Required(tt.payload, tt.total))
		})
	}
}

func TestCheckDisk(t *testing.T) {
	dir := t.TempDir()

	t.Run("rejects negative payload", func(t *testing.T) {
		_, err := CheckDisk(dir, -1)
		assert.ErrorIs(t, err, errs.ErrValidation)
	})

	t.Run("impossible payload fails with resource error", func(t *testing.T) {
		report, err := CheckDisk(dir, math.MaxInt64/4)
		require.ErrorIs(t, err, errs.ErrResource)
		assert.Greater(t, report.Required, report.Free)
	})

	t.Run("report carries volume numbers", func(t *testing.T) {
		report, err := CheckDisk(dir, 0)
		if err != nil {
			// A nearly full volume is a legitimate failure, not a bug.
			require.ErrorIs(t, err, errs.ErrResource)
			return
		}
		assert.Greater(t, report.Total, uint64(0))
		assert.GreaterOrEqual(t, report.Required, uint64(MinReserve))
	})
}

func TestCheckMemory(t *testing.T) {
	const buffer = 1024 * 1024

	t.Run("comfortable budget passes", func(t *testing.T) {
		assert.NoError(t, CheckMemory(8*1024*1024*1024, 4, buffer))
	})

	t.Run("starved host fails with resource error", func(t *testing.T) {
		err := CheckMemory(4*buffer, 4, buffer)
		assert.ErrorIs(t, err, errs.ErrResource)
	})

	t.Run("budget boundary", func(t *testing.T) {
		// One quarter of usable memory must cover every worker's minimum
		// buffer; exactly enough passes, one byte less does not.
		need := uint64(4 * buffer)
		assert.NoError(t, CheckMemory(need*MemoryFraction, 4, buffer))
		assert.ErrorIs(t, CheckMemory(need*MemoryFraction-MemoryFraction, 4, buffer), errs.ErrResource)
	})

	t.Run("zero workers treated as one", func(t *testing.T) {
		assert.NoError(t, CheckMemory(MemoryFraction*buffer, 0, buffer))
	})
}

func TestUsableMemory(t *testing.T) {
	mem, err := UsableMemory()
	if err != nil {
		t.Skipf("host memory not discoverable: %v", err)
	}
	assert.Greater(t, mem, uint64(0))
}
