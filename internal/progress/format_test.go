package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		want string
		rate float64
	}{
		{"0 B/s", 0},
		{"0 B/s", -5},
		{"5.00 B/s", 5},
		{"55.0 B/s", 55},
		{"555 B/s", 555},
		{"1.00 KB/s", 1024},
		{"10.0 MB/s", 10 * 1024 * 1024},
		{"2.00 GB/s", 2 * 1024 * 1024 * 1024},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatRate(tt.rate))
	}
}

func TestFormatETA(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "--", FormatETA(0))
	assert.Equal(t, "5s", FormatETA(5*time.Second))
	assert.Equal(t, "2m 05s", FormatETA(125*time.Second))
	assert.Equal(t, "1h 01m 05s", FormatETA(3665*time.Second))
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "3s", FormatDuration(3*time.Second))
}

func TestFormatCount(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0", FormatCount(0))
	assert.Equal(t, "999", FormatCount(999))
	assert.Equal(t, "1,000", FormatCount(1000))
	assert.Equal(t, "1,234,567", FormatCount(1234567))
	assert.Equal(t, "-1,234", FormatCount(-1234))
}
