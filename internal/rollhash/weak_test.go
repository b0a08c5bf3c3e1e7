package rollhash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRollingMatchesScratch(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i*31 + i/7)
	}

	const window = 512
	roll := newRolling(data[:window])
	for i := 0; ; i++ {
		assert.Equal(t, WeakSum(data[i:i+window]), roll.sum(), "offset %d", i)
		if i+window >= len(data) {
			break
		}
		roll.roll(data[i], data[i+window])
	}
}

func TestWeakSumShape(t *testing.T) {
	t.Parallel()

	// a = 1+2+3, b = 3*1 + 2*2 + 1*3.
	got := WeakSum([]byte{1, 2, 3})
	assert.Equal(t, uint32(6)|uint32(10)<<16, got)
}

func TestWeakSumEmpty(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint32(0), WeakSum(nil))
}

func TestWeakSumWraps(t *testing.T) {
	t.Parallel()

	// 258 bytes of 0xFF: a = 258*255 = 65790, which wraps mod 2^16 to 254.
	data := make([]byte, 258)
	for i := range data {
		data[i] = 0xFF
	}
	got := WeakSum(data)
	wantA := uint32(258*255) & 0xffff
	assert.Equal(t, wantA, got&0xffff)
}
