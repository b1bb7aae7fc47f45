package receiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeDecoder_Wrap(t *testing.T) {
	d := newTimeDecoder(90000)

	assert.Equal(t, time.Duration(0), d.decode(0xFFFFF000))
	assert.Equal(t, time.Duration(0x2000)*time.Second/90000, d.decode(0x1000))
}

func TestTimeDecoder_ManyWraps(t *testing.T) {
	d := newTimeDecoder(90000)

	ts := uint32(0)
	prev := d.decode(ts)

	// Ten full wraps, about 132 hours at 90 kHz.
	for i := 1; i <= 40; i++ {
		ts += 0x40000000
		pts := d.decode(ts)

		require.Greater(t, pts, prev, "step %d", i)
		assert.Equal(t, multiplyAndDivide(time.Duration(i)*0x40000000, time.Second, 90000), pts)
		prev = pts
	}

	assert.Greater(t, prev, 130*time.Hour)
}

func TestMultiplyAndDivide(t *testing.T) {
	assert.Equal(t, 2*time.Second, multiplyAndDivide(180000, time.Second, 90000))
	assert.Equal(t, time.Second/30, multiplyAndDivide(3000, time.Second, 90000))
	assert.Equal(t, 30*time.Hour, multiplyAndDivide(30*3600*90000, time.Second, 90000))
}
