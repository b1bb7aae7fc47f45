package receiver

import (
	"time"
)

// multiplyAndDivide computes v*m/d without overflowing on long streams.
func multiplyAndDivide(v, m, d time.Duration) time.Duration {
	secs := v / d
	dec := v % d
	return secs*m + dec*m/d
}

// timeDecoder converts 32-bit RTP timestamps into a duration relative to the
// first timestamp, unwrapping overflows.
type timeDecoder struct {
	clockRate   time.Duration
	overflow    int64
	initialized bool
	initial     int64
	prev        int64
}

func newTimeDecoder(clockRate int) *timeDecoder {
	if clockRate <= 0 {
		clockRate = 90000
	}

	return &timeDecoder{
		clockRate: time.Duration(clockRate),
	}
}

func (d *timeDecoder) decode(ts uint32) time.Duration {
	ts64 := int64(ts) + d.overflow

	if d.initialized && ts64-d.prev < -0xFFFF {
		ts64 += 1 << 32
		d.overflow += 1 << 32
	}

	if !d.initialized {
		d.initialized = true
		d.initial = ts64
	}
	d.prev = ts64

	return multiplyAndDivide(time.Duration(ts64-d.initial), time.Second, d.clockRate)
}
