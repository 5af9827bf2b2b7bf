package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayBounds(t *testing.T) {
	base := time.Second
	for n := 0; n < 6; n++ {
		exp := base << n
		for i := 0; i < 50; i++ {
			d := Delay(base, n, 60*time.Second)
			assert.GreaterOrEqual(t, d, exp, "attempt %d", n)
			assert.LessOrEqual(t, d, exp+exp*3/10, "attempt %d", n)
		}
	}
}

func TestDelayClamp(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := Delay(time.Second, 30, 60*time.Second)
		assert.GreaterOrEqual(t, d, 60*time.Second)
		assert.LessOrEqual(t, d, 60*time.Second) // jitter cannot push past the clamp
	}
}
