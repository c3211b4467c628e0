package idle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestDetector(threshold float64, duration time.Duration, pct *float64, perr *error, clock *time.Time) *Detector {
	d := newWithSampler(threshold, duration, func() (float64, error) {
		if perr != nil && *perr != nil {
			return 0, *perr
		}
		return *pct, nil
	})
	d.now = func() time.Time { return *clock }
	return d
}

func TestIsIdleRequiresSustainedLowUsage(t *testing.T) {
	pct := 5.0
	clock := time.Now()
	d := newTestDetector(10, 100*time.Millisecond, &pct, nil, &clock)

	assert.False(t, d.IsIdle(), "first low sample only starts the clock")

	clock = clock.Add(50 * time.Millisecond)
	assert.False(t, d.IsIdle(), "not yet past idle duration")

	clock = clock.Add(60 * time.Millisecond)
	assert.True(t, d.IsIdle(), "sustained past idle duration")
}

func TestHighUsageResetsStartInstant(t *testing.T) {
	pct := 5.0
	clock := time.Now()
	d := newTestDetector(10, 100*time.Millisecond, &pct, nil, &clock)

	d.IsIdle()
	clock = clock.Add(90 * time.Millisecond)
	pct = 50.0 // spike above threshold
	assert.False(t, d.IsIdle())

	pct = 5.0
	clock = clock.Add(90 * time.Millisecond)
	assert.False(t, d.IsIdle(), "clock restarted by the spike")

	clock = clock.Add(20 * time.Millisecond)
	assert.True(t, d.IsIdle())
}

func TestPersistentHighUsageNeverIdle(t *testing.T) {
	pct := 90.0
	clock := time.Now()
	d := newTestDetector(10, 50*time.Millisecond, &pct, nil, &clock)
	for i := 0; i < 10; i++ {
		clock = clock.Add(time.Second)
		assert.False(t, d.IsIdle())
	}
}

func TestUpdateConfigResetsStartInstant(t *testing.T) {
	pct := 5.0
	clock := time.Now()
	d := newTestDetector(10, 100*time.Millisecond, &pct, nil, &clock)

	d.IsIdle()
	clock = clock.Add(90 * time.Millisecond)
	d.UpdateConfig(10, 100*time.Millisecond)
	assert.False(t, d.IsIdle(), "update reset the start instant")
}

func TestSampleErrorTreatedAsNotIdle(t *testing.T) {
	pct := 5.0
	clock := time.Now()
	var perr error
	d := newTestDetector(10, 50*time.Millisecond, &pct, &perr, &clock)

	perr = errors.New("sampling failed")
	assert.False(t, d.IsIdle())
}
