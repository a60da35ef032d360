package camera

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProbeCachesResult(t *testing.T) {
	calls := 0
	p := &Probe{ttl: time.Hour, check: func() bool {
		calls++
		return true
	}}

	assert.True(t, p.Active())
	assert.True(t, p.Active())
	assert.Equal(t, 1, calls)
}

func TestProbeRefreshesAfterTTL(t *testing.T) {
	calls := 0
	p := &Probe{ttl: time.Nanosecond, check: func() bool {
		calls++
		return calls%2 == 0
	}}

	assert.False(t, p.Active())
	time.Sleep(time.Millisecond)
	assert.True(t, p.Active())
	assert.Equal(t, 2, calls)
}

func TestAnyInUse(t *testing.T) {
	busy := map[string]bool{"/dev/video1": true}
	inUse := func(dev string) bool { return busy[dev] }

	assert.True(t, anyInUse([]string{"/dev/video0", "/dev/video1"}, inUse))
	assert.False(t, anyInUse([]string{"/dev/video0"}, inUse))
	assert.False(t, anyInUse(nil, inUse))
}
