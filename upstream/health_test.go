package upstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_Health_Transitions(t *testing.T) {
	h := NewHealth()
	assert.Equal(t, Healthy, h.State())

	h.Fail()
	h.Fail()
	assert.Equal(t, Healthy, h.State())

	h.Fail()
	assert.Equal(t, Degraded, h.State())

	h.Fail()
	h.Fail()
	assert.Equal(t, Unhealthy, h.State())
}

func Test_Health_SuccessResetsFailureRun(t *testing.T) {
	h := NewHealth()

	h.Fail()
	h.Fail()
	h.Success()

	// the run restarts, two more failures stay below the threshold
	h.Fail()
	h.Fail()
	assert.Equal(t, Healthy, h.State())
}

func Test_Health_Recovery(t *testing.T) {
	h := NewHealth()
	for i := 0; i < unhealthyThreshold; i++ {
		h.Fail()
	}
	assert.Equal(t, Unhealthy, h.State())

	h.Success()
	assert.Equal(t, Unhealthy, h.State())

	h.Success()
	assert.Equal(t, Healthy, h.State())
}

func Test_Health_ProbeCooldown(t *testing.T) {
	h := NewHealth()

	now := time.Now()
	h.now = func() time.Time { return now }

	for i := 0; i < unhealthyThreshold; i++ {
		h.Fail()
	}

	assert.False(t, h.Available())

	// past the cooldown exactly one probe is admitted
	now = now.Add(probeCooldown + time.Second)
	assert.True(t, h.Available())
	assert.False(t, h.Available())
}

func Test_Health_ConcurrentCounters(t *testing.T) {
	h := NewHealth()

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < 1000; j++ {
				h.Fail()
				h.Success()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	// counters stay consistent, no torn state
	assert.Contains(t, []State{Healthy, Degraded, Unhealthy}, h.State())
}
