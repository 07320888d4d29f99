package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicy_Delay(t *testing.T) {
	p := DefaultBackoffPolicy()
	assert.Equal(t, time.Second, p.Delay("job", 1))
	assert.Equal(t, 2*time.Second, p.Delay("job", 2))
	assert.Equal(t, 4*time.Second, p.Delay("job", 3))
	assert.Equal(t, 256*time.Second, p.Delay("job", 9))
	assert.Equal(t, 5*time.Minute, p.Delay("job", 10))
	assert.Equal(t, 5*time.Minute, p.Delay("job", 500))
	assert.Equal(t, time.Second, p.Delay("job", 0))
}

func TestBackoffPolicy_DeterministicJitter(t *testing.T) {
	p := DefaultBackoffPolicy()
	p.MaxJitter = 500 * time.Millisecond

	a := p.Delay("job-1", 2)
	b := p.Delay("job-1", 2)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 2*time.Second)
	assert.Less(t, a, 2*time.Second+500*time.Millisecond)
}
