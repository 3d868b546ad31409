package miner

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fixedRandom struct {
	n   uint64
	err error
}

func (r fixedRandom) Uint64() (uint64, error) { return r.n, r.err }

func TestBackoff(t *testing.T) {
	m := Miner{backoffMin: 100 * time.Millisecond, backoffMax: time.Second, random: fixedRandom{n: 0}}

	assert.Equal(t, 50*time.Millisecond, m.backoff(1))
	assert.Equal(t, 100*time.Millisecond, m.backoff(2))
	assert.Equal(t, 200*time.Millisecond, m.backoff(3))
	assert.Equal(t, 500*time.Millisecond, m.backoff(5))
	assert.Equal(t, 500*time.Millisecond, m.backoff(1000))

	m.random = fixedRandom{n: ^uint64(0)}
	for failures := 1; failures < 50; failures++ {
		d := m.backoff(failures)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}

	m.random = fixedRandom{err: errors.New("no randomness")}
	assert.Equal(t, time.Second, m.backoff(10))
}
