package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	fake := NewFake(1_000)
	assert.Equal(t, int64(1_000), fake.NowMs())
	fake.Advance(2 * time.Second)
	assert.Equal(t, int64(3_000), fake.NowMs())
}

func TestFakeSet(t *testing.T) {
	fake := NewFake(0)
	fake.Set(5_000)
	assert.Equal(t, int64(5_000), fake.NowMs())
}

func TestSystemReturnsMonotonicallyNonDecreasing(t *testing.T) {
	sys := System{}
	first := sys.NowMs()
	time.Sleep(time.Millisecond)
	second := sys.NowMs()
	assert.GreaterOrEqual(t, second, first)
}
