package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSystemNowMs(t *testing.T) {
	clk := NewSystem()

	before := time.Now().UnixMilli()
	now := clk.NowMs()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, now, before)
	assert.LessOrEqual(t, now, after)
}

func TestSystemMonotonic(t *testing.T) {
	clk := NewSystem()

	a := clk.MonotonicMs()
	time.Sleep(5 * time.Millisecond)
	b := clk.MonotonicMs()

	assert.GreaterOrEqual(t, a, int64(0))
	assert.Greater(t, b, a)
}

func TestFakeAdvance(t *testing.T) {
	clk := NewFake(1_700_000_000_000)
	assert.Equal(t, int64(1_700_000_000_000), clk.NowMs())

	clk.Advance(10 * time.Second)
	assert.Equal(t, int64(1_700_000_010_000), clk.NowMs())

	clk.Advance(time.Millisecond)
	assert.Equal(t, int64(1_700_000_010_001), clk.NowMs())
}
