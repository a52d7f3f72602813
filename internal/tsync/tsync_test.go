package tsync

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGainFloorDivision(t *testing.T) {
	assert.EqualValues(t, -1, Gain{-1, 1024}.Apply(100))
	assert.EqualValues(t, 0, Gain{-1, 1024}.Apply(0))
	assert.EqualValues(t, -1, Gain{-1, 1024}.Apply(1024))
	assert.EqualValues(t, -2, Gain{-1, 1024}.Apply(1025))
	assert.EqualValues(t, 0, Gain{-1, 1024}.Apply(-100))
	assert.EqualValues(t, 3, Gain{3, 4}.Apply(4))
	assert.EqualValues(t, 0, Gain{0, 1024}.Apply(1 << 40))
	assert.EqualValues(t, 0, Gain{5, 0}.Apply(7))
}

func TestBootstrapFromZeroState(t *testing.T) {
	s := New(nil, Gains{Ki: Gain{-1, 1024}, Kp: Gain{0, 1024}, Kd: Gain{0, 1024}})
	sample := s.Step(1000, 900)

	assert.EqualValues(t, 100, sample.Error)
	assert.EqualValues(t, 100, sample.Integral)
	assert.EqualValues(t, -1, sample.Output)
	assert.EqualValues(t, 999, sample.Stamp)
}

func TestDeriveUsesClock(t *testing.T) {
	now := int64(900)
	s := New(ClockFunc(func() int64 { return now }), DefaultGains())
	assert.EqualValues(t, 999, s.Derive(1000))

	now = 1900
	// en = 999 + 1000 - 1900 = 99, ie = 199, u = floor(-199/1024) = -1
	assert.EqualValues(t, 1998, s.Derive(2000))
}

type input struct{ cn, rn int64 }

func replay(gains Gains, inputs []input) []int64 {
	s := New(nil, gains)
	var out []int64
	for _, in := range inputs {
		out = append(out, s.Step(in.cn, in.rn).Stamp)
	}
	return out
}

func TestReplayIsDeterministic(t *testing.T) {
	var inputs []input
	cn, rn := int64(5_000_000_000), int64(1_700_000_000_000_000_000)
	for i := 0; i < 500; i++ {
		cn += 33_333_333 + int64(i%7)*1000
		rn += 33_333_000 + int64(i%5)*20_000
		inputs = append(inputs, input{cn, rn})
	}
	gains := Gains{Kp: Gain{-1, 16}, Ki: Gain{-1, 1024}, Kd: Gain{1, 64}}

	a := replay(gains, inputs)
	b := replay(gains, inputs)
	assert.Equal(t, a, b)
	assert.Len(t, a, 500)
}

func TestIntegralLimit(t *testing.T) {
	s := New(nil, DefaultGains())
	s.SetIntegralLimit(-1000)
	for i := int64(1); i <= 10; i++ {
		sample := s.Step(i*10_000, 0)
		assert.LessOrEqual(t, sample.Integral, int64(1000))
		assert.GreaterOrEqual(t, sample.Integral, int64(-1000))
	}
}

func TestUnclampedIntegralAccumulates(t *testing.T) {
	s := New(nil, Gains{})
	var last Sample
	for i := int64(1); i <= 3; i++ {
		last = s.Step(i*100, 0)
	}
	// With zero gains tn tracks the camera, so en = cn each step.
	assert.EqualValues(t, 100+200+300, last.Integral)
	assert.EqualValues(t, 300, last.Stamp)
}

func TestSaturatingArithmetic(t *testing.T) {
	assert.EqualValues(t, int64(math.MaxInt64), addSat(math.MaxInt64-1, 5))
	assert.EqualValues(t, int64(math.MinInt64), addSat(math.MinInt64+1, -5))
	assert.EqualValues(t, 7, addSat(3, 4))
	assert.EqualValues(t, int64(math.MaxInt64), subSat(0, math.MinInt64))
	assert.EqualValues(t, -1, subSat(math.MinInt64, math.MinInt64+1))
	assert.EqualValues(t, int64(math.MaxInt64), mulSat(-1, math.MinInt64))
	assert.EqualValues(t, int64(math.MaxInt64), mulSat(math.MinInt64, -1))
	assert.EqualValues(t, int64(math.MinInt64), mulSat(1<<40, -(1 << 40)))
	assert.EqualValues(t, -12, mulSat(3, -4))
	assert.EqualValues(t, int64(math.MaxInt64/1024), Gain{-1, 1024}.Apply(math.MinInt64))
}

// A camera clock counting from power-on against the host wall clock.
func epochInputs(n int) []input {
	var inputs []input
	cn, rn := int64(5_000_000_000), int64(1_760_000_000_000_000_000)
	for i := 0; i < n; i++ {
		cn += 33_333_333
		rn += 33_333_333
		inputs = append(inputs, input{cn, rn})
	}
	return inputs
}

func TestLargeClockOffsetSaturates(t *testing.T) {
	s := New(nil, DefaultGains())
	var prev Sample
	for i, in := range epochInputs(100) {
		sample := s.Step(in.cn, in.rn)
		assert.Less(t, sample.Error, int64(0))
		assert.LessOrEqual(t, sample.Integral, int64(0), "frame %d", i)
		if i > 0 {
			assert.LessOrEqual(t, sample.Integral, prev.Integral, "frame %d", i)
			assert.Greater(t, sample.Stamp, prev.Stamp, "frame %d", i)
		}
		prev = sample
	}
	assert.EqualValues(t, int64(math.MinInt64), prev.Integral)
}

func TestSeedStartsAtLocalClock(t *testing.T) {
	s := New(nil, DefaultGains())
	s.SetSeed(true)
	for _, in := range epochInputs(50) {
		sample := s.Step(in.cn, in.rn)
		assert.EqualValues(t, 0, sample.Error)
		assert.EqualValues(t, 0, sample.Integral)
		assert.Equal(t, in.rn, sample.Stamp)
	}
}

func TestSeededStampsIncrease(t *testing.T) {
	s := New(nil, DefaultGains())
	s.SetSeed(true)
	cn, rn := int64(5_000_000_000), int64(1_760_000_000_000_000_000)
	var prev int64
	for i := 0; i < 1000; i++ {
		// 250 ppm fast camera, with up to 4ms of arrival jitter.
		cn += 5_001_250
		jitter := int64(i%9) * 500_000
		sample := s.Step(cn, rn+jitter)
		rn += 5_000_000
		if i > 0 {
			assert.Greater(t, sample.Stamp, prev, "frame %d", i)
		}
		assert.InDelta(t, float64(rn), float64(sample.Stamp), 50e6)
		prev = sample.Stamp
	}
}
