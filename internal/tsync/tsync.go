// Package tsync converts camera onboard timestamps into the local clock
// domain with a discrete PID controller in integer arithmetic.
//
// For frame n with onboard time cn and local reading rn, and previous
// camera time cm, derived time tm and error em:
//
//	en = tm + (cn - cm) - rn
//	de = en - em
//	ie = ie + en
//	u  = Kp(en) + Ki(ie) + Kd(de)
//	tn = tm + (cn - cm) + u
//
// All state starts at zero, so the first frames carry a bootstrap transient
// in which tn follows the camera clock. A seeded synchronizer instead takes
// its history from the first frame, so tn starts at the local reading.
//
// Arithmetic saturates at the int64 bounds rather than wrapping.
package tsync

import (
	"math"
	"time"

	"github.com/lanikai/camnode/internal/logging"
)

var log = logging.DefaultLogger.WithTag("tsync")

// Gain is a fixed-point fraction Num/Den.
type Gain struct {
	Num int64 `yaml:"num"`
	Den int64 `yaml:"den"`
}

// Apply returns floor(Num*x / Den). A zero numerator or denominator disables
// the term.
func (g Gain) Apply(x int64) int64 {
	if g.Num == 0 || g.Den == 0 {
		return 0
	}
	return floorDiv(mulSat(g.Num, x), g.Den)
}

func addSat(a, b int64) int64 {
	c := a + b
	if (c > a) != (b > 0) {
		if b > 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return c
}

func subSat(a, b int64) int64 {
	if b == math.MinInt64 {
		if a >= 0 {
			return math.MaxInt64
		}
		return a - b
	}
	return addSat(a, -b)
}

func mulSat(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	c := a * b
	if c/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		if (a < 0) != (b < 0) {
			return math.MinInt64
		}
		return math.MaxInt64
	}
	return c
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

type Gains struct {
	Kp Gain `yaml:"kp"`
	Ki Gain `yaml:"ki"`
	Kd Gain `yaml:"kd"`
}

// DefaultGains is a gentle integral-only pull toward the local clock.
func DefaultGains() Gains {
	return Gains{
		Kp: Gain{0, 1024},
		Ki: Gain{-1, 1024},
		Kd: Gain{0, 1024},
	}
}

// Clock is the local timestamp authority, in nanoseconds.
type Clock interface {
	Now() int64
}

type ClockFunc func() int64

func (f ClockFunc) Now() int64 { return f() }

// SystemClock reads the host wall clock.
var SystemClock Clock = ClockFunc(func() int64 {
	return time.Now().UnixNano()
})

// Sample records one controller step.
type Sample struct {
	Camera     int64 // cn
	Local      int64 // rn
	Error      int64 // en
	Derivative int64 // de
	Integral   int64 // ie after the update
	Output     int64 // u
	Stamp      int64 // tn
}

// Synchronizer holds the controller state. It is not safe for concurrent
// use; the acquisition loop calls it from a single goroutine.
type Synchronizer struct {
	gains Gains
	clock Clock

	// Clamp for the integral accumulator. Zero means unbounded.
	integralLimit int64

	seed    bool
	stepped bool

	cm int64 // camera time, previous frame
	tm int64 // derived time, previous frame
	em int64 // error, previous frame
	ie int64 // accumulated error
}

func New(clock Clock, gains Gains) *Synchronizer {
	if clock == nil {
		clock = SystemClock
	}
	return &Synchronizer{gains: gains, clock: clock}
}

// SetIntegralLimit bounds the integral accumulator to ±limit. This departs
// from the unbounded reference behaviour and is off by default.
func (s *Synchronizer) SetIntegralLimit(limit int64) {
	if limit < 0 {
		limit = -limit
	}
	s.integralLimit = limit
}

// SetSeed makes the first frame set the history: cm to its camera time and
// tm to its local reading, so that frame is stamped with rn exactly.
func (s *Synchronizer) SetSeed(seed bool) {
	s.seed = seed
}

// Derive stamps a frame with onboard time cn, reading the local clock.
func (s *Synchronizer) Derive(cn uint64) uint64 {
	return uint64(s.Step(int64(cn), s.clock.Now()).Stamp)
}

// Step advances the controller with camera time cn and local time rn. The
// result depends only on the inputs and the prior state.
func (s *Synchronizer) Step(cn, rn int64) Sample {
	if s.seed && !s.stepped {
		s.cm, s.tm = cn, rn
	}
	s.stepped = true

	delta := subSat(cn, s.cm)
	en := subSat(addSat(s.tm, delta), rn)
	de := subSat(en, s.em)
	s.ie = addSat(s.ie, en)
	if s.integralLimit > 0 {
		if s.ie > s.integralLimit {
			s.ie = s.integralLimit
		} else if s.ie < -s.integralLimit {
			s.ie = -s.integralLimit
		}
	}

	g := s.gains
	u := addSat(addSat(g.Kp.Apply(en), g.Ki.Apply(s.ie)), g.Kd.Apply(de))
	tn := addSat(addSat(s.tm, delta), u)

	log.Trace(5, "en=%16d ie=%16d de=%16d u=%16d cn-cm=%8d tn-rn=%d", en, s.ie, de, u, delta, tn-rn)

	s.cm = cn
	s.tm = tn
	s.em = en

	return Sample{
		Camera:     cn,
		Local:      rn,
		Error:      en,
		Derivative: de,
		Integral:   s.ie,
		Output:     u,
		Stamp:      tn,
	}
}
