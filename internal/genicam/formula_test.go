package genicam

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver map[string]float64

func (r mapResolver) intVar(name string) (int64, error) {
	if v, ok := r[name]; ok {
		return int64(v), nil
	}
	return 0, errors.Errorf("unknown %s", name)
}

func (r mapResolver) floatVar(name string) (float64, error) {
	if v, ok := r[name]; ok {
		return v, nil
	}
	return 0, errors.Errorf("unknown %s", name)
}

func TestIntegerFormulas(t *testing.T) {
	vars := mapResolver{"W": 640, "H": 480, "Sel": 2}
	cases := map[string]int64{
		"1+2*3":              7,
		"(1+2)*3":            9,
		"2**3**2":            512,
		"10%4":               2,
		"(1<<4)|1":           17,
		"0xFF&0x0F":          15,
		"6^3":                5,
		"5>3 ? 10 : 20":      10,
		"5<3 ? 10 : 20":      20,
		"1=1":                1,
		"1<>1":               0,
		"3>=3 && 2<=1":       0,
		"0 || 7":             1,
		"-3+~0":              -4,
		"!0":                 1,
		"ABS(-5)":            5,
		"SGN(-9)":            -1,
		"W*H":                307200,
		"Sel=2 ? W : H":      640,
		"0 && (1/0)":         0,
		"(W+15)/16*16":       640,
		"0x80000000 >> 31":   1,
		"TRUNC(7)":           7,
	}
	for src, want := range cases {
		e, err := parseFormula(src)
		require.NoError(t, err, src)
		got, err := evalInt(e, vars)
		require.NoError(t, err, src)
		assert.Equal(t, want, got, src)
	}
}

func TestFloatFormulas(t *testing.T) {
	vars := mapResolver{"TO": 250, "FROM": 1000.5}
	cases := map[string]float64{
		"3/2":           1.5,
		"SQRT(16)":      4,
		"TRUNC(2.7)":    2,
		"FLOOR(-2.5)":   -3,
		"CEIL(2.1)":     3,
		"ROUND(2.5)":    3,
		"TO*0.5":        125,
		"FROM/2":        500.25,
		"1.5e3":         1500,
		"2**0.5*2**0.5": 2,
		"LN(E())":       1,
		"LG(1000)":      3,
	}
	for src, want := range cases {
		e, err := parseFormula(src)
		require.NoError(t, err, src)
		got, err := evalFloat(e, vars)
		require.NoError(t, err, src)
		assert.InDelta(t, want, got, 1e-9, src)
	}

	e, err := parseFormula("PI()")
	require.NoError(t, err)
	got, err := evalFloat(e, vars)
	require.NoError(t, err)
	assert.Equal(t, math.Pi, got)
}

func TestFormulaErrors(t *testing.T) {
	for _, src := range []string{"1+", "(1+2", "1 $ 2", "a ? b", "FOO(1,"} {
		_, err := parseFormula(src)
		assert.Error(t, err, src)
	}

	e, err := parseFormula("1/0")
	require.NoError(t, err)
	_, err = evalInt(e, mapResolver{})
	assert.Error(t, err)

	e, err = parseFormula("Missing+1")
	require.NoError(t, err)
	_, err = evalInt(e, mapResolver{})
	assert.Error(t, err)
}
