// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package profit poses the two product planning problem
//
// maximize 𝐏(x,y) = 4xy - x² - 2y² subject to
//   - budget: x + 2y ≤ 30
//   - demand: xy ≥ 50
//   - capacity: y ≤ 3x²/100 + 5
//   - boundaries: 0 ≤ x ≤ xₘₐₓ, 0 ≤ y ≤ yₘₐₓ
//
// as the minimization of 𝒇(x,y) = -𝐏(x,y) for the sqp package.
package profit

import (
	"errors"
	"math"

	"github.com/curioloop/optimizer/sqp"
)

const (
	DefaultXMax = 15.0
	DefaultYMax = 15.0
)

// Start is the initial guess used when none is given.
var Start = []float64{1, 1}

// Objective is the minimized function 𝒇(x,y) = x² - 4xy + 2y².
func Objective(x, y float64) float64 {
	return x*x - 4*x*y + 2*y*y
}

// Profit is the maximized function, the negation of Objective.
func Profit(x, y float64) float64 {
	return -Objective(x, y)
}

// Budget is 30 - x - 2y ≥ 0.
func Budget(x, y float64) float64 { return 30 - x - 2*y }

// Demand is xy - 50 ≥ 0.
func Demand(x, y float64) float64 { return x*y - 50 }

// Capacity is 3x²/100 + 5 - y ≥ 0.
func Capacity(x, y float64) float64 { return 3*x*x/100 + 5 - y }

// Feasible reports whether (x, y) satisfies all three constraints within tol.
// The bounds are not checked.
func Feasible(x, y, tol float64) bool {
	return Budget(x, y) >= -tol && Demand(x, y) >= -tol && Capacity(x, y) >= -tol
}

func scalar(f func(x, y float64) float64) func([]float64) (float64, error) {
	return func(v []float64) (float64, error) {
		return f(v[0], v[1]), nil
	}
}

// New creates the problem with analytic derivatives and bounds [0,xmax]×[0,ymax].
// A negative limit leaves an empty bound range which the solver reports as sqp.InfeasibleStart.
func New(xmax, ymax float64) *sqp.Problem {
	p := NewNumeric(xmax, ymax)
	p.Object.Derivative = func(v, d []float64) error {
		x, y := v[0], v[1]
		d[0] = 2*x - 4*y
		d[1] = -4*x + 4*y
		return nil
	}
	p.NeqCons[0].Derivative = func(v, d []float64) error {
		d[0], d[1] = -1, -2
		return nil
	}
	p.NeqCons[1].Derivative = func(v, d []float64) error {
		d[0], d[1] = v[1], v[0]
		return nil
	}
	p.NeqCons[2].Derivative = func(v, d []float64) error {
		d[0], d[1] = 6*v[0]/100, -1
		return nil
	}
	return p
}

// NewNumeric creates the problem leaving every derivative to finite differences.
func NewNumeric(xmax, ymax float64) *sqp.Problem {
	return &sqp.Problem{
		N:      2,
		Object: sqp.Evaluation{Function: scalar(Objective)},
		NeqCons: []sqp.Evaluation{
			{Function: scalar(Budget)},
			{Function: scalar(Demand)},
			{Function: scalar(Capacity)},
		},
		Bounds: []sqp.Bound{{Lower: 0, Upper: xmax}, {Lower: 0, Upper: ymax}},
	}
}

// CurvePoint is one sample of the constraint boundaries y = h(x).
type CurvePoint struct {
	X        float64
	Budget   float64 // (30 - x)/2, clipped into [0, 33]
	Demand   float64 // 50/x, clipped into [0, 33]
	Capacity float64 // 3x²/100 + 5, clipped into [0, 15]
	// Feasible marks the samples where the band between Demand and min(Budget, Capacity) is not empty.
	Feasible bool
}

// Curves samples the constraint boundaries at evenly spaced x in [xmin, xmax].
// xmin must be positive since the demand boundary has a pole at zero.
func Curves(xmin, xmax float64, samples int) ([]CurvePoint, error) {
	switch {
	case samples < 2:
		return nil, errors.New("profit: at least 2 samples are required")
	case !(xmin > 0):
		return nil, errors.New("profit: xmin must be positive")
	case !(xmax > xmin) || math.IsInf(xmax, 1):
		return nil, errors.New("profit: xmax must be finite and greater than xmin")
	}

	clip := func(v, hi float64) float64 { return math.Min(math.Max(v, 0), hi) }

	points := make([]CurvePoint, samples)
	step := (xmax - xmin) / float64(samples-1)
	for i := range points {
		x := xmin + float64(i)*step
		if i == samples-1 {
			x = xmax
		}
		p := CurvePoint{
			X:        x,
			Budget:   clip((30-x)/2, 33),
			Demand:   clip(50/x, 33),
			Capacity: clip(3*x*x/100+5, 15),
		}
		p.Feasible = p.Budget >= p.Demand && p.Capacity >= p.Demand
		points[i] = p
	}
	return points, nil
}
