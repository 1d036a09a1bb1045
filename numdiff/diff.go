package numdiff

import (
	"errors"
	"fmt"
	"math"
)

// DefaultRelStep is the relative step of the Forward method when neither RelStep nor AbsStep is given.
const DefaultRelStep = 1e-7

// cubeEps is the default relative step of the Central method.
var cubeEps = math.Cbrt(math.Nextafter(1, 2) - 1)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use central difference in interior points and the second order accuracy
	// forward or backward difference near the boundary.
	Central
)

func (m Method) String() string {
	switch m {
	case Forward:
		return "forward"
	case Central:
		return "central"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

type Bound [2]float64

// ApproxSpec estimates the Jacobian of 𝒇 : ℝⁿ → ℝᵐ by finite differences.
//
// The step for the i-th variable is 𝐡ᵢ = 𝚛𝚎𝚕 · 𝚜𝚒𝚐𝚗(𝐱ᵢ) · 𝚖𝚊𝚡(1, |𝐱ᵢ|),
// flipped or shrunk when 𝐱ᵢ + 𝐡ᵢ would leave the bounds.
//
// An ApproxSpec keeps scratch buffers between calls, so it must not be shared by goroutines.
//
// # Reference:
//
//   - https://en.wikipedia.org/wiki/Finite_difference
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_numdiff.py
type ApproxSpec struct {
	N, M int
	// Function of which to estimate the derivatives.
	// The argument x is an n-vector and the result is stored in the m-vector y.
	// Errors are returned unchanged from Diff.
	Object func(x, y []float64) error
	// Finite difference method to use.
	Method Method
	// Lower and upper bounds on independent variables.
	// Perturbed points never leave them.
	Bounds []Bound
	// Relative step size. When zero, DefaultRelStep for Forward and ∛ε for Central.
	RelStep float64
	// Absolute step size, possibly adjusted to fit into the bounds.
	// For Central method the sign of AbsStep is ignored.
	AbsStep float64
	// Don't check if x0 is out of bounds.
	NotChkBnd bool

	f0, f1, f2 []float64
	step       []float64
	oneSide    []bool
}

// Check validates the settings against x0 and jac and sizes the scratch buffers.
func (as *ApproxSpec) Check(x0, jac []float64) error {
	switch {
	case as.N <= 0 || as.M <= 0:
		return errors.New("numdiff: non-positive dimensions")
	case as.Method != Forward && as.Method != Central:
		return errors.New("numdiff: unknown method")
	case as.Object == nil:
		return errors.New("numdiff: object function is required")
	case as.N != len(x0):
		return errors.New("numdiff: invalid x0 dimension")
	case as.N*as.M != len(jac):
		return errors.New("numdiff: invalid jacobian dimension")
	case as.RelStep < 0:
		return errors.New("numdiff: negative relative step")
	}

	if as.Bounds != nil {
		if len(as.Bounds) != as.N {
			return errors.New("numdiff: invalid bound dimension")
		}
		for i, b := range as.Bounds {
			lb, ub := lower(b), upper(b)
			if lb > ub {
				return fmt.Errorf("numdiff: empty bound range at %d", i)
			}
			if !as.NotChkBnd && (x0[i] < lb || x0[i] > ub) {
				return fmt.Errorf("numdiff: x0[%d] violates bound constraints", i)
			}
		}
	}

	if len(as.f0) != as.M {
		as.f0 = make([]float64, as.M)
		as.f1 = make([]float64, as.M)
		as.f2 = make([]float64, as.M)
	}
	if len(as.step) != as.N {
		as.step = make([]float64, as.N)
		as.oneSide = make([]bool, as.N)
	}
	return nil
}

// Diff stores the approximated m×n Jacobian in jac (row major, jac[j*n+i] = ∂𝒇ⱼ/∂𝐱ᵢ).
// x0 is used as scratch during the call and restored before return.
func (as *ApproxSpec) Diff(x0, jac []float64) error {
	if err := as.Check(x0, jac); err != nil {
		return err
	}

	as.absoluteStep(x0)
	as.adjustToBounds(x0)

	if err := as.Object(x0, as.f0); err != nil {
		return err
	}
	if as.Method == Central {
		return as.approxCentral(x0, jac)
	}
	return as.approxForward(x0, jac)
}

func lower(b Bound) float64 {
	if math.IsNaN(b[0]) {
		return math.Inf(-1)
	}
	return b[0]
}

func upper(b Bound) float64 {
	if math.IsNaN(b[1]) {
		return math.Inf(1)
	}
	return b[1]
}

func (as *ApproxSpec) absoluteStep(x0 []float64) {
	rel := as.RelStep
	if rel == 0 {
		rel = DefaultRelStep
		if as.Method == Central {
			rel = cubeEps
		}
	}
	for i, v := range x0 {
		s := as.AbsStep
		if s == 0 || (v+s)-v == 0 {
			s = math.Copysign(rel, v) * math.Max(1, math.Abs(v))
		}
		as.step[i] = s
		as.oneSide[i] = as.Method == Forward
	}
}

// adjustToBounds keeps every perturbed point inside the bounds.
// A variable without room on either side gets a zero step.
func (as *ApproxSpec) adjustToBounds(x0 []float64) {
	h, o := as.step, as.oneSide
	if as.Method == Central {
		for i, s := range h {
			h[i] = math.Abs(s)
		}
	}
	if as.Bounds == nil {
		return
	}

	for i, x := range x0 {
		lb, ub := lower(as.Bounds[i]), upper(as.Bounds[i])
		ld, ud := x-lb, ub-x
		if as.Method == Forward {
			switch {
			case x+h[i] >= lb && x+h[i] <= ub:
			case math.Abs(h[i]) <= math.Max(ld, ud):
				h[i] = -h[i]
			case ud >= ld:
				h[i] = ud
			default:
				h[i] = -ld
			}
			continue
		}
		if ld >= h[i] && ud >= h[i] {
			continue
		}
		// Fall back to a one-sided three-point formula, which needs room for 2h.
		o[i] = true
		if ud >= ld {
			h[i] = math.Min(h[i], 0.5*ud)
		} else {
			h[i] = -math.Min(h[i], 0.5*ld)
		}
		if m := math.Min(ld, ud); math.Abs(h[i]) <= m {
			h[i], o[i] = m, false
		}
	}
}

func (as *ApproxSpec) approxForward(x0, jac []float64) error {
	n, f0, fx := as.N, as.f0, as.f1
	for i, s := range as.step {
		if s == 0 {
			zeroColumn(jac, i, n)
			continue
		}
		t := x0[i]
		x0[i] = t + s
		s = x0[i] - t
		err := as.Object(x0, fx)
		x0[i] = t
		if err != nil {
			return err
		}
		d := 1 / s
		for j := range f0 {
			jac[j*n+i] = (fx[j] - f0[j]) * d
		}
	}
	return nil
}

func (as *ApproxSpec) approxCentral(x0, jac []float64) error {
	n, f0, f1, f2 := as.N, as.f0, as.f1, as.f2
	for i, s := range as.step {
		if s == 0 {
			zeroColumn(jac, i, n)
			continue
		}
		t := x0[i]
		var err error
		if as.oneSide[i] {
			x0[i] = t + s
			if err = as.Object(x0, f1); err == nil {
				x0[i] = t + 2*s
				err = as.Object(x0, f2)
			}
			x0[i] = t
			if err != nil {
				return err
			}
			d := 1 / (2 * s)
			for j := range f0 {
				jac[j*n+i] = (4*f1[j] - 3*f0[j] - f2[j]) * d
			}
			continue
		}
		x0[i] = t - s
		if err = as.Object(x0, f1); err == nil {
			x0[i] = t + s
			err = as.Object(x0, f2)
		}
		x0[i] = t
		if err != nil {
			return err
		}
		d := 1 / (2 * s)
		for j := range f0 {
			jac[j*n+i] = (f2[j] - f1[j]) * d
		}
	}
	return nil
}

func zeroColumn(jac []float64, i, n int) {
	for k := i; k < len(jac); k += n {
		jac[k] = 0
	}
}

// Gradient approximates ∇f(x0) of a scalar function with forward differences.
// bounds may be nil.
func Gradient(f func(x []float64) (float64, error), x0 []float64, bounds []Bound, relStep float64) ([]float64, error) {
	as := ApproxSpec{
		N: len(x0), M: 1,
		Object: func(x, y []float64) (err error) {
			y[0], err = f(x)
			return
		},
		Bounds:  bounds,
		RelStep: relStep,
	}
	g := make([]float64, len(x0))
	x := append([]float64(nil), x0...)
	if err := as.Diff(x, g); err != nil {
		return nil, err
	}
	return g, nil
}
