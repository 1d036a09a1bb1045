// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqp

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/curioloop/optimizer/numdiff"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// solver solves a small dense NLP with SQP (Sequential Quadratic Programming)
//
// minimize 𝒇(𝐱) subject to
//   - inequality constrains: 𝒄ⱼ(𝐱) ≥ 0  (j = 1 ··· m)
//   - boundaries: 𝒍ᵢ ≤ 𝐱ᵢ ≤ 𝒖ᵢ (i = 1 ··· n)
//
// # Direction
//
// With the Lagrangian ℒ(𝐱,𝛌) = 𝒇(𝐱) - ∑𝛌ⱼ𝒄ⱼ(𝐱) and a positive definite 𝐁ᵏ ≈ 𝜵²ℒ(𝐱ᵏ,𝛌ᵏ),
// the direction 𝐝 solves the QP sub-problem
//
// minimize ½ 𝐝ᵀ𝐁ᵏ𝐝 + 𝜵𝒇(𝐱ᵏ)ᵀ𝐝 subject to
//   - 𝜵𝒄ⱼ(𝐱ᵏ)ᵀ𝐝 + 𝒄ⱼ(𝐱ᵏ) ≥ 0  (j = 1 ··· m)
//   - 𝒍 - 𝐱ᵏ ≤ 𝐝 ≤ 𝒖 - 𝐱ᵏ
//
// which is solved on its KKT system by a dual active-set method (see quadProg.solve).
// A constraint whose gradient vanishes carries no first order information and is left out.
//
// # Inconsistent Constraints
//
// When no 𝐝 satisfies the linearized constraints, the augmented QP with slack 𝛅 is solved instead
//
// minimize ½ 𝐝ᵀ𝐁ᵏ𝐝 + 𝜵𝒇(𝐱ᵏ)ᵀ𝐝 + ½𝛒𝛅² subject to
//   - 𝜵𝒄ⱼ(𝐱ᵏ)ᵀ𝐝 + 𝒄ⱼ(𝐱ᵏ) + 𝛅𝚖𝚊𝚡(0,-𝒄ⱼ(𝐱ᵏ)) ≥ 0  (j = 1 ··· m)
//   - 0 ≤ 𝛅 ≤ 1
//
// which is feasible at 𝐝 = 0, 𝛅 = 1. 𝛒 starts at 10² and grows ten times per retry.
// An iteration on the augmented problem never reports convergence.
//
// # Step
//
// The step length 𝛂 is found by backtracking on the L1 merit function
//
//	𝟇(𝐱;𝛒) = 𝒇(𝐱) + ∑𝛒ⱼ𝚖𝚊𝚡(0,-𝒄ⱼ(𝐱))
//
// with the penalties 𝛒ⱼᵏ⁺¹ = 𝚖𝚊𝚡[ ½(𝛒ⱼᵏ+|𝛌ⱼ|), |𝛌ⱼ|(1+10⁻⁶) ] and the directional derivative
//
//	𝐃 = 𝜵𝒇(𝐱ᵏ)ᵀ𝐝 - (1 - 𝛅)∑𝛒ⱼ𝚖𝚊𝚡(0,-𝒄ⱼ(𝐱ᵏ))
//
// 𝛂 halves from 𝚖𝚒𝚗(1, Δ/‖𝐝‖) until 𝟇(𝐱ᵏ+𝛂𝐝) ≤ 𝟇(𝐱ᵏ) + η𝛂𝚖𝚒𝚗(𝐃,0) + ϵ𝟇 where
// ϵ𝟇 = 4ε(1+|𝟇(𝐱ᵏ)|) is the rounding level of the merit.
// A direction with 𝐃 > ϵ𝟇 resets 𝐁ᵏ = 𝐈. A zero direction at an infeasible point stops the search.
//
// # Convergence Criteria
//
// Right after the QP sub-problem is solved:
//   - C𝑠𝑡𝑝 = ‖𝐝‖₂
//   - C𝑘𝑘𝑡 = ‖𝜵𝒇(𝐱ᵏ) - ∑𝛌ⱼ𝜵𝒄ⱼ(𝐱ᵏ) - 𝛎‖₂ with 𝛎 the multipliers of the bounds
//   - C𝑣𝑖𝑜 = ∑𝚖𝚊𝚡(0,-𝒄ⱼ(𝐱ᵏ))
//
// must all be below the tolerance. When gradients come from finite differences,
// C𝑠𝑡𝑝 and C𝑘𝑘𝑡 are compared against the larger of the tolerance and the estimated
// gradient error (ε/h + h for forward, ε/h + h² for central, scaled by the gradient norms).
//
// # Reference
//
//   - Dieter Kraft: "A software package for sequential quadratic programming". DFVLR-FB 88-28, 1988
//   - M.J.D. Powell: "A fast algorithm for nonlinearly constrained optimization calculations", 1978
type solver struct {
	optimizer *Optimizer
	opts      *Options

	location *location
	trial    *location

	hess *mat.SymDense

	// multipliers of the general constraints
	lambda []float64
	// L1 penalty weights
	rho []float64
	// row ids of the previous binding set
	active []int
	// constraints taking part in the current QP
	include []bool

	iter    int
	reset   int
	numEval int

	fd numdiff.ApproxSpec
}

type location struct {
	f float64
	x []float64   // n
	c []float64   // m
	g []float64   // n
	a [][]float64 // m × n
}

func newLocation(n, m int) *location {
	loc := &location{
		x: make([]float64, n),
		c: make([]float64, m),
		g: make([]float64, n),
		a: make([][]float64, m),
	}
	for j := range loc.a {
		loc.a[j] = make([]float64, n)
	}
	return loc
}

func newSolver(o *Optimizer, x0 []float64) *solver {
	s := &solver{
		optimizer: o,
		opts:      &o.opts,
		location:  newLocation(o.n, o.m),
		trial:     newLocation(o.n, o.m),
		lambda:    make([]float64, o.m),
		rho:       make([]float64, o.m),
		include:   make([]bool, o.m),
	}
	copy(s.location.x, x0)

	bounds := make([]numdiff.Bound, o.n)
	for i := range bounds {
		bounds[i] = numdiff.Bound{o.lower[i], o.upper[i]}
	}
	s.fd = numdiff.ApproxSpec{
		N: o.n, M: 1,
		Method:  o.opts.Method,
		RelStep: o.opts.RelStep,
		Bounds:  bounds,
	}
	return s
}

func (s *solver) clamp(x []float64) {
	o := s.optimizer
	for i, v := range x {
		x[i] = math.Min(math.Max(v, o.lower[i]), o.upper[i])
	}
}

// call runs fn and turns an error or a panic into an EvaluationError.
func call(name string, index int, x []float64, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &EvaluationError{Name: name, Index: index, X: slices.Clone(x), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if e := fn(); e != nil {
		var ee *EvaluationError
		if errors.As(e, &ee) {
			return ee
		}
		err = &EvaluationError{Name: name, Index: index, X: slices.Clone(x), Err: e}
	}
	return
}

func (s *solver) function(k int) (name string, index int, ev Evaluation) {
	if k < 0 {
		return "objective", -1, s.optimizer.object
	}
	return "constraint", k, s.optimizer.cons[k]
}

// value evaluates the objective (k < 0) or the k-th constraint.
func (s *solver) value(k int, x []float64) (v float64, err error) {
	name, index, ev := s.function(k)
	if k < 0 {
		s.numEval++
	}
	err = call(name, index, x, func() (e error) {
		v, e = ev.Function(x)
		return
	})
	return
}

// gradient writes the derivative of the objective (k < 0) or the k-th constraint into d.
func (s *solver) gradient(k int, x, d []float64) error {
	name, index, ev := s.function(k)
	if ev.Derivative != nil {
		return call(name, index, x, func() error {
			return ev.Derivative(x, d)
		})
	}
	s.fd.Object = func(x, y []float64) (err error) {
		y[0], err = s.value(k, x)
		return
	}
	xt := slices.Clone(x)
	return call(name, index, x, func() error {
		return s.fd.Diff(xt, d)
	})
}

// evalFunc sets loc.f = 𝒇(𝐱) and loc.c = 𝒄(𝐱).
func (s *solver) evalFunc(loc *location) (err error) {
	if loc.f, err = s.value(-1, loc.x); err != nil {
		return
	}
	for j := range loc.c {
		if loc.c[j], err = s.value(j, loc.x); err != nil {
			return
		}
	}
	return
}

// evalGrad sets loc.g = 𝜵𝒇(𝐱) and loc.a = 𝜵𝒄(𝐱).
func (s *solver) evalGrad(loc *location) error {
	if err := s.gradient(-1, loc.x, loc.g); err != nil {
		return err
	}
	for j, a := range loc.a {
		if err := s.gradient(j, loc.x, a); err != nil {
			return err
		}
	}
	return nil
}

func (s *solver) resetHessian() {
	s.hess = identity(s.optimizer.n)
}

// screen marks the constraints with a non-vanishing gradient as part of the next QP.
func (s *solver) screen(loc *location) {
	log := s.opts.Logger
	for j, a := range loc.a {
		s.include[j] = floats.Norm(a, math.Inf(1)) > zeroNormal
		if s.include[j] {
			continue
		}
		if c := loc.c[j]; c <= degenerateViolation {
			log.Warn("constraint gradient vanishes", "iter", s.iter, "index", j, "c", c)
		} else {
			log.Debug("constraint gradient vanishes", "iter", s.iter, "index", j, "c", c)
		}
	}
}

// subProblem forms the QP at loc, augmented with the slack 𝛅 when rho > 0.
func (s *solver) subProblem(loc *location, rho float64) (*quadProg, error) {
	o := s.optimizer
	n, m := o.n, o.m

	dim := n
	if rho > zero {
		dim++
	}

	h := mat.NewSymDense(dim, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			h.SetSym(i, j, s.hess.At(i, j))
		}
	}
	if rho > zero {
		h.SetSym(n, n, rho)
	}

	qp := &quadProg{n: dim, g: make([]float64, dim)}
	if !qp.chol.Factorize(h) {
		return nil, errWorkingSet
	}
	copy(qp.g, loc.g)

	// 𝜵𝒄ⱼ(𝐱ᵏ)ᵀ𝐝 + 𝛅𝚖𝚊𝚡(0,-𝒄ⱼ(𝐱ᵏ)) ≥ -𝒄ⱼ(𝐱ᵏ)
	for j, c := range loc.c {
		if !s.include[j] {
			continue
		}
		row := make([]float64, dim)
		copy(row, loc.a[j])
		if rho > zero {
			row[n] = math.Max(-c, zero)
		}
		qp.addRow(j, row, -c)
	}

	// 𝐝 ≥ 𝒍 - 𝐱ᵏ and -𝐝 ≥ 𝐱ᵏ - 𝒖
	for i, x := range loc.x {
		if l := o.lower[i]; !math.IsInf(l, -1) {
			row := make([]float64, dim)
			row[i] = one
			qp.addRow(m+i, row, l-x)
		}
		if u := o.upper[i]; !math.IsInf(u, 1) {
			row := make([]float64, dim)
			row[i] = -one
			qp.addRow(m+n+i, row, x-u)
		}
	}

	// 0 ≤ 𝛅 ≤ 1
	if rho > zero {
		row := make([]float64, dim)
		row[n] = one
		qp.addRow(m+2*n, row, zero)
		row = make([]float64, dim)
		row[n] = -one
		qp.addRow(m+2*n+1, row, -one)
	}
	return qp, nil
}

// direction solves the QP sub-problem at loc, falling back to the augmented problem
// when the linearized constraints are inconsistent.
func (s *solver) direction(loc *location) (qp *quadProg, sol *qpSolution, relaxed bool, err error) {
	limit := s.opts.SubIterations
	if qp, err = s.subProblem(loc, zero); err != nil {
		return
	}
	if sol, err = qp.solve(s.active, limit); !errors.Is(err, errInconsistent) {
		return
	}

	relaxed = true
	rho := hun // 𝛒 = 10²
	for relax := 0; relax <= maxRelax; relax++ {
		if qp, err = s.subProblem(loc, rho); err != nil {
			return
		}
		if sol, err = qp.solve(s.active, limit); !errors.Is(err, errInconsistent) {
			return
		}
		rho *= ten // 𝛒 = 𝛒 × 10
	}
	return
}

// kktNorm returns ‖𝐠 - ∑𝛌ᵣ𝐚ᵣ‖₂ over every row of the sub-problem restricted to 𝐱.
func kktNorm(qp *quadProg, sol *qpSolution, n int) float64 {
	r := slices.Clone(qp.g[:n])
	for i, l := range sol.lambda {
		if l != zero {
			floats.AddScaled(r, -l, qp.rows[i][:n])
		}
	}
	return floats.Norm(r, 2)
}

// violation returns ∑𝚖𝚊𝚡(0,-𝒄ⱼ).
func violation(c []float64) (v float64) {
	for _, c := range c {
		v += math.Max(-c, zero)
	}
	return
}

// merit returns 𝟇(𝐱;𝛒) = 𝒇(𝐱) + ∑𝛒ⱼ𝚖𝚊𝚡(0,-𝒄ⱼ(𝐱)).
func (s *solver) merit(loc *location) float64 {
	t := loc.f
	for j, c := range loc.c {
		t += s.rho[j] * math.Max(-c, zero)
	}
	return t
}

// lagrangian returns 𝜵ℒ(𝐱,𝛌) = 𝜵𝒇(𝐱) - ∑𝛌ⱼ𝜵𝒄ⱼ(𝐱).
func (s *solver) lagrangian(loc *location) []float64 {
	gl := slices.Clone(loc.g)
	for j, l := range s.lambda {
		if l != zero {
			floats.AddScaled(gl, -l, loc.a[j])
		}
	}
	return gl
}

// gradientError estimates the error that finite differences leave in the KKT residual.
// It is zero when every derivative is supplied.
func (s *solver) gradientError(loc *location) float64 {
	o := s.optimizer
	numeric, scale := false, one
	if o.object.Derivative == nil {
		numeric = true
		scale += floats.Norm(loc.g, 2)
	}
	for j, ev := range o.cons {
		if ev.Derivative == nil {
			numeric = true
			scale += math.Abs(s.lambda[j]) * floats.Norm(loc.a[j], 2)
		}
	}
	if !numeric {
		return zero
	}
	// rounding ε/h plus truncation h (forward) or h² (central)
	rel := s.opts.RelStep
	if s.opts.Method == numdiff.Central {
		if rel == zero {
			rel = math.Cbrt(eps)
		}
		return (eps/rel + rel*rel) * scale
	}
	if rel == zero {
		rel = numdiff.DefaultRelStep
	}
	return (eps/rel + rel) * scale
}

func (s *solver) mainLoop() (Status, error) {

	o, opts, log := s.optimizer, s.opts, s.opts.Logger
	n := o.n

	loc := s.location
	s.clamp(loc.x)
	if err := s.evalFunc(loc); err != nil {
		return 0, err
	}
	if err := s.evalGrad(loc); err != nil {
		return 0, err
	}
	s.resetHessian()

	for {

		if s.iter >= opts.MaxIterations {
			return MaxIterationsReached, nil
		}
		s.iter++

		s.screen(loc)
		qp, sol, relaxed, err := s.direction(loc)
		if err != nil {
			log.Debug("sub-problem failed", "iter", s.iter, "err", err)
			return LineSearchFailed, nil
		}

		d, delta := sol.d[:n], zero
		if relaxed {
			delta = sol.d[n]
		}

		clear(s.lambda)
		s.active = s.active[:0]
		for _, r := range sol.active {
			s.active = append(s.active, qp.id[r])
		}
		for r, id := range qp.id {
			if id < o.m {
				s.lambda[id] = sol.lambda[r]
			}
		}

		stp := floats.Norm(d, 2)
		kkt := kktNorm(qp, sol, n)
		vio := violation(loc.c)
		// step and residual cannot get below the error of difference gradients
		acc := math.Max(opts.Tolerance, s.gradientError(loc))
		if !relaxed && stp < acc && kkt < acc && vio < opts.Tolerance {
			return Converged, nil
		}
		if stp == zero && vio >= opts.Tolerance {
			log.Debug("zero step at infeasible point", "iter", s.iter, "violation", vio)
			return LineSearchFailed, nil
		}

		// 𝛒ⱼᵏ⁺¹ = 𝚖𝚊𝚡[ ½(𝛒ⱼᵏ+|𝛌ⱼ|), |𝛌ⱼ|(1+10⁻⁶) ]
		for j, l := range s.lambda {
			l = math.Abs(l)
			s.rho[j] = math.Max(l*(1+1e-6), (s.rho[j]+l)/2)
		}

		// 𝐃 = 𝜵𝒇(𝐱ᵏ)ᵀ𝐝 - (1 - 𝛅)∑𝛒ⱼ𝚖𝚊𝚡(0,-𝒄ⱼ(𝐱ᵏ))
		pen := zero
		for j, c := range loc.c {
			if s.include[j] {
				pen += s.rho[j] * math.Max(-c, zero)
			}
		}
		dd := floats.Dot(loc.g, d) - (one-delta)*pen

		phi0 := s.merit(loc)
		// merit differences below the rounding level of 𝟇 are not measurable
		noise := 4 * eps * (one + math.Abs(phi0))

		if !(dd <= noise) {
			// Reset the Hessian matrix when an ascent direction is generated.
			if s.reset++; s.reset > maxReset {
				log.Debug("too many hessian resets", "iter", s.iter, "slope", dd)
				return LineSearchFailed, nil
			}
			log.Debug("non-descent direction, reset hessian", "iter", s.iter, "slope", dd)
			s.resetHessian()
			continue
		}

		slope := math.Min(dd, zero)
		alpha := one
		if stp > opts.StepBound {
			alpha = opts.StepBound / stp
		}

		trial := s.trial
		var phi float64
		for {
			copy(trial.x, loc.x)
			floats.AddScaled(trial.x, alpha, d)
			s.clamp(trial.x)
			if err = s.evalFunc(trial); err != nil {
				return 0, err
			}
			if phi = s.merit(trial); phi <= phi0+opts.Armijo*alpha*slope+noise {
				break
			}
			if alpha /= 2; alpha < opts.MinStep {
				log.Debug("step length too small", "iter", s.iter, "alpha", alpha)
				return LineSearchFailed, nil
			}
		}

		if err = s.evalGrad(trial); err != nil {
			return 0, err
		}

		// 𝐬 = 𝐱ᵏ⁺¹ - 𝐱ᵏ and 𝛈 = 𝜵ℒ(𝐱ᵏ⁺¹,𝛌ᵏ⁺¹) - 𝜵ℒ(𝐱ᵏ,𝛌ᵏ⁺¹)
		step := slices.Clone(trial.x)
		floats.Sub(step, loc.x)
		eta := s.lagrangian(trial)
		floats.Sub(eta, s.lagrangian(loc))
		if hess, ok := dampedBFGS(s.hess, step, eta); ok {
			s.hess = hess
		} else {
			log.Debug("skip hessian update", "iter", s.iter)
		}

		s.location, s.trial = trial, loc
		loc = trial

		log.Debug("sqp iteration", "iter", s.iter, "f", loc.f, "alpha", alpha,
			"step", stp, "kkt", kkt, "violation", violation(loc.c), "relaxed", relaxed)

		if opts.Observer != nil {
			opts.Observer(Step{
				Iter:        s.iter,
				X:           slices.Clone(loc.x),
				F:           loc.f,
				Alpha:       alpha,
				StepNorm:    stp,
				KKTNorm:     kkt,
				Violation:   violation(loc.c),
				MeritBefore: phi0,
				MeritAfter:  phi,
				Relaxed:     relaxed,
			})
		}
	}
}
