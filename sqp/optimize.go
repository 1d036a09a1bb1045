// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"

	"github.com/curioloop/optimizer/numdiff"
	"golang.org/x/sync/errgroup"
)

// Bound represents the bounds for an optimization variable.
// An infinite or NaN value means the side is unbounded.
type Bound struct {
	Lower, Upper float64
}

// Evaluation evaluates a scalar function 𝒇(𝐱) : ℝⁿ → ℝ and optionally its gradient.
//
// Derivative writes 𝜵𝒇(𝐱) into d. When it is nil the gradient is approximated
// by finite differences, evaluating Function at points inside the bounds only.
// Neither function may modify x.
type Evaluation struct {
	Function   func(x []float64) (float64, error)
	Derivative func(x, d []float64) error
}

// Problem specifies the problem
//
// minimize 𝒇(𝐱) subject to
//   - inequality constrains: 𝒄ⱼ(𝐱) ≥ 0  (j = 1 ··· m)
//   - boundaries: 𝒍ᵢ ≤ 𝐱ᵢ ≤ 𝒖ᵢ (i = 1 ··· n)
type Problem struct {
	N       int          // The problem dimension
	Object  Evaluation   // Objective function 𝒇(𝐱)
	NeqCons []Evaluation // Inequality constraints 𝒄(𝐱) ≥ 0
	Bounds  []Bound      // Optional bounds, nil for none
}

// Options controls the SQP iteration. The zero value selects the defaults.
type Options struct {
	// The iteration stops when the number of iterations exceeds this limit (default 100).
	MaxIterations int
	// Convergence is declared when the step norm, the KKT residual norm and the
	// constraint violation all fall below Tolerance (default 1e-8).
	Tolerance float64
	// Trust region cap on the norm of the step, zero or +Inf for none.
	StepBound float64
	// Cap of active-set changes when solving one QP sub-problem (default 3×(rows+n)+10).
	SubIterations int
	// The line-search fails once the step length drops below MinStep (default 1e-10).
	MinStep float64
	// Sufficient decrease fraction of the Armijo condition (default 1e-4).
	Armijo float64
	// Finite difference method and relative step for functions without Derivative.
	Method  numdiff.Method
	RelStep float64
	// Logger receives iteration traces at debug level, nil to discard.
	Logger *slog.Logger
	// Observer is called after every accepted step.
	Observer func(Step)
}

// Step describes an accepted iteration.
type Step struct {
	Iter      int
	X         []float64 // The new location, owned by the receiver.
	F         float64   // 𝒇 at the new location.
	Alpha     float64   // Accepted step length.
	StepNorm  float64   // ‖𝐝‖₂ of the QP direction.
	KKTNorm   float64   // ‖𝜵ℒ‖₂ at the previous location.
	Violation float64   // ∑ 𝚖𝚊𝚡(0, -𝒄ⱼ) at the new location.
	// Merit before and after the step, evaluated with the same penalty weights.
	// MeritAfter may exceed MeritBefore by at most the rounding level 4ε(1+|MeritBefore|).
	MeritBefore, MeritAfter float64
	// Relaxed is true when the linearized constraints were inconsistent.
	Relaxed bool
}

const (
	defaultMaxIter = 100
	defaultTol     = 1e-8
	defaultMinStep = 1e-10
	defaultArmijo  = 1e-4
)

func (opts *Options) normalize(n, m int) (Options, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	switch {
	case o.MaxIterations < 0:
		return o, errors.New("max iteration must not less than 0")
	case o.Tolerance < 0 || math.IsNaN(o.Tolerance):
		return o, errors.New("tolerance must not less than 0")
	case o.StepBound < 0 || math.IsNaN(o.StepBound):
		return o, errors.New("step bound must not less than 0")
	case o.SubIterations < 0:
		return o, errors.New("sub-iteration limit must not less than 0")
	case o.MinStep < 0 || o.MinStep >= 1 || math.IsNaN(o.MinStep):
		return o, errors.New("min step must in [0, 1)")
	case o.Armijo < 0 || o.Armijo >= 0.5 || math.IsNaN(o.Armijo):
		return o, errors.New("armijo fraction must in [0, 0.5)")
	case o.Method != numdiff.Forward && o.Method != numdiff.Central:
		return o, errors.New("unknown finite difference method")
	case o.RelStep < 0:
		return o, errors.New("relative step must not less than 0")
	}
	if o.MaxIterations == 0 {
		o.MaxIterations = defaultMaxIter
	}
	if o.Tolerance == 0 {
		o.Tolerance = defaultTol
	}
	if o.StepBound == 0 {
		o.StepBound = math.Inf(1)
	}
	if o.SubIterations == 0 {
		o.SubIterations = 3*(m+2*n+2+n) + 10
	}
	if o.MinStep == 0 {
		o.MinStep = defaultMinStep
	}
	if o.Armijo == 0 {
		o.Armijo = defaultArmijo
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o, nil
}

// New validates the problem and creates an optimizer for it.
// Crossed bounds are not an error here: Fit reports them as InfeasibleStart.
func (p *Problem) New(opts *Options) (optimizer *Optimizer, err error) {

	n, m := p.N, len(p.NeqCons)

	switch {
	case n <= 0:
		return nil, errors.New("problem dimension must greater than 0")
	case p.Object.Function == nil:
		return nil, errors.New("objective function is required")
	case p.Bounds != nil && len(p.Bounds) != n:
		return nil, errors.New("bound size must equal to n")
	}
	for k, c := range p.NeqCons {
		if c.Function == nil {
			return nil, fmt.Errorf("inequality constraint error at %d", k)
		}
	}

	o, err := opts.normalize(n, m)
	if err != nil {
		return nil, err
	}

	lb, ub := make([]float64, n), make([]float64, n)
	for i := range lb {
		lb[i], ub[i] = math.Inf(-1), math.Inf(1)
		if p.Bounds == nil {
			continue
		}
		if b := p.Bounds[i]; !math.IsNaN(b.Lower) {
			lb[i] = b.Lower
		}
		if b := p.Bounds[i]; !math.IsNaN(b.Upper) {
			ub[i] = b.Upper
		}
	}

	optimizer = &Optimizer{
		n: n, m: m,
		object: p.Object,
		cons:   slices.Clone(p.NeqCons),
		lower:  lb,
		upper:  ub,
		opts:   o,
	}
	return
}

// Optimizer implemented using an active-set SQP algorithm.
// It is immutable, so multiple goroutines may call Fit concurrently.
type Optimizer struct {
	n, m         int
	object       Evaluation
	cons         []Evaluation
	lower, upper []float64
	opts         Options
}

// Result contains the final result of the optimization process.
type Result struct {
	OK      bool      // Whether the optimization was converged.
	F       float64   // Final function value.
	X       []float64 // Final solution.
	C       []float64 // Constraint residuals 𝒄(𝐗), feasible when all ≥ 0.
	Lambda  []float64 // Lagrange multipliers of the constraints.
	Summary           // Optimization summary.
}

// Summary contains a summary of the optimization process.
type Summary struct {
	Status  Status // Final status after optimization.
	NumIter int    // Number of iterations performed.
	NumEval int    // Number of objective function evaluations.
}

// Fit runs the optimization from the initial guess x.
//
// Every terminal status yields a Result. The error is non-nil only when x has the
// wrong dimension or an objective or constraint evaluation fails (see EvaluationError),
// in which case no Result is returned.
func (o *Optimizer) Fit(x []float64) (*Result, error) {

	if len(x) != o.n {
		return nil, errors.New("initial x dimension not match problem")
	}

	for i := range o.lower {
		if o.lower[i] > o.upper[i] {
			o.opts.Logger.Debug("empty bound range", "index", i,
				"lower", o.lower[i], "upper", o.upper[i])
			return o.infeasible(x), nil
		}
	}

	solver := newSolver(o, x)
	status, err := solver.mainLoop()
	if err != nil {
		return nil, err
	}

	loc := solver.location
	return &Result{
		OK: status == Converged,
		F:  loc.f, X: loc.x, C: loc.c,
		Lambda: solver.lambda,
		Summary: Summary{
			Status:  status,
			NumIter: solver.iter,
			NumEval: solver.numEval,
		},
	}, nil
}

func (o *Optimizer) infeasible(x []float64) *Result {
	c := make([]float64, o.m)
	for i := range c {
		c[i] = math.NaN()
	}
	return &Result{
		F: math.NaN(), X: slices.Clone(x), C: c,
		Lambda:  make([]float64, o.m),
		Summary: Summary{Status: InfeasibleStart},
	}
}

// FitAll runs Fit from every initial guess with at most limit fits in flight (limit ≤ 0 for no limit).
// The results keep the order of starts. The first failing fit cancels those not yet started.
func (o *Optimizer) FitAll(ctx context.Context, starts [][]float64, limit int) ([]*Result, error) {
	results := make([]*Result, len(starts))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, x := range starts {
		g.Go(func() (err error) {
			if err = ctx.Err(); err != nil {
				return
			}
			results[i], err = o.Fit(x)
			return
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Best returns the result with the lowest objective, preferring converged ones. Nil entries are skipped.
func Best(results []*Result) *Result {
	var best *Result
	for _, r := range results {
		switch {
		case r == nil:
		case best == nil, r.OK && !best.OK, r.OK == best.OK && r.F < best.F:
			best = r
		}
	}
	return best
}

// Solve is shorthand for p.New(opts) followed by Fit(x0).
func Solve(p *Problem, x0 []float64, opts *Options) (*Result, error) {
	o, err := p.New(opts)
	if err != nil {
		return nil, err
	}
	return o.Fit(x0)
}
