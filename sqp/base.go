// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqp

import (
	"errors"
	"fmt"
)

// Status is the terminal state of an optimization.
type Status int

const (
	// Converged step, KKT residual and violation all fell below the tolerance.
	Converged Status = iota
	// MaxIterationsReached the iteration limit was hit first.
	MaxIterationsReached
	// LineSearchFailed no acceptable step length was found, the QP sub-problem
	// could not be solved, or the Hessian was reset too many times.
	LineSearchFailed
	// InfeasibleStart some variable has an empty bound range.
	InfeasibleStart
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case MaxIterationsReached:
		return "max iterations reached"
	case LineSearchFailed:
		return "line search failed"
	case InfeasibleStart:
		return "infeasible start"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

const (
	zero = 0.0
	one  = 1.0
	ten  = 10.0
	hun  = 100.0
	eps  = float64(7)/3 - float64(4)/3 - 1.

	// a constraint whose gradient has no entry above zeroNormal is left out of the QP
	zeroNormal = 1e-10
	// a left-out constraint is reported as a warning when 𝒄ⱼ(𝐱) ≤ degenerateViolation
	degenerateViolation = 1e-6
	// number of times 𝛒 is raised when the augmented QP is still inconsistent
	maxRelax = 5
	// number of times 𝐁 may be reset to 𝐈 for a non-descent direction
	maxReset = 5
)

// ErrEvaluation is matched by every EvaluationError through errors.Is.
var ErrEvaluation = errors.New("sqp: evaluation failed")

// EvaluationError reports an objective or constraint callable that returned an error or panicked.
type EvaluationError struct {
	Name  string    // "objective" or "constraint"
	Index int       // constraint index, -1 for the objective
	X     []float64 // the location being evaluated
	Err   error
}

func (e *EvaluationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("sqp: %s evaluation failed at %v: %v", e.Name, e.X, e.Err)
	}
	return fmt.Sprintf("sqp: %s %d evaluation failed at %v: %v", e.Name, e.Index, e.X, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func (e *EvaluationError) Is(target error) bool { return target == ErrEvaluation }
