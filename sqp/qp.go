// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqp

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// errInconsistent reports that no 𝐝 satisfies all rows of the sub-problem.
	errInconsistent = errors.New("sqp: linearized constraints are inconsistent")
	// errSubIterations reports that the active-set iteration hit its cap.
	errSubIterations = errors.New("sqp: active-set iteration limit exceeded")
	// errWorkingSet reports a singular working set (dependent active normals).
	errWorkingSet = errors.New("sqp: singular working set")
)

const (
	// relative threshold below which the projected normal 𝐳 is treated as zero
	dependTol = 1e-12
	// feasibility slack of a row: 𝐚ᵢᵀ𝐝 - 𝐛ᵢ ≥ -feasTol·(1+|𝐛ᵢ|)
	feasTol = 1e-12
)

// quadProg is the QP sub-problem of one outer iteration
//
// minimize ½ 𝐝ᵀ𝐁𝐝 + 𝐠ᵀ𝐝 subject to 𝐚ᵢᵀ𝐝 ≥ 𝐛ᵢ (i = 1 ··· k)
//
// where the rows hold the linearized constraints 𝜵𝒄ᵢ(𝐱)ᵀ𝐝 ≥ -𝒄ᵢ(𝐱)
// followed by the bounds 𝒍 - 𝐱 ≤ 𝐝 ≤ 𝒖 - 𝐱 written as ±𝐞ⱼᵀ𝐝 ≥ ±(·).
type quadProg struct {
	n    int
	chol mat.Cholesky // 𝐁 = 𝐑ᵀ𝐑
	g    []float64
	rows [][]float64
	b    []float64
	// id is the identity of a row across outer iterations, used to carry the active set over.
	id []int
}

type qpSolution struct {
	d      []float64
	lambda []float64 // one multiplier per row, zero when inactive
	active []int     // row indices of the final working set
}

func (qp *quadProg) addRow(id int, a []float64, b float64) {
	qp.rows = append(qp.rows, a)
	qp.b = append(qp.b, b)
	qp.id = append(qp.id, id)
}

// slack returns 𝐚ᵢᵀ𝐝 - 𝐛ᵢ which is negative when row i is violated.
func (qp *quadProg) slack(i int, d []float64) float64 {
	return floats.Dot(qp.rows[i], d) - qp.b[i]
}

func (qp *quadProg) violated(i int, d []float64) bool {
	return qp.slack(i, d) < -feasTol*(1+math.Abs(qp.b[i]))
}

// solveB returns 𝐁⁻¹𝐯.
func (qp *quadProg) solveB(v []float64) []float64 {
	var dst mat.VecDense
	if err := qp.chol.SolveVecTo(&dst, mat.NewVecDense(len(v), v)); err != nil {
		// the factor comes from a positive definite matrix, a failure here is a bug
		panic(err)
	}
	return mat.Col(nil, 0, &dst)
}

// workingSet holds 𝐍 = [𝐚ⱼ : j ∈ 𝒜], 𝐖 = 𝐁⁻¹𝐍 and the factor of 𝐌 = 𝐍ᵀ𝐁⁻¹𝐍.
type workingSet struct {
	idx []int
	w   [][]float64
	m   mat.Cholesky
}

func (qp *quadProg) factorize(idx []int) (*workingSet, error) {
	ws := &workingSet{idx: idx, w: make([][]float64, len(idx))}
	if len(idx) == 0 {
		return ws, nil
	}
	for k, i := range idx {
		ws.w[k] = qp.solveB(qp.rows[i])
	}
	m := mat.NewSymDense(len(idx), nil)
	for p, i := range idx {
		for q := p; q < len(idx); q++ {
			m.SetSym(p, q, floats.Dot(qp.rows[i], ws.w[q]))
		}
	}
	if ok := ws.m.Factorize(m); !ok {
		return nil, errWorkingSet
	}
	return ws, nil
}

// solveM returns 𝐌⁻¹𝐯.
func (ws *workingSet) solveM(v []float64) []float64 {
	var dst mat.VecDense
	if err := ws.m.SolveVecTo(&dst, mat.NewVecDense(len(v), v)); err != nil {
		return nil
	}
	return mat.Col(nil, 0, &dst)
}

// equality solves the sub-problem with the rows in idx held as equalities
//
//	𝐁𝐝 + 𝐠 = 𝐍𝛌,  𝐍ᵀ𝐝 = 𝐛
//
// so that 𝛌 = 𝐌⁻¹(𝐛 + 𝐍ᵀ𝐁⁻¹𝐠) and 𝐝 = 𝐖𝛌 - 𝐁⁻¹𝐠.
func (qp *quadProg) equality(idx []int) (d, lambda []float64, err error) {
	ws, err := qp.factorize(idx)
	if err != nil {
		return nil, nil, err
	}
	d = qp.solveB(qp.g)
	rhs := make([]float64, len(idx))
	for k, i := range idx {
		rhs[k] = qp.b[i] + floats.Dot(qp.rows[i], d)
	}
	floats.Scale(-1, d)
	if len(idx) == 0 {
		return d, nil, nil
	}
	if lambda = ws.solveM(rhs); lambda == nil {
		return nil, nil, errWorkingSet
	}
	for k, w := range ws.w {
		floats.AddScaled(d, lambda[k], w)
	}
	return d, lambda, nil
}

// direction computes the primal step 𝐳 = 𝐁⁻¹(𝐧 - 𝐍𝐫) and the dual step 𝐫 = 𝐌⁻¹𝐍ᵀ𝐁⁻¹𝐧
// for adding the row 𝐧 to the working set. dependent is true when 𝐧 lies in the span of 𝐍,
// that is when 𝐳 vanishes relative to 𝐁⁻¹𝐧.
func (qp *quadProg) direction(ws *workingSet, np []float64) (z, r []float64, dependent bool) {
	q := qp.solveB(np)
	z = append([]float64(nil), q...)
	if len(ws.idx) > 0 {
		rhs := make([]float64, len(ws.idx))
		for k, i := range ws.idx {
			rhs[k] = floats.Dot(qp.rows[i], q)
		}
		if r = ws.solveM(rhs); r == nil {
			return z, make([]float64, len(ws.idx)), true
		}
		for k, w := range ws.w {
			floats.AddScaled(z, -r[k], w)
		}
	}
	full := floats.Dot(q, np)
	return z, r, floats.Dot(z, np) <= dependTol*full
}

// solve finds the minimizer with an active-set method on the KKT system.
//
// The binding rows of the previous outer iteration (warm, as row ids) are tried first:
// the equality-constrained problem for that set is accepted when its multipliers are
// non-negative and every other row is satisfied.
//
// Otherwise the dual method of Goldfarb and Idnani runs from the unconstrained minimizer
// 𝐝 = -𝐁⁻¹𝐠 with an empty working set. Each step picks the most violated row 𝐩
// (ties go to the lowest row index) and moves along (𝐳, 𝐫):
//   - if some active multiplier would turn negative first, the step is partial
//     and that row leaves the working set,
//   - otherwise the step is full and 𝐩 joins the working set.
//
// The primal step is zero and no multiplier limits the dual step exactly
// when the rows cannot be satisfied together, which is reported as errInconsistent.
// Every partial or full step counts towards maxIter.
//
// D. Goldfarb, A. Idnani, 'A numerically stable dual method for solving strictly convex
// quadratic programs', Mathematical Programming 27, 1983.
func (qp *quadProg) solve(warm []int, maxIter int) (*qpSolution, error) {

	if sol := qp.warmStart(warm); sol != nil {
		return sol, nil
	}

	d, _, err := qp.equality(nil)
	if err != nil {
		return nil, err
	}

	var act []int
	var lam []float64
	isActive := make([]bool, len(qp.rows))

	for iter := 0; ; {
		p, worst := -1, 0.0
		for i := range qp.rows {
			if isActive[i] || !qp.violated(i, d) {
				continue
			}
			if s := qp.slack(i, d); p < 0 || s < worst {
				p, worst = i, s
			}
		}
		if p < 0 {
			break
		}

		np, lp := qp.rows[p], 0.0
		for {
			if iter++; iter > maxIter {
				return nil, errSubIterations
			}

			ws, err := qp.factorize(act)
			if err != nil {
				return nil, err
			}
			z, r, dependent := qp.direction(ws, np)

			// dual step length 𝐭₁ keeps the active multipliers non-negative
			t1, k := math.Inf(1), -1
			for j, rj := range r {
				if rj > 0 {
					if t := lam[j] / rj; t < t1 {
						t1, k = t, j
					}
				}
			}
			// primal step length 𝐭₂ makes row 𝐩 binding
			t2 := math.Inf(1)
			if !dependent {
				t2 = -qp.slack(p, d) / floats.Dot(z, np)
			}

			if math.IsInf(t1, 1) && math.IsInf(t2, 1) {
				return nil, errInconsistent
			}

			t := math.Min(t1, t2)
			if !dependent {
				floats.AddScaled(d, t, z)
			}
			for j, rj := range r {
				lam[j] -= t * rj
			}
			lp += t

			if t2 <= t1 {
				act = append(act, p)
				lam = append(lam, lp)
				isActive[p] = true
				break
			}

			isActive[act[k]] = false
			act = append(act[:k], act[k+1:]...)
			lam = append(lam[:k], lam[k+1:]...)
		}
	}

	sol := &qpSolution{d: d, lambda: make([]float64, len(qp.rows)), active: act}
	for j, i := range act {
		sol.lambda[i] = math.Max(lam[j], 0)
	}
	return sol, nil
}

func (qp *quadProg) warmStart(warm []int) *qpSolution {
	if len(warm) == 0 {
		return nil
	}
	pos := make(map[int]int, len(qp.id))
	for i, id := range qp.id {
		pos[id] = i
	}
	var idx []int
	for _, id := range warm {
		if i, ok := pos[id]; ok {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 || len(idx) > qp.n {
		return nil
	}

	d, lam, err := qp.equality(idx)
	if err != nil {
		return nil
	}
	for _, l := range lam {
		if l < 0 || math.IsNaN(l) {
			return nil
		}
	}
	isActive := make(map[int]bool, len(idx))
	for _, i := range idx {
		isActive[i] = true
	}
	for i := range qp.rows {
		if !isActive[i] && qp.violated(i, d) {
			return nil
		}
	}

	sol := &qpSolution{d: d, lambda: make([]float64, len(qp.rows)), active: idx}
	for j, i := range idx {
		sol.lambda[i] = lam[j]
	}
	return sol
}
