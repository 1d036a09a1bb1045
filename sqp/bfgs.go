// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sqp

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// identity returns 𝐈 of order n.
func identity(n int) *mat.SymDense {
	b := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		b.SetSym(i, i, one)
	}
	return b
}

// dampedBFGS applies the modified BFGS formula of Powell to 𝐁
//
//	𝐁ᵏ⁺¹ = 𝐁ᵏ - 𝐁ᵏ𝐬𝐬ᵀ𝐁ᵏ/𝐬ᵀ𝐁ᵏ𝐬 + 𝐪𝐪ᵀ/𝐬ᵀ𝐪
//
// where 𝐪 = 𝛉𝛈 + (1-𝛉)𝐁ᵏ𝐬 with
//   - 𝛉 = 1 if 𝐬ᵀ𝛈 ≥ ⅕ 𝐬ᵀ𝐁ᵏ𝐬
//   - 𝛉 = ⅘ 𝐬ᵀ𝐁ᵏ𝐬 / (𝐬ᵀ𝐁ᵏ𝐬 - 𝐬ᵀ𝛈) otherwise
//
// The updated matrix is returned with ok = true only if 𝐬ᵀ𝐪 > 0,
// every entry is finite and the result is still positive definite.
// 𝐁 itself is never modified.
func dampedBFGS(b *mat.SymDense, s, eta []float64) (nb *mat.SymDense, ok bool) {
	n := len(s)

	var bs mat.VecDense
	bs.MulVec(b, mat.NewVecDense(n, s))
	v := mat.Col(nil, 0, &bs)

	h1 := floats.Dot(s, eta) // 𝐬ᵀ𝛈
	h2 := floats.Dot(s, v)   // 𝐬ᵀ𝐁ᵏ𝐬
	if !(h2 > zero) {
		return nil, false
	}

	q := append([]float64(nil), eta...)
	if h3 := 0.2 * h2; h1 < h3 {
		theta := (h2 - h3) / (h2 - h1)
		floats.Scale(theta, q)
		floats.AddScaled(q, one-theta, v)
	}
	sq := floats.Dot(s, q)
	if !(sq > zero) || math.IsInf(sq, 0) {
		return nil, false
	}

	nb = mat.NewSymDense(n, nil)
	nb.CopySym(b)
	nb.SymRankOne(nb, -one/h2, mat.NewVecDense(n, v))
	nb.SymRankOne(nb, one/sq, mat.NewVecDense(n, q))

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			if e := nb.At(i, j); math.IsNaN(e) || math.IsInf(e, 0) {
				return nil, false
			}
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(nb) {
		return nil, false
	}
	return nb, true
}
