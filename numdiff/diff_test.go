package numdiff

import (
	"errors"
	"math"
	"reflect"
	"slices"
	"testing"
)

func objV2(x, y []float64) error {
	y[0] = x[0] * math.Sin(x[1])
	y[1] = x[1] * math.Cos(x[0])
	y[2] = math.Pow(x[0], 3) * math.Pow(x[1], -0.5)
	return nil
}

func jacV2(x []float64) []float64 {
	return []float64{
		math.Sin(x[1]), x[0] * math.Cos(x[1]),
		-x[1] * math.Sin(x[0]), math.Cos(x[0]),
		3 * math.Pow(x[0], 2) * math.Pow(x[1], -0.5), -0.5 * math.Pow(x[0], 3) * math.Pow(x[1], -1.5),
	}
}

func objZero(x, y []float64) error {
	y[0] = x[0] * x[1]
	y[1] = math.Cos(x[0] * x[1])
	return nil
}

func jacZero(x []float64) []float64 {
	return []float64{
		x[1], x[0],
		-x[1] * math.Sin(x[0]*x[1]), -x[0] * math.Sin(x[0]*x[1]),
	}
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test__numdiff.py (TestAdjustSchemeToBounds)
func TestAdjustToBnd(t *testing.T) {

	noop := func(x, y []float64) error { return nil }
	dummy := make([]float64, 3)

	// no bounds
	{
		x0 := slices.Repeat([]float64{0}, 3)
		h0 := slices.Repeat([]float64{0.01}, 3)

		as := ApproxSpec{N: 3, M: 1, Object: noop, Method: Central}
		_ = as.Check(x0, dummy)
		copy(as.step, h0)
		as.adjustToBounds(x0)

		if !relativeEqual(as.step, h0, 0) {
			t.Fatal("unexpected adjust step")
		}
		if slices.Index(as.oneSide, true) != -1 {
			t.Fatal("unexpected side flag")
		}
	}

	// with bounds
	{
		x0 := []float64{0, 0.85, -0.85}
		h0 := []float64{0.1, 0.1, -0.1}

		as := ApproxSpec{N: 3, M: 1, Object: noop}
		as.Bounds = []Bound{{-1, 1}, {-1, 1}, {-1, 1}}

		as.Method = Forward
		_ = as.Check(x0, dummy)
		copy(as.step, h0)
		as.adjustToBounds(x0)
		if !relativeEqual(as.step, h0, 0) {
			t.Fatal("unexpected adjust step")
		}

		as.Method = Central
		_ = as.Check(x0, dummy)
		copy(as.step, h0)
		clear(as.oneSide)
		as.adjustToBounds(x0)
		if !relativeEqual(as.step, []float64{0.1, 0.1, 0.1}, 0) {
			t.Fatal("unexpected adjust step")
		}
		if slices.Index(as.oneSide, true) != -1 {
			t.Fatal("unexpected side flag")
		}
	}

	// tight bounds
	{
		x0 := []float64{0.0, 0.03}
		h0 := []float64{-0.1, -0.1}

		as := ApproxSpec{N: 2, M: 1, Object: noop}
		as.Bounds = []Bound{{-0.03, 0.05}, {-0.03, 0.05}}

		as.Method = Forward
		_ = as.Check(x0, dummy[:2])
		copy(as.step, h0)
		as.adjustToBounds(x0)
		if !relativeEqual(as.step, []float64{0.05, -0.06}, 0) {
			t.Fatal("unexpected adjust step")
		}

		as.Method = Central
		_ = as.Check(x0, dummy[:2])
		copy(as.step, h0)
		clear(as.oneSide)
		as.adjustToBounds(x0)
		if !relativeEqual(as.step, []float64{0.03, -0.03}, 0) {
			t.Fatal("unexpected adjust step")
		}
		if !reflect.DeepEqual(as.oneSide, []bool{false, true}) {
			t.Fatal("unexpected side flag")
		}
	}

	// no room at all
	{
		x0 := []float64{2}
		as := ApproxSpec{N: 1, M: 1, Object: noop, Bounds: []Bound{{2, 2}}}
		for _, method := range []Method{Forward, Central} {
			as.Method = method
			_ = as.Check(x0, dummy[:1])
			as.absoluteStep(x0)
			as.adjustToBounds(x0)
			if as.step[0] != 0 {
				t.Fatalf("%v: expect zero step on a fixed variable, got %g", method, as.step[0])
			}
		}
	}
}

func TestComputeAbsStp(t *testing.T) {

	x0 := []float64{1e-5, 0, 1, 1e5}
	dummy := make([]float64, 4)
	noop := func(x, y []float64) error { return nil }

	check := func(as *ApproxSpec, rel float64) {
		expected := []float64{rel, rel, rel, rel * x0[3]}
		as.absoluteStep(x0)
		if !relativeEqual(as.step, expected, 1e-12) {
			t.Fatalf("unexpected abs step %v", as.step)
		}

		negX0 := make([]float64, len(x0))
		for i, v := range x0 {
			negX0[i] = -v
			expected[i] = math.Copysign(expected[i], -v)
		}
		as.absoluteStep(negX0)
		if !relativeEqual(as.step, expected, 1e-12) {
			t.Fatalf("unexpected abs step %v", as.step)
		}
	}

	// auto select relative step
	for method, rel := range map[Method]float64{
		Forward: DefaultRelStep,
		Central: cubeEps,
	} {
		as := ApproxSpec{N: 4, M: 1, Method: method, Object: noop}
		if err := as.Check(x0, dummy); err != nil {
			t.Fatal(err)
		}
		check(&as, rel)
	}

	// user-specified relative step
	for _, rel := range []float64{1e-4, 0.1, 1, 10} {
		as := ApproxSpec{N: 4, M: 1, Method: Forward, Object: noop, RelStep: rel}
		if err := as.Check(x0, dummy); err != nil {
			t.Fatal(err)
		}
		check(&as, rel)
	}
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test__numdiff.py (test_absolute_step_sign)
func TestAbsStpSign(t *testing.T) {

	obj := func(x, y []float64) error {
		y[0] = -math.Abs(x[0]+1) + math.Abs(x[1]+1)
		return nil
	}

	x0 := []float64{-1, -1}
	grad := []float64{0, 0}

	for _, c := range []struct {
		abs  float64
		bnd  []Bound
		want []float64
	}{
		{1e-8, nil, []float64{-1, 1}},
		{-1e-8, nil, []float64{1, -1}},
		{1e-8, []Bound{{math.Inf(-1), -1}, {math.Inf(-1), -1}}, []float64{1, -1}},
		{-1e-8, []Bound{{-1, math.Inf(1)}, {-1, math.Inf(1)}}, []float64{-1, 1}},
	} {
		as := ApproxSpec{N: 2, M: 1, Method: Forward, Object: obj, AbsStep: c.abs, Bounds: c.bnd}
		if err := as.Diff(x0, grad); err != nil {
			t.Fatal("abs sign failed", err)
		}
		if !relativeEqual(grad, c.want, 1e-7) {
			t.Fatalf("unexpected gradient %v for step %g", grad, c.abs)
		}
	}
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test__numdiff.py
// (TestApproxDerivativesDense.test_scalar_vector)
func TestScalarVec(t *testing.T) {
	x0 := []float64{0.5}
	obj := func(x, y []float64) error {
		y[0] = x[0] * x[0]
		y[1] = math.Tan(x[0])
		y[2] = math.Exp(x[0])
		return nil
	}

	jac1 := []float64{
		2 * x0[0],
		1 / (math.Cos(x0[0]) * math.Cos(x0[0])),
		math.Exp(x0[0]),
	}

	jac2 := []float64{0, 0, 0}
	jac3 := []float64{0, 0, 0}

	as := ApproxSpec{N: 1, M: 3, Method: Forward, Object: obj}
	if err := as.Diff(x0, jac2); err != nil {
		t.Fatal("approx scalar-vec failed", err)
	}
	as = ApproxSpec{N: 1, M: 3, Method: Central, Object: obj}
	if err := as.Diff(x0, jac3); err != nil {
		t.Fatal("approx scalar-vec failed", err)
	}
	if !relativeEqual(jac2, jac1, 1e-6) {
		t.Fatal("unexpected approx scalar-vec result")
	}
	if !relativeEqual(jac3, jac1, 1e-9) {
		t.Fatal("unexpected approx scalar-vec result")
	}
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test__numdiff.py
// (TestApproxDerivativesDense.test_vector_vector)
func TestVector(t *testing.T) {

	x0 := []float64{-100.0, 0.2}
	jac1 := jacV2(x0)
	jac2 := make([]float64, 6)
	jac3 := make([]float64, 6)

	as := ApproxSpec{N: 2, M: 3, Method: Forward, Object: objV2}
	if err := as.Diff(x0, jac2); err != nil {
		t.Fatal("approx vector failed", err)
	}
	as = ApproxSpec{N: 2, M: 3, Method: Central, Object: objV2}
	if err := as.Diff(x0, jac3); err != nil {
		t.Fatal("approx vector failed", err)
	}
	if !relativeEqual(jac1, jac2, 5e-5) {
		t.Fatal("unexpected approx vector result")
	}
	if !relativeEqual(jac1, jac3, 1e-6) {
		t.Fatal("unexpected approx vector result")
	}
	if x0[0] != -100.0 || x0[1] != 0.2 {
		t.Fatal("x0 not restored")
	}
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test__numdiff.py
// (TestApproxDerivativesDense.test_with_bounds_2_point)
func TestBound2(t *testing.T) {

	bnd := []Bound{{-1, 1}, {-1, 1}}

	jac := make([]float64, 6)
	as := ApproxSpec{N: 2, M: 3, Object: objV2, Bounds: bnd}
	if err := as.Diff([]float64{-2.0, 0.2}, jac); err == nil {
		t.Fatal("x0 outside bounds should be rejected")
	}

	x0 := []float64{-1.0, 1.0}
	jac0 := jacV2(x0)

	as = ApproxSpec{N: 2, M: 3, Method: Forward, Object: objV2, Bounds: bnd}
	if err := as.Diff(x0, jac); err != nil {
		t.Fatal("approx bound failed", err)
	}
	if !relativeEqual(jac, jac0, 1e-6) {
		t.Fatal("unexpected approx bound result")
	}
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test__numdiff.py
// (TestApproxDerivativesDense.test_with_bounds_3_point)
func TestBound3(t *testing.T) {

	x0 := []float64{1.0, 2.0}
	jac0 := jacV2(x0)
	jac := make([]float64, 6)

	for _, bnd := range [][]Bound{
		nil,
		{{1, math.Inf(1)}, {1, math.Inf(1)}},
		{{math.Inf(-1), 2}, {math.Inf(-1), 2}},
		{{1, 2}, {1, 2}},
	} {
		as := ApproxSpec{N: 2, M: 3, Method: Central, Object: objV2, Bounds: bnd}
		if err := as.Diff(x0, jac); err != nil {
			t.Fatal("approx bound failed", err)
		}
		if !relativeEqual(jac, jac0, 1e-9) {
			t.Fatalf("unexpected approx bound result with %v", bnd)
		}
	}
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test__numdiff.py
// (TestApproxDerivativesDense.test_bound_switches)
func TestSwitchBnd(t *testing.T) {

	bnd := []Bound{{-1e-8, 1e-8}}

	// undefined outside the bounds, so every evaluation must stay inside
	obj := func(x, y []float64) error {
		if math.Abs(x[0]) > 1e-8 {
			return errors.New("outside domain")
		}
		y[0] = x[0]
		return nil
	}

	for _, x0 := range []float64{0, 1e-8} {
		for _, method := range []Method{Forward, Central} {
			jac := []float64{0}
			as := ApproxSpec{N: 1, M: 1, Method: method, Object: obj, Bounds: bnd, RelStep: 1e-6}
			if err := as.Diff([]float64{x0}, jac); err != nil {
				t.Fatalf("%v at %g: %v", method, x0, err)
			}
			if !relativeEqual(jac[0], 1, 1e-6) {
				t.Fatalf("%v at %g: unexpected derivative %g", method, x0, jac[0])
			}
		}
	}
}

func TestPropagateError(t *testing.T) {

	boom := errors.New("boom")
	calls := 0
	obj := func(x, y []float64) error {
		calls++
		if calls > 1 {
			return boom
		}
		y[0] = x[0]
		return nil
	}

	x0 := []float64{3, 4}
	as := ApproxSpec{N: 2, M: 1, Object: obj}
	if err := as.Diff(x0, make([]float64, 2)); !errors.Is(err, boom) {
		t.Fatalf("expect propagated error, got %v", err)
	}
	if x0[0] != 3 || x0[1] != 4 {
		t.Fatal("x0 not restored after failure")
	}
}

func TestGradient(t *testing.T) {
	f := func(x []float64) (float64, error) {
		return x[0]*x[0] - 4*x[0]*x[1] + 2*x[1]*x[1], nil
	}
	x0 := []float64{3, 5}
	g, err := Gradient(f, x0, []Bound{{0, 3}, {0, 15}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{2*x0[0] - 4*x0[1], -4*x0[0] + 4*x0[1]}
	if !relativeEqual(g, want, 1e-5) {
		t.Fatalf("unexpected gradient %v", g)
	}
}

// Case Sources : https://github.com/scipy/scipy/blob/main/scipy/optimize/tests/test__numdiff.py
// (TestApproxDerivativesDense.test_check_derivative)
func TestAccuracy(t *testing.T) {

	checkDerivative := func(
		n, m int, x0 []float64,
		fun func(x, y []float64) error,
		jac func(x []float64) []float64) float64 {

		jacTest := jac(x0)
		jacDiff := make([]float64, n*m)

		approx := ApproxSpec{N: n, M: m, Method: Central, Object: fun}
		if err := approx.Diff(x0, jacDiff); err != nil {
			t.Fatal(err)
		}

		maxErr := 0.0
		for i := range jacDiff {
			absErr := math.Abs(jacTest[i] - jacDiff[i])
			maxErr = math.Max(maxErr, absErr/math.Max(1, math.Abs(jacDiff[i])))
		}
		return maxErr
	}

	if acc := checkDerivative(2, 3, []float64{-10.0, 10}, objV2, jacV2); acc > 1e-9 {
		t.Fatal("approx accuracy not enough")
	}
	if acc := checkDerivative(2, 2, []float64{0, 0}, objZero, jacZero); acc > 0 {
		t.Fatal("approx accuracy not enough")
	}
}

func relativeEqual[T float64 | []float64](a, b T, tol float64) bool {
	equalWithinRel := func(a, b float64) bool {
		if a == b {
			return true
		}
		delta := math.Abs(a - b)
		return delta/math.Max(math.Abs(a), math.Abs(b)) <= tol
	}
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Float64:
		return equalWithinRel(any(a).(float64), any(b).(float64))
	case reflect.Slice:
		a, b := any(a).([]float64), any(b).([]float64)
		if len(a) != len(b) {
			return false
		}
		for i, a := range a {
			if !equalWithinRel(a, b[i]) {
				return false
			}
		}
		return true
	default:
		panic("unknown type")
	}
}
