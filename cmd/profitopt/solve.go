package main

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/curioloop/optimizer/numdiff"
	"github.com/curioloop/optimizer/profit"
	"github.com/curioloop/optimizer/sqp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errInfeasible = errors.New("no point satisfies the bounds")

func newSolveCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Find the production plan with maximum profit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSolve(cmd, v)
		},
	}
	f := cmd.Flags()
	f.Float64("xmax", profit.DefaultXMax, "upper bound for x")
	f.Float64("ymax", profit.DefaultYMax, "upper bound for y")
	f.Float64("x0", profit.Start[0], "initial guess for x")
	f.Float64("y0", profit.Start[1], "initial guess for y")
	f.Float64("tol", 0, "convergence tolerance (0 for the solver default)")
	f.Int("max-iter", 0, "iteration limit (0 for the solver default)")
	f.Bool("numeric", false, "use finite differences instead of analytic derivatives")
	f.Bool("central", false, "use central differences with --numeric")
	f.Int("starts", 1, "number of starting points solved concurrently")
	return cmd
}

// startPoints returns the initial guess followed by points on the diagonal of the bound box.
func startPoints(x0, y0, xmax, ymax float64, n int) [][]float64 {
	starts := [][]float64{{x0, y0}}
	for k := 1; k < n; k++ {
		t := float64(k) / float64(n)
		starts = append(starts, []float64{t * xmax, t * ymax})
	}
	return starts
}

func runSolve(cmd *cobra.Command, v *viper.Viper) error {
	xmax, ymax := v.GetFloat64("xmax"), v.GetFloat64("ymax")

	p := profit.New(xmax, ymax)
	opts := &sqp.Options{
		Tolerance:     v.GetFloat64("tol"),
		MaxIterations: v.GetInt("max-iter"),
		Logger:        newLogger(cmd.ErrOrStderr(), v.GetBool("verbose")),
	}
	if v.GetBool("numeric") {
		p = profit.NewNumeric(xmax, ymax)
		if v.GetBool("central") {
			opts.Method = numdiff.Central
		}
	}

	o, err := p.New(opts)
	if err != nil {
		return err
	}

	n := max(v.GetInt("starts"), 1)
	starts := startPoints(v.GetFloat64("x0"), v.GetFloat64("y0"), xmax, ymax, n)
	results, err := o.FitAll(cmd.Context(), starts, runtime.NumCPU())
	if err != nil {
		return err
	}
	r := sqp.Best(results)

	out := cmd.OutOrStdout()
	if r.Status == sqp.InfeasibleStart {
		fmt.Fprintf(out, "Status: %s\n", r.Status)
		return errInfeasible
	}
	fmt.Fprintf(out, "Optimal values:\nx = %.2f, y = %.2f\n", r.X[0], r.X[1])
	fmt.Fprintf(out, "Maximum Profit: %.2f\n", -r.F)
	fmt.Fprintf(out, "Status: %s (iterations: %d, evaluations: %d)\n", r.Status, r.NumIter, r.NumEval)
	return nil
}
