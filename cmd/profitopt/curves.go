package main

import (
	"encoding/csv"
	"strconv"

	"github.com/curioloop/optimizer/profit"
	"github.com/curioloop/optimizer/sqp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newCurvesCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "curves",
		Short: "Print the constraint boundaries, the feasible band and the optimum as CSV",
		Long: `curves samples the boundaries y = (30-x)/2, y = 50/x and y = 3x²/100+5
and writes them in long format (series,x,y) for a plotting tool.
The series feasible_low/feasible_high bound the feasible band and
the last row is the optimum found by the solver.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCurves(cmd, v)
		},
	}
	f := cmd.Flags()
	f.Int("samples", 400, "number of sampled x values")
	f.Float64("from", 0.1, "first sampled x, must be positive")
	f.Float64("to", 40, "last sampled x")
	f.Float64("xmax", profit.DefaultXMax, "upper bound for x when solving the optimum")
	f.Float64("ymax", profit.DefaultYMax, "upper bound for y when solving the optimum")
	return cmd
}

func runCurves(cmd *cobra.Command, v *viper.Viper) error {
	points, err := profit.Curves(v.GetFloat64("from"), v.GetFloat64("to"), v.GetInt("samples"))
	if err != nil {
		return err
	}

	r, err := sqp.Solve(profit.New(v.GetFloat64("xmax"), v.GetFloat64("ymax")), profit.Start, &sqp.Options{
		Logger: newLogger(cmd.ErrOrStderr(), v.GetBool("verbose")),
	})
	if err != nil {
		return err
	}

	num := func(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) }

	w := csv.NewWriter(cmd.OutOrStdout())
	_ = w.Write([]string{"series", "x", "y"})
	for _, p := range points {
		x := num(p.X)
		_ = w.Write([]string{"budget", x, num(p.Budget)})
		_ = w.Write([]string{"demand", x, num(p.Demand)})
		_ = w.Write([]string{"capacity", x, num(p.Capacity)})
		if p.Feasible {
			_ = w.Write([]string{"feasible_low", x, num(p.Demand)})
			_ = w.Write([]string{"feasible_high", x, num(min(p.Budget, p.Capacity))})
		}
	}
	if r.Status != sqp.InfeasibleStart {
		_ = w.Write([]string{"optimum", num(r.X[0]), num(r.X[1])})
	}
	w.Flush()
	return w.Error()
}
