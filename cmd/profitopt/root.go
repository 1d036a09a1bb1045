package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "PROFITOPT"

// newRootCmd builds the command tree. Every flag can also be given as
// PROFITOPT_<FLAG> (dashes become underscores) or as a key in the --config file.
func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "profitopt",
		Short: "Maximize the two product profit under budget, demand and capacity constraints",
		Long: `profitopt solves

    maximize 4xy - x² - 2y²
    subject to x + 2y ≤ 30, xy ≥ 50, y ≤ 3x²/100 + 5, 0 ≤ x ≤ xmax, 0 ≤ y ≤ ymax

with a sequential quadratic programming solver.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if cfg := v.GetString("config"); cfg != "" {
				v.SetConfigFile(cfg)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", cfg, err)
				}
			}
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "YAML file with flag values")
	root.PersistentFlags().BoolP("verbose", "v", false, "log solver iterations to stderr")

	root.AddCommand(newSolveCmd(v), newCurvesCmd(v))
	return root
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
