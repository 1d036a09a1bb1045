// Command profitopt solves the two product profit problem and prints the optimum.
//
// Usage:
//
//	profitopt solve --xmax 15 --ymax 15
//	profitopt solve --numeric --tol 1e-6 --starts 8
//	profitopt curves --samples 400 > curves.csv
//
// Flags may also come from the environment:
//
//	PROFITOPT_XMAX=20 PROFITOPT_VERBOSE=true profitopt solve
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
