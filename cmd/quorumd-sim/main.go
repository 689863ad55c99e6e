// Package main — cmd/quorumd-sim/main.go
//
// quorumd scenario simulator.
//
// Purpose: run the end-to-end election scenarios of spec §8 against the
// real scanner/transition/elector/paceloop components, driven by an
// in-memory disk instead of a physical device (internal/scenario). Unlike
// a statistical dominance model, every scenario here is a deterministic
// assertion about the protocol state machine: single master maintained,
// monotone seq, undead peers never recovering, and so on.
//
// Output: one line per scenario to stdout (PASS/FAIL + detail), plus a
// summary to stderr.
//
// Usage:
//   quorumd-sim [-scenario s1|s2|s3|s4|s5|s6|all]
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"quorumd/internal/scenario"
)

func main() {
	which := flag.String("scenario", "all", "Scenario to run: s1-s6 or all")
	verbose := flag.Bool("v", false, "Log scanner/transition/elector activity to stderr")
	flag.Parse()

	var log *zap.Logger
	var err error
	if *verbose {
		log, err = zap.NewDevelopment()
	} else {
		log = zap.NewNop()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}

	results := selectScenarios(*which, log)
	if results == nil {
		fmt.Fprintf(os.Stderr, "ERROR: unknown scenario %q (want s1-s6 or all)\n", *which)
		os.Exit(1)
	}

	failures := 0
	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
			failures++
		}
		fmt.Printf("%-6s %-40s %s\n", status, r.Name, r.Detail)
	}

	fmt.Fprintf(os.Stderr, "\n=== SCENARIO RESULT ===\n")
	fmt.Fprintf(os.Stderr, "Ran %d scenario(s), %d failed\n", len(results), failures)

	if failures == 0 {
		fmt.Fprintf(os.Stderr, "RESULT: PASS\n")
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "RESULT: FAIL\n")
	os.Exit(2)
}

func selectScenarios(which string, log *zap.Logger) []scenario.Result {
	switch which {
	case "all", "":
		return scenario.All(log)
	case "s1":
		return []scenario.Result{scenario.RunS1(log)}
	case "s2":
		return []scenario.Result{scenario.RunS2(log)}
	case "s3":
		return []scenario.Result{scenario.RunS3(log)}
	case "s4":
		return []scenario.Result{scenario.RunS4(log)}
	case "s5":
		return []scenario.Result{scenario.RunS5(log)}
	case "s6":
		return []scenario.Result{scenario.RunS6(log)}
	default:
		return nil
	}
}
