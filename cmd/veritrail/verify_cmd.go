package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/veritrail/core/pkg/export"
)

// runVerifyCmd verifies an exported bundle offline: no server, no network,
// only the bundle file and crypto.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundle     string
		jsonOutput bool
	)

	cmd.StringVar(&bundle, "bundle", "", "Path to exported bundle file (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if bundle == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		return 2
	}

	data, err := os.ReadFile(bundle)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read bundle: %v\n", err)
		return 2
	}

	report, err := export.VerifyBundle(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		printVerifyReport(stdout, report)
	}

	if !report.Verified {
		return 1
	}
	return 0
}

func printVerifyReport(w io.Writer, report *export.VerifyReport) {
	fmt.Fprintf(w, "%sBundle verification%s  unit=%s\n", ColorBold, ColorReset, report.UnitID)
	for _, c := range report.Checks {
		mark := ColorGreen + "PASS" + ColorReset
		if !c.Pass {
			mark = ColorBold + "FAIL" + ColorReset
		}
		fmt.Fprintf(w, "  [%s] %-14s %s\n", mark, c.Name, c.Reason)
	}
	if report.Verified {
		fmt.Fprintf(w, "%sVERIFIED%s\n", ColorGreen, ColorReset)
	} else {
		fmt.Fprintf(w, "NOT VERIFIED (%d issues)\n", report.IssueCount)
	}
}
