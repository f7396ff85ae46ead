package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/paycore/pkg/config"
)

type verifyReport struct {
	Valid  bool   `json:"valid"`
	Length uint64 `json:"length"`
	Head   string `json:"head,omitempty"`
	Error  string `json:"error,omitempty"`
}

// runVerifyLogCmd implements `paycore verify-log`.
//
// Exit codes:
//
//	0 = chain verified
//	1 = chain broken
//	2 = runtime error
func runVerifyLogCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-log", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output the report as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel, stderr)

	opLog, closeLog, err := openLog(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = closeLog() }()

	var report verifyReport
	report.Length, err = opLog.Len(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if report.Length > 0 {
		if head, err := opLog.Head(ctx); err == nil && head != nil {
			report.Head = head.CommitHash
		}
	}
	report.Valid, err = opLog.Verify(ctx, 0, report.Length)
	if err != nil {
		report.Error = err.Error()
	}

	if *jsonOutput {
		_ = json.NewEncoder(stdout).Encode(report)
	} else if report.Valid {
		fmt.Fprintf(stdout, "operation log verified: %d entries, head %s\n", report.Length, report.Head)
	} else {
		fmt.Fprintf(stdout, "operation log BROKEN: %s\n", report.Error)
	}
	if !report.Valid {
		return 1
	}
	return 0
}
