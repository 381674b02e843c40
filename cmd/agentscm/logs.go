package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Mindburn-Labs/agentscm/pkg/audit"
)

// runLogs prints the audit log as NDJSON, optionally filtered, or verifies
// that every line parses.
func runLogs(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("logs", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	path := cmd.String("path", envOr("AGENTSCM_AUDIT_LOG", "logs/events.log"), "Audit log file")
	typ := cmd.String("type", "", "Only print entries of this type")
	paymentsOnly := cmd.Bool("payments", false, "Only print payment entries")
	verify := cmd.Bool("verify", false, "Report unparsable lines and exit non-zero if any")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if *verify {
		return verifyLog(*path, stdout, stderr)
	}

	log, err := audit.Open(*path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer log.Close()

	entries, err := log.ReadAll(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	switch {
	case *paymentsOnly:
		entries = audit.Filter(entries, audit.PaymentTypes...)
	case *typ != "":
		t := audit.Type(*typ)
		if !t.Valid() {
			_, _ = fmt.Fprintf(stderr, "Unknown entry type: %s\n", *typ)
			return 2
		}
		entries = audit.Filter(entries, t)
	}

	enc := json.NewEncoder(stdout)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return 1
		}
	}
	return 0
}

func verifyLog(path string, stdout, stderr io.Writer) int {
	f, err := os.Open(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	var total, bad int
	for n := 1; sc.Scan(); n++ {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		total++
		if _, ok := audit.Parse(line); !ok {
			bad++
			_, _ = fmt.Fprintf(stdout, "line %d: unparsable entry\n", n)
		}
	}
	if err := sc.Err(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%d entries, %d unparsable\n", total, bad)
	if bad > 0 {
		return 1
	}
	return 0
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
