package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Version is stamped at build time.
var Version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(args) < 2 {
		return runServe(ctx, nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(ctx, args[2:], stdout, stderr)
	case "simulate":
		return runSimulate(ctx, args[2:], stdout, stderr)
	case "logs":
		return runLogs(ctx, args[2:], stdout, stderr)
	case "token":
		return runToken(args[2:], stdout, stderr)
	case "health":
		return runHealth(ctx, args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "agentscm %s\n", Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(ctx, args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sagentscm %s%s\n", colorBold, Version, colorReset)
	fmt.Fprintf(w, "%sDelivery-triggered settlement with an audited decision trail.%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  agentscm <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVICE")
	printCommand(w, "serve", "Run the settlement API (default)")
	printCommand(w, "health", "Check a running server (--url)")

	printSection(w, "OPERATIONS")
	printCommand(w, "simulate", "Emit delivery events from the shipment catalog")
	printCommand(w, "logs", "Print or verify the audit log (--type, --payments, --verify)")
	printCommand(w, "token", "Issue a bearer token for the API (--subject, --ttl)")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}
