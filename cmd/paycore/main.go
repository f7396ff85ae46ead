package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "address":
		return runAddressCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "verify-log":
		return runVerifyLogCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "paycore: self-custodial payment trust layer")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  paycore <command> [flags]")
	fmt.Fprintln(w, "")
	printCommand(w, "serve", "Run the HTTP node (default)")
	printCommand(w, "keygen", "Generate an Ed25519 key (--name, --json)")
	printCommand(w, "address", "Derive the address of a multibase key (--key)")
	printCommand(w, "token", "Issue a channel bearer token (--seed, --channel, --ttl)")
	printCommand(w, "verify-log", "Verify the operation log hash chain (--json)")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration is read from PAYCORE_* environment variables and the")
	fmt.Fprintln(w, "policy file named by PAYCORE_POLICY_FILE.")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-12s %s\n", name, desc)
}
