package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "0.3.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub the long-running path.
var startServer = runServer

// Run dispatches the command line and returns the process exit code:
// 0 success, 1 runtime failure, 2 usage error. No arguments, or a
// flag-like first argument, runs the server.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer()
	}

	switch args[1] {
	case "server", "serve":
		return startServer()
	case "version":
		fmt.Fprintf(stdout, "watchkeeper %s\n", version)
		return 0
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "watchkeeper %s\n", version)
	fmt.Fprintln(w, "The assistant proposes. The core decides.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  watchkeeper <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server    Run the control plane (default)")
	fmt.Fprintln(w, "  health    Probe a running core over HTTP")
	fmt.Fprintln(w, "  policy    Validate a standing-orders document (policy check <file>)")
	fmt.Fprintln(w, "  export    Write the event log as JSON Lines, locally or to a bucket")
	fmt.Fprintln(w, "  version   Print the version")
	fmt.Fprintln(w, "  help      Show this help")
}

// runHealthCmd probes /health on a running core. The default address
// matches the server's default bind.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "127.0.0.1:8750", "host:port of the running core")
	timeout := fs.Duration("timeout", 3*time.Second, "probe timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get("http://" + *addr + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
