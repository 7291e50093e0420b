package main

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/Watchkeep-Labs/watchkeeper/core/pkg/policy"
)

// runPolicyCmd validates a standing-orders document offline, so a bad
// edit is caught before the watcher picks it up and the running core
// falls back to deny-everything.
func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || args[0] != "check" {
		fmt.Fprintln(stderr, "usage: watchkeeper policy check <file>")
		return 2
	}

	fs := flag.NewFlagSet("policy check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: watchkeeper policy check <file>")
		return 2
	}
	path := fs.Arg(0)

	doc, err := policy.LoadDocumentFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", path, err)
		return 1
	}

	conditions := make([]string, 0, len(doc.Conditions))
	for name := range doc.Conditions {
		conditions = append(conditions, name)
	}
	sort.Strings(conditions)

	fmt.Fprintf(stdout, "%s: ok\n", path)
	fmt.Fprintf(stdout, "  version:    %s\n", doc.Version)
	fmt.Fprintf(stdout, "  conditions: %d\n", len(conditions))
	for _, name := range conditions {
		fmt.Fprintf(stdout, "    %s\n", name)
	}
	fmt.Fprintf(stdout, "  tools:      %d\n", len(doc.Tools))
	if doc.Defaults.ConfirmWindowSeconds > 0 {
		fmt.Fprintf(stdout, "  confirm window: %ds\n", doc.Defaults.ConfirmWindowSeconds)
	}
	return 0
}
