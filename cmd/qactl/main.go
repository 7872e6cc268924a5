// Command qactl validates, queries and normalizes Q&A corpus documents
// without running the server.
package main

import (
	"os"

	"github.com/kangjinkui/katokbot/cmd/qactl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
