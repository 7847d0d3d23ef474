// Command kbingest keeps a vector store and a knowledge graph in sync with a
// directory of documents. It provides a long-running watch daemon and
// one-shot ingest, delete and query commands (via Cobra).
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/kbingest-go/cmd/kbingest/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
