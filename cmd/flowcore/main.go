// Command flowcore is a thin CLI around the runtime library: validate a
// manifest, run one to completion against stdin/stdout or files, or
// host the metrics/health HTTP surface for a long-running process.
// Packaging, registry distribution and config-file loading are left to
// the embedding deployment; this binary exists to exercise the library
// end to end.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowcore",
		Short: "Flowcore media-pipeline runtime",
		Long:  "Run and validate media-processing DAG pipelines described by a flowcore manifest",
	}

	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
