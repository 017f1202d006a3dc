// Advisor — multi-agent question answering for banking customers.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "advisor",
	Short: "Advisor — banking assistant that answers customer questions with specialized tools.",
	Long: `Advisor answers banking questions by decomposing each query into
sub-questions, dispatching them to specialized tools (rate documents, the
customer database, pending transactions), and synthesizing a reviewed answer.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, askCmd, ingestCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
