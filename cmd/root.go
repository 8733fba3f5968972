// Package cmd wires the CLI surface.
package cmd

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "llms",
	Short: "llms is a transforming gateway for LLM provider APIs",
	Long: `llms exposes OpenAI, Anthropic, Gemini and responses-style endpoints and
routes every request through a configurable transformer chain to any
configured upstream provider.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// A missing .env file is not an error; explicit environment wins.
		_ = godotenv.Load()
	},
}

// Execute runs the CLI dispatcher under the given context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
