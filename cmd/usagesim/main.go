package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "usagesim",
		Short:         "usagesim: synthetic AI usage events for billing ingestion",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	g.register(root)

	root.AddCommand(
		newRunCmd(g),
		newGenerateCmd(g),
		newSendCmd(g),
		newValidateCmd(g),
		newRatesCmd(g),
		newRunsCmd(g),
		newMCPCmd(g),
		newSinkCmd(g),
	)
	return root
}
