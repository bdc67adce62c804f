// Command agentcall runs one live test call against a voice agent and prints
// the transcript as it arrives.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "agentcall",
		Short:         "Run live test calls against a voice agent",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCmd(), newPerfCmd(), newValidateCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
