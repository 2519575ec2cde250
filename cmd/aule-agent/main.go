package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	debug   bool
)

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "aule-agent",
		Short:         "Tool-using conversational agent with a bounded reasoning loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (JSON or YAML)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level")

	root.AddCommand(serveCmd(), chatCmd(), sealCmd())
	return root
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
