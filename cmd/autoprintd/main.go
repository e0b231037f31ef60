package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "autoprintd",
	Short: "Event-driven print dispatch service",
	Long: `autoprintd turns business events into print jobs according to
configured rules and dispatches them to printers and printer groups.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "./autoprint.yaml", "config file")
	rootCmd.AddCommand(serveCmd, hashSecretCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
