package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "boatdispatch",
		Short: "Water-taxi ride dispatch",
		Long: `boatdispatch runs the ride intake, dispatch and fleet coordination API
and the maintenance jobs that keep ride and captain records consistent.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $CONFIG_FILE)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(reconcileCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(tokenCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
