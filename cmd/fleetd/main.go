package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"busfleet/internal/buildinfo"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd - school bus fleet realtime and trip-lifecycle engine",
	Long: `fleetd runs the realtime gateway for bus GPS and trip events, the
daily trip generator and the stale-bus monitor.

Settings come from .env, the environment and an optional CONFIG_FILE.`,
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("fleetd %s\n", buildinfo.String()))

	generateCmd.Flags().String("date", "", "service date (YYYY-MM-DD, default today)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(migrateCmd)
}
