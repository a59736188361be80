package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"busfleet/internal/assign"
	"busfleet/internal/scheduler"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate trips for one service date (manual trigger)",
	Long: `Runs the manual trip generation against the configured store and prints
the trigger result as JSON. A date that already has generated trips is
reported, not regenerated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dateStr, _ := cmd.Flags().GetString("date")
		cfg, err := setup()
		if err != nil {
			return err
		}
		date := time.Now()
		if dateStr != "" {
			if date, err = time.ParseInLocation("2006-01-02", dateStr, cfg.Location); err != nil {
				return fmt.Errorf("invalid --date: %w", err)
			}
		}
		st, closeStore, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		sched := scheduler.New(st, scheduler.Config{
			Matcher:  assign.NewMatcher(cfg.MatchThresholdDeg),
			Location: cfg.Location,
		})
		res, err := sched.Trigger(cmd.Context(), date)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}
