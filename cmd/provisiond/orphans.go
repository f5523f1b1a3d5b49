package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
)

var orphansCmd = &cobra.Command{
	Use:   "orphans [backend]",
	Short: "List backend instances that have no local record",
	Long: `orphans asks a backend for every instance it knows and prints, as JSON,
those the store does not track. They are usually left behind by creates
whose record could not be written and must be destroyed by hand.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOrphans,
}

func runOrphans(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := build(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	name := a.backends.Default()
	if len(args) == 1 {
		name = args[0]
	}
	orphans, err := a.orch.Orphans(cmd.Context(), name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(orphans)
}
