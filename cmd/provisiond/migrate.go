package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/storage"
)

var (
	migrateFromDriver string
	migrateFromPath   string
	migrateLegacy     string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Initialize the store and optionally import records into it",
	Long: `migrate opens the configured store, creating its schema or data
directory. With --from-driver/--from-path it copies every record of another
store into it; with --legacy-db it imports an instances database written by
the first version of the service. Ids already present are skipped.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateFromDriver, "from-driver", "", "source store driver (badger or sqlite)")
	migrateCmd.Flags().StringVar(&migrateFromPath, "from-path", "", "source store location")
	migrateCmd.Flags().StringVar(&migrateLegacy, "legacy-db", "", "first-generation sqlite database to import")
	migrateCmd.MarkFlagsRequiredTogether("from-driver", "from-path")
	migrateCmd.MarkFlagsMutuallyExclusive("from-path", "legacy-db")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	dst, err := storage.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer dst.Close()
	logger.Info("store ready", zap.String("driver", cfg.Store.Driver), zap.String("path", cfg.Store.Path))

	res, err := migrate(cmd.Context(), dst, cfg.Policy.Region)
	if err != nil {
		return err
	}
	if res != nil {
		logger.Info("migration complete", zap.Int("copied", res.Copied), zap.Int("skipped", res.Skipped))
		fmt.Fprintf(cmd.OutOrStdout(), "copied %d, skipped %d\n", res.Copied, res.Skipped)
	}
	return nil
}

func migrate(ctx context.Context, dst storage.Store, region string) (*storage.CopyResult, error) {
	switch {
	case migrateLegacy != "":
		res, err := storage.ImportLegacy(ctx, dst, migrateLegacy, region)
		return &res, err
	case migrateFromPath != "":
		src, err := storage.Open(migrateFromDriver, migrateFromPath)
		if err != nil {
			return nil, err
		}
		defer src.Close()
		res, err := storage.Copy(ctx, dst, src)
		return &res, err
	}
	return nil, nil
}
