package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"funnelbot/internal/app"
	"funnelbot/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	if err := a.Migrate(); err != nil {
		return err
	}
	fmt.Printf("schema at version %d\n", storage.LatestMigrationVersion)
	return nil
}
