package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"funnelbot/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler and admin API until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	err = a.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
