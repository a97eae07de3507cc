package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"funnelbot/internal/model"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Process everything due now once",
	Long: `Dispatch every due broadcast in send_at order, then every due
onboarding message, and exit. Suitable for an external cron or a systemd
timer in place of the built-in scheduler.`,
	Args: cobra.NoArgs,
	RunE: runTick,
}

func runTick(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	sum, tickErr := a.Engine().Tick(ctx)
	if outputFormat == "json" {
		if err := outputJSON(sum); err != nil {
			return err
		}
		return tickErr
	}
	for _, rep := range sum.Broadcasts {
		printReport(rep)
	}
	fmt.Printf("%d broadcasts, %d onboarding messages\n", len(sum.Broadcasts), len(sum.Triggered))
	return tickErr
}

func printReport(rep model.DispatchReport) {
	fmt.Printf("message %d (%s): delivered=%d blocked=%d deleted=%d forbidden=%d skipped=%d retries=%d\n",
		rep.MessageID, rep.Kind, rep.Delivered, rep.Blocked, rep.Deleted, rep.Forbidden, rep.Skipped, rep.Retries)
	if rep.Error != "" {
		fmt.Printf("  error: %s\n", rep.Error)
	}
}
