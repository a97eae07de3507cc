package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <message-id>",
	Short: "Send one broadcast now, ignoring its send time",
	Args:  cobra.ExactArgs(1),
	RunE:  runDispatch,
}

func runDispatch(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid message id %q", args[0])
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	rep, dispatchErr := a.Engine().Dispatch(ctx, id)
	if dispatchErr != nil && !rep.Claimed {
		return dispatchErr
	}
	if outputFormat == "json" {
		if err := outputJSON(rep); err != nil {
			return err
		}
		return dispatchErr
	}
	if !rep.Claimed {
		fmt.Printf("message %d was already sent\n", id)
		return nil
	}
	printReport(rep)
	return dispatchErr
}
