package commands

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"funnelbot/internal/app"
)

var (
	// cfgPath is the JSON or YAML config file.
	cfgPath string

	// envFile is loaded before the config; missing files are ignored.
	envFile string

	// outputFormat controls one-shot command output (text, json).
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "funnelbot",
	Short: "Broadcast delivery for referral bots",
	Long: `funnelbot delivers scheduled broadcasts and onboarding messages from the
shared message store to each recipient through their agent's bot.

Run it as a service with "run", or trigger single passes with "tick" and
"dispatch".`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	},
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "output format: text, json")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(dispatchCmd)
	rootCmd.AddCommand(migrateCmd)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openApp builds the app and applies migrations for one-shot commands.
func openApp(ctx context.Context) (*app.App, error) {
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return nil, err
	}
	if err := a.Migrate(); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
