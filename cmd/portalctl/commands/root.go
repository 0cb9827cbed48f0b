package commands

import (
	"context"
	"fmt"
	"os"

	"gymops-backend/cmd/portalctl/globals"
	"gymops-backend/lib/configutil"
	"gymops-backend/lib/restyutil"
	"gymops-backend/lib/telemetry"

	"github.com/spf13/cobra"
)

var (
	configPath *string
	verbose    *bool
	dumpHttp   *string
)

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "portalctl.json5", "Config file, searched for from the working directory upwards.")
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output.")
	dumpHttp = rootCmd.PersistentFlags().String("dump-http", "", "Write a transcript of every portal request into this directory.")
}

var rootCmd = &cobra.Command{
	Use:   "portalctl",
	Short: "portalctl is an operator tool for the gym's member portal.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		telemetry.InitSlog(*verbose)

		cfg, err := configutil.Load[globals.Config](*configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		value := &globals.Value{Config: cfg}
		err = configutil.OverlayEnv(&value.Credentials)
		if err != nil {
			return fmt.Errorf("read credentials: %w", err)
		}
		if *dumpHttp != "" {
			out, err := restyutil.NewFilesystemOutput(*dumpHttp)
			if err != nil {
				return fmt.Errorf("prepare --dump-http directory: %w", err)
			}
			value.Transcripts = out
		}

		cmd.SetContext(globals.Set(cmd.Context(), value))
		return nil
	},
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
