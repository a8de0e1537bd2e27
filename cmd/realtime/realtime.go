package realtime

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/stockvision/internal/analysis"
	"github.com/tphakala/stockvision/internal/conf"
	"github.com/tphakala/stockvision/internal/logger"
)

// Command creates the command that runs camera tracking and the API.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "realtime",
		Short: "Track stock from cameras in realtime",
		Long:  "Start the camera workers, the validation workflow and the HTTP API, and run until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func run(ctx context.Context, settings *conf.Settings) error {
	defer func() {
		central := logger.Global()
		_ = central.Flush()
		_ = central.Close()
	}()
	return analysis.RealtimeAnalysis(ctx, settings)
}

// setupFlags configures flags specific to the realtime command. They
// override the matching config file keys.
func setupFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("listen", "", "Listen address of the HTTP API, for example :8080")
	flags.Int("stability", 0, "Minutes a detection must persist before it counts as stable")
	flags.Float64("threshold", 0, "Minimum detection confidence, between 0 and 1")
	flags.Int("alert-delay", 0, "Hours a validation request may stay pending before an alert")
	flags.String("ffmpeg", "", "Path to the ffmpeg binary")

	bindings := map[string]string{
		"listen":      "webserver.listen",
		"stability":   "tracking.stabilitydurationminutes",
		"threshold":   "tracking.confidencethreshold",
		"alert-delay": "tracking.alertdelayhours",
		"ffmpeg":      "worker.ffmpegpath",
	}
	for flag, key := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
