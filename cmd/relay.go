package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/metrics"
	"github.com/TFMV/beamdrop/relay"
)

// relayCmd starts the signaling relay.
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Start the signaling relay",
	Long:  "The relay pairs two peers per session and forwards their connection setup messages. No file data passes through it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := zap.NewProduction()
		if err != nil {
			fmt.Println("Failed to initialize logger:", err)
			return err
		}
		defer logger.Sync()

		metrics.Register()

		port := viper.GetInt("relay.port")
		srv := relay.NewServer(logger, port)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := srv.ListenAndServe(ctx); err != nil {
			logger.Error("Relay server stopped", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	relayCmd.Flags().Int("port", 3000, "Port to listen on")
	viper.BindPFlag("relay.port", relayCmd.Flags().Lookup("port"))
	rootCmd.AddCommand(relayCmd)
}
