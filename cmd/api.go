package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/beamdrop/server"
)

// apiCmd starts the session API server.
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the session API server",
	Long:  "The session API mints session identifiers and join links. Peers take the session ID from here to the relay.",
	Run: func(cmd *cobra.Command, args []string) {
		// Initialize Zap logger.
		logger, err := zap.NewProduction()
		if err != nil {
			fmt.Println("Failed to initialize logger:", err)
			return
		}
		defer logger.Sync()

		// Start the Fiber-based API server.
		server.StartAPIServer(logger)
	},
}

func init() {
	apiCmd.Flags().Int("port", 8080, "Port to listen on")
	viper.BindPFlag("api.port", apiCmd.Flags().Lookup("port"))
	rootCmd.AddCommand(apiCmd)
}
