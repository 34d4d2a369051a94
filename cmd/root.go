package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd is the base command for the beamdrop CLI.
var rootCmd = &cobra.Command{
	Use:   "beamdrop",
	Short: "beamdrop - peer-to-peer file transfer over WebRTC",
	Long:  "beamdrop runs the pieces of a peer-to-peer file transfer system: the signaling relay, the session API, and the peers that exchange files over a direct data channel.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Use 'beamdrop --help' for available commands.")
	},
}

// Execute runs the root command.
func Execute() {
	cobra.OnInitialize(initConfig)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// initConfig initializes Viper to read in configuration.
func initConfig() {
	viper.SetConfigName("config") // config file name (without extension)
	viper.SetConfigType("yaml")   // config file type
	viper.AddConfigPath(".")      // look for the config in the current directory

	viper.SetDefault("relay.port", 3000)
	viper.SetDefault("api.port", 8080)
	viper.SetDefault("api.public_url", "http://localhost:8080")
	viper.SetDefault("peer.server_url", "ws://localhost:3000")
	viper.SetDefault("peer.download_dir", "downloads")

	// Deployment environments hand the listener port over as PORT.
	viper.BindEnv("relay.port", "PORT")
	viper.BindEnv("api.port", "API_PORT")

	if err := viper.ReadInConfig(); err != nil {
		fmt.Println("No config file found, using defaults.")
	}
}
