package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information
const version = "v0.1.0"

var rootCmd = &cobra.Command{
	Use:           "videostream",
	Short:         "MJPEG camera stream controller",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `videostream connects to an HTTP MJPEG camera, tracks the connection
phase (idle, connecting, buffering, playing, error) and re-serves the frames
to browsers over HTTP and websockets. Status and control are also available
over MQTT.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}
