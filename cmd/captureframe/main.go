// cmd/captureframe/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "captureframe",
	Short: "Camera capture node with live preview and recording",
	Long: `Runs the cameras attached to this machine, serves live previews over
WebSocket and records takes to local folders. Recording can be driven from
the terminal dashboard or over MQTT.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/captureframe/config.yaml)")
	rootCmd.AddCommand(runCmd, configCmd)
}
