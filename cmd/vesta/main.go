package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	serverAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vesta",
		Short: "Vesta - local Lambda-compatible function platform",
		Long:  "Run AWS-Lambda-style functions in local containers: code ingestion, warm pools, autoscaling, and a Lambda-flavored HTTP API",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:9000", "Control API address")

	rootCmd.AddCommand(
		daemonCmd(),
		functionCmd(),
		invokeCmd(),
		scheduleCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var buildVersion = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("vesta", buildVersion)
		},
	}
}
