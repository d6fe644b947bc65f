package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/goxel/goxeld/internal/version"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "goxeld",
		Short: "Goxel voxel editor daemon",
		Long:  "Run the goxel daemon: a local IPC backend serving voxel editing, project I/O, and rendering to multiple clients",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("goxeld %s (%s)\n", version.Version, version.Build)
		},
	}
}
