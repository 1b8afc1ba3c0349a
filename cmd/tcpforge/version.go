package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	buildVersion = "0.1.0"
	buildCommit  = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print tcpforge's version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tcpforge %s (commit %s)\n", buildVersion, buildCommit)
	},
}
