/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cortexos/cortexos/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(_ *cobra.Command, _ []string) error {
		info := version.Get()
		if outputFormat != "table" {
			return printFormatted(info)
		}
		fmt.Printf("cortexd %s\n", info.Version)
		fmt.Printf("  Git commit: %s\n", info.GitCommit)
		fmt.Printf("  Built:      %s\n", info.BuildTime)
		fmt.Printf("  Go version: %s\n", info.GoVersion)
		fmt.Printf("  Platform:   %s\n", info.Platform)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
