package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rosebud version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rosebud %s %s/%s (%s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
	},
}
