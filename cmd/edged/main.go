// Command edged runs the retail edge node: it keeps the terminal network
// operational while the cloud control plane is unreachable and installs
// packages pushed from it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "edged",
		Short:   "Retail edge node daemon",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStatusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
