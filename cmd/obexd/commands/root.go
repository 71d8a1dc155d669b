// Package commands implements the obexd command line.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "obexd",
	Short: "OBEX Object Push and Phonebook Access daemon",
	Long: `obexd serves the OBEX Object Push (OPP) and Phonebook Access (PBAP)
profiles over BlueZ RFCOMM or plain TCP, and pushes files to remote devices.

Every configuration key can be overridden with OBEXD_<SECTION>_<KEY>, for
example OBEXD_LOGGING_LEVEL=DEBUG.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for tests.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/obexd/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(configCmd)
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}
