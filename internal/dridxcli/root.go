// Package dridxcli implements the dridx command line client for the index
// daemon.
package dridxcli

import (
	"os"

	"github.com/spf13/cobra"

	"driveindex/internal/dridxd"
	"driveindex/internal/version"
)

// DefaultAddr is where dridxd listens unless told otherwise.
const DefaultAddr = "127.0.0.1:7411"

func NewRootCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "dridx",
		Short: "Drive index client",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.Version = version.String()
	cmd.InitDefaultVersionFlag()
	if f := cmd.Flags().Lookup("version"); f != nil {
		f.Shorthand = "v"
	}

	cmd.PersistentFlags().StringVar(&addr, "addr", defaultAddr(), "daemon address (tcp)")

	cmd.AddCommand(newStartCommand(&addr))
	cmd.AddCommand(newStopCommand(&addr))
	cmd.AddCommand(newClearCommand(&addr))
	cmd.AddCommand(newStatusCommand(&addr))
	cmd.AddCommand(newEnrichCommand(&addr))
	cmd.AddCommand(newPrioritizeCommand(&addr))
	cmd.AddCommand(newCancelNavCommand(&addr))
	cmd.AddCommand(newWatchCommand(&addr))
	return cmd
}

func defaultAddr() string {
	if v := os.Getenv("DRIVEINDEX_ADDR"); v != "" {
		return v
	}
	return DefaultAddr
}

func dial(addr string) (*dridxd.Client, error) {
	return dridxd.Dial(addr)
}
