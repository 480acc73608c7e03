package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// Version is the controller version, overridable at build time with
// -ldflags "-X .../cli/cmd.Version=...".
var Version = "dev"

// VersionCommand returns the version command.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintln(c.App.Writer, Version)
			return nil
		},
	}
}
