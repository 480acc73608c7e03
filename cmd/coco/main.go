// Package main provides the coco CLI entrypoint.
//
// Usage:
//
//	coco serve [--config <path>]
package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/coco/cli/cmd"
)

func main() {
	app := &cli.App{
		Name:  "coco",
		Usage: "Configuration controller for a fleet of worker nodes",
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.VersionCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}
