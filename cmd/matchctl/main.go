package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "matchctl",
		Usage: "Offline tools for the energy matching engine",
		Commands: []*cli.Command{
			allocateCmd,
			replayCmd,
			tokenCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error: ", err)
		os.Exit(1)
	}
}
