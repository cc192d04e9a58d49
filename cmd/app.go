package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/opensmo/smopd/cmd/server"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Printf("smopd error: %v", err)
	}
}

func app() *cli.App {
	app := cli.NewApp()
	app.Name = "smopd"
	app.Usage = "StepMania Online Project server"
	app.Commands = []*cli.Command{
		server.Command(),
	}
	app.DefaultCommand = "server"

	return app
}
