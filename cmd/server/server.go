// The server command is the main entrypoint for running smopd. It takes
// care of initializing everything needed for a fully functional SMOP
// server.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/opensmo/smopd/internal"
	"github.com/opensmo/smopd/internal/core"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:        "server",
		Usage:       "smopd server",
		Description: "Runs the smopd server.",
		Action:      server,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the directory containing the server config file",
				EnvVars: []string{"SMOPD_CONFIG"},
				Value:   "./",
			},
		},
	}
}

func server(cliCtx *cli.Context) error {
	configPath := cliCtx.String("config")
	config := core.LoadConfig(configPath)
	fmt.Println("using configuration file in:", configPath)

	// Change to the same directory as the config file so that any relative
	// paths in the config file will resolve.
	if err := os.Chdir(filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("error changing to config directory: %w", err)
	}

	// Bind the Controller to one top-level server context so that we can
	// shut down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Register a SIGTERM handler so that Ctrl-C will shut the server down
	// gracefully.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("waiting to shut down gracefully...")
		cancel()
	}()

	controller := &internal.Controller{Config: config}
	if err := controller.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	fmt.Println("shut down")
	return nil
}
