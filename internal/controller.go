package internal

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opensmo/smopd/internal/core"
	"github.com/opensmo/smopd/internal/core/data"
	"github.com/opensmo/smopd/internal/game"
)

// Controller is the main entrypoint for smopd. It's responsible for
// initializing the shared resources (database, cache, and logging),
// assembling the game server, and launching the frontend.
type Controller struct {
	Config *core.Config

	// Configure is called after the game server is assembled and before
	// connections are accepted. Deployments use it to register hooks for
	// chat commands and moderation tooling.
	Configure func(*game.Server)

	logger *logrus.Logger
	wg     sync.WaitGroup

	server *game.Server
}

func (c *Controller) Start(ctx context.Context) error {
	// Set up the logger, which is shared by every session.
	logger, err := core.NewLogger(c.Config)
	if err != nil {
		return err
	}
	c.logger = logger

	db, err := data.Initialize(c.Config)
	if err != nil {
		c.logger.Errorf("error connecting to database: %v", err)
		return err
	}
	defer func() {
		if err := data.Shutdown(db); err != nil {
			c.logger.Warnf("error shutting down database: %v", err)
		}
	}()

	c.server = &game.Server{
		Config:    c.Config,
		Logger:    c.logger,
		DB:        db,
		Cache:     data.NewCache(),
		Directory: game.NewDirectory(c.logger),
		Hooks:     game.NewHooks(c.logger),
	}
	if c.Configure != nil {
		c.Configure(c.server)
	}

	f := &frontend{
		Address: c.Config.ListenAddress(),
		Server:  c.server,
		Config:  c.Config,
		Logger:  c.logger,
	}
	if err := f.Start(ctx, &c.wg); err != nil {
		c.logger.Errorf("error starting server: %v", err)
		return err
	}

	c.wg.Wait()
	return nil
}
