/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homefeed/db"
	"homefeed/ingest"
	"homefeed/server"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve viewer feeds over HTTP",
		Description: `Starts the homefeed HTTP server and, when ingest hosts are
		configured, the change stream subscriber.

		Runs pending migrations first. Feeds are started the first time a
		viewer is requested and kept live until shutdown.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Aliases: []string{"l"},
				Usage:   "Address to listen on, overrides server.listen",
				EnvVars: []string{"HOMEFEED_LISTEN"},
			},
			&cli.StringSliceFlag{
				Name:    "ingest-host",
				Usage:   "Change stream host to subscribe to, overrides ingest.hosts",
				EnvVars: []string{"HOMEFEED_INGEST_HOSTS"},
			},
		},
		Action: func(ctx *cli.Context) error {
			c, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if ctx.IsSet("listen") {
				c.Server.Listen = ctx.String("listen")
			}
			if ctx.IsSet("ingest-host") {
				c.Ingest.Hosts = ctx.StringSlice("ingest-host")
			}

			if err := db.Migrate(c.Database.Path); err != nil {
				return err
			}
			store, err := db.Open(c.Database.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions := server.NewSessions(store, c.FeedSettings())
			bc := server.NewBroadcaster()
			app := server.Server(&server.ServerConfig{
				Store:        store,
				Sessions:     sessions,
				Broadcaster:  bc,
				AllowOrigins: c.Server.AllowOrigins,
			})

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(sigCtx)

			g.Go(func() error {
				log.WithField("listen", c.Server.Listen).Info("Starting server")
				return app.Listen(c.Server.Listen)
			})

			g.Go(func() error {
				return sessions.Run(gctx, c.Server.SessionIdle)
			})

			if len(c.Ingest.Hosts) > 0 {
				g.Go(func() error {
					return ingest.Subscribe(gctx, store, c.IngestSettings())
				})
			}

			g.Go(func() error {
				<-gctx.Done()
				log.Info("Gracefully shutting down")
				bc.Shutdown()
				sessions.Shutdown()
				return app.ShutdownWithTimeout(60 * time.Second)
			})

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("Done")
			return nil
		},
	}
}
