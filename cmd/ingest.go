/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"homefeed/db"
	"homefeed/ingest"
	"homefeed/models"

	"github.com/urfave/cli/v2"
)

func ingestCmd() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Write the change stream into the database",
		Description: `Subscribe to the websocket change stream and store every
		post and story event in the database.

		With --stdout the events are not stored but printed as one JSON object
		per line, for piping into another tool like jq.

		Prints all other log messages to stderr.`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "host",
				Usage:   "Change stream host, overrides ingest.hosts",
				EnvVars: []string{"HOMEFEED_INGEST_HOSTS"},
			},
			&cli.Int64Flag{
				Name:  "cursor",
				Usage: "Stream position (time_us) to resume from",
			},
			&cli.BoolFlag{
				Name:  "stdout",
				Usage: "Print events instead of storing them",
			},
		},
		Action: func(ctx *cli.Context) error {
			c, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			if ctx.IsSet("host") {
				c.Ingest.Hosts = ctx.StringSlice("host")
			}
			if len(c.Ingest.Hosts) == 0 {
				return errors.New("no ingest hosts configured")
			}

			settings := c.IngestSettings()
			settings.Cursor = ctx.Int64("cursor")

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if ctx.Bool("stdout") {
				return ingest.Subscribe(sigCtx, &printSink{}, settings)
			}

			if err := db.Migrate(c.Database.Path); err != nil {
				return err
			}
			store, err := db.Open(c.Database.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			return ingest.Subscribe(sigCtx, store, settings)
		},
	}
}

// printSink writes each event as a single JSON line on stdout
type printSink struct {
	mu sync.Mutex
}

func (p *printSink) Apply(ctx context.Context, event models.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = fmt.Println(string(data))
	return err
}
