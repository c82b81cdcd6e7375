/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homefeed/db"
	"homefeed/feeds"
	"homefeed/models"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func watchCmd() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Print a viewer's live feed",
		Description: `Runs the feed of one viewer against the database and prints
		every state change as a JSON object on a single line.

		--grow-every simulates a reader scrolling to the end of the feed.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "viewer",
				Aliases:  []string{"v"},
				Usage:    "Viewer whose feed to watch",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "grow-every",
				Usage: "Load another page at this interval, 0 to never grow",
			},
			&cli.BoolFlag{
				Name:  "stories",
				Usage: "Print the story strip instead of the post feed",
			},
		},
		Action: func(ctx *cli.Context) error {
			c, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			store, err := db.Open(c.Database.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			viewer := models.ProducerID(ctx.String("viewer"))
			f := feeds.New(viewer, store, c.FeedSettings())
			defer f.Close()

			onChange := f.OnChange
			if ctx.Bool("stories") {
				if f.Stories() == nil {
					return errors.New("stories are disabled in the configuration")
				}
				onChange = f.Stories().OnChange
			}
			remove := onChange(printState)
			defer remove()

			if err := f.Start(sigCtx); err != nil {
				log.WithFields(log.Fields{
					"viewer": viewer,
					"error":  err,
				}).Warn("Watching own items only")
			}

			var grow <-chan time.Time
			if every := ctx.Duration("grow-every"); every > 0 {
				ticker := time.NewTicker(every)
				defer ticker.Stop()
				grow = ticker.C
			}

			for {
				select {
				case <-sigCtx.Done():
					return nil
				case <-grow:
					f.EndReached()
				}
			}
		},
	}
}

func printState(s feeds.State) {
	data, err := json.Marshal(s)
	if err != nil {
		log.WithField("error", err).Error("Error encoding state")
		return
	}
	fmt.Println(string(data))
}
