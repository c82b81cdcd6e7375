/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"homefeed/db"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func tidyCmd() *cli.Command {
	return &cli.Command{
		Name:  "tidy",
		Usage: "Tidy up the database",
		Description: `Tidy up the database by removing stories that are old.

		Removes stories older than stories.max_age (24 hours by default).
		Can be run as a cron job; open feeds drop the removed stories live.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "collection",
				Usage: "Collection to tidy, defaults to the stories collection",
			},
			&cli.DurationFlag{
				Name:  "max-age",
				Usage: "Remove documents older than this, defaults to stories.max_age",
			},
		},
		Action: func(ctx *cli.Context) error {
			c, err := loadConfig(ctx)
			if err != nil {
				return err
			}

			collection := c.Stories.Collection
			if ctx.IsSet("collection") {
				collection = ctx.String("collection")
			}
			maxAge := c.Stories.MaxAge
			if ctx.IsSet("max-age") {
				maxAge = ctx.Duration("max-age")
			}

			store, err := db.Open(c.Database.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.Tidy(ctx.Context, collection, maxAge)
			if err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"collection": collection,
				"removed":    removed,
			}).Info("Tidied database")
			return nil
		},
	}
}
