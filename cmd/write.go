/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"time"

	"homefeed/db"
	"homefeed/models"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func viewerProducerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "viewer",
			Aliases:  []string{"v"},
			Usage:    "The following user",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "producer",
			Aliases:  []string{"p"},
			Usage:    "The followed user",
			Required: true,
		},
	}
}

// withStore opens the configured database for a single write
func withStore(ctx *cli.Context, fn func(store *db.DB) error) error {
	c, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	store, err := db.Open(c.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func followCmd() *cli.Command {
	return &cli.Command{
		Name:  "follow",
		Usage: "Make a viewer follow a producer",
		Flags: viewerProducerFlags(),
		Action: func(ctx *cli.Context) error {
			return withStore(ctx, func(store *db.DB) error {
				return store.Follow(ctx.Context, models.ProducerID(ctx.String("viewer")), models.ProducerID(ctx.String("producer")))
			})
		},
	}
}

func unfollowCmd() *cli.Command {
	return &cli.Command{
		Name:  "unfollow",
		Usage: "Make a viewer stop following a producer",
		Flags: viewerProducerFlags(),
		Action: func(ctx *cli.Context) error {
			return withStore(ctx, func(store *db.DB) error {
				return store.Unfollow(ctx.Context, models.ProducerID(ctx.String("viewer")), models.ProducerID(ctx.String("producer")))
			})
		},
	}
}

func postCmd() *cli.Command {
	return &cli.Command{
		Name:  "post",
		Usage: "Write a post or story",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "producer",
				Aliases:  []string{"p"},
				Usage:    "Author of the post",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "id",
				Usage: "Post id, a random one when empty",
			},
			&cli.StringFlag{
				Name:  "text",
				Usage: "Post text",
			},
			&cli.StringFlag{
				Name:  "collection",
				Value: "posts",
				Usage: "Collection to write to, e.g. stories",
			},
		},
		Action: func(ctx *cli.Context) error {
			item := models.FeedItem{
				ID:         ctx.String("id"),
				ProducerID: models.ProducerID(ctx.String("producer")),
				CreatedAt:  time.Now().UTC(),
				Payload:    map[string]any{"text": ctx.String("text")},
			}
			if item.ID == "" {
				item.ID = uuid.NewString()
			}

			return withStore(ctx, func(store *db.DB) error {
				if err := store.Put(ctx.Context, ctx.String("collection"), item); err != nil {
					return err
				}
				log.WithFields(log.Fields{
					"collection": ctx.String("collection"),
					"id":         item.ID,
				}).Info("Stored post")
				return nil
			})
		},
	}
}
