/*
Copyright © 2023 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"homefeed/config"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func RootApp() *cli.App {
	return &cli.App{
		Name:  "homefeed",
		Usage: "A live home feed of posts from the people you follow",
		Description: `Homefeed keeps a live, newest first feed of posts written by
		the users a viewer follows, plus a strip of their stories.

		Posts are stored in an SQLite database, either written through the
		HTTP API or ingested from a websocket change stream. Feeds are live
		queries against that database and can be read over HTTP or followed
		as a server sent event stream.

		Flags can generally be set via environment variables, e.g.:

		--database => HOMEFEED_DATABASE=feed.db
		--listen => HOMEFEED_LISTEN=:3000
		`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML configuration file",
				EnvVars: []string{"HOMEFEED_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "database",
				Aliases: []string{"d"},
				Usage:   "SQLite database file location, overrides the config file",
				EnvVars: []string{"HOMEFEED_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (trace, debug, info, warn, error)",
				EnvVars: []string{"HOMEFEED_LOG_LEVEL"},
			},
		},
		Before: func(ctx *cli.Context) error {
			// Logs go to stderr so stdout stays usable for JSON output
			log.SetOutput(os.Stderr)
			level, err := log.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			rollbackCmd(),
			tidyCmd(),
			ingestCmd(),
			watchCmd(),
			followCmd(),
			unfollowCmd(),
			postCmd(),
		},
		Action: func(ctx *cli.Context) error {
			// Show help if no command is specified
			return ctx.App.Run([]string{"", "help"})
		},
	}
}

// loadConfig reads the config file and applies the global flag overrides
func loadConfig(ctx *cli.Context) (*config.TomlConfig, error) {
	c, err := config.LoadConfig(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	if database := ctx.String("database"); database != "" {
		c.Database.Path = database
	}
	return c, nil
}
