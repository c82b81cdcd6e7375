package config

import (
	"fmt"
	"os"
	"time"

	"homefeed/feeds"
	"homefeed/ingest"

	"github.com/BurntSushi/toml"
)

// TomlDatabase represents the document store configuration
type TomlDatabase struct {
	Path string `toml:"path"`
}

// TomlFeed represents the home feed configuration
type TomlFeed struct {
	PageSize        int    `toml:"page_size"`
	PageIncrement   int    `toml:"page_increment"`
	ChunkSize       int    `toml:"chunk_size"`
	ResetOnRefresh  bool   `toml:"reset_on_refresh"`
	PostsCollection string `toml:"posts_collection"`
}

// TomlStories represents the story rail configuration
type TomlStories struct {
	Collection   string        `toml:"collection"`
	Limit        int           `toml:"limit"` // 0 disables stories
	MaxProducers int           `toml:"max_producers"`
	MaxAge       time.Duration `toml:"max_age"` // Used by tidy
}

// TomlServer represents the HTTP server configuration
type TomlServer struct {
	Listen       string   `toml:"listen"`
	AllowOrigins []string `toml:"allow_origins,omitempty"`
	// SessionIdle closes feeds without open streams after this long, 0 never
	SessionIdle time.Duration `toml:"session_idle"`
}

// TomlIngest represents the change stream configuration
type TomlIngest struct {
	Hosts     []string `toml:"hosts"`
	Compress  bool     `toml:"compress"`
	Workers   int      `toml:"workers"`
	QueueSize int      `toml:"queue_size"`
	UserAgent string   `toml:"user_agent"`
}

// TomlConfig represents the top-level configuration
type TomlConfig struct {
	Database TomlDatabase `toml:"database"`
	Feed     TomlFeed     `toml:"feed"`
	Stories  TomlStories  `toml:"stories"`
	Server   TomlServer   `toml:"server"`
	Ingest   TomlIngest   `toml:"ingest"`
}

// Default returns the configuration used when no file is given
func Default() *TomlConfig {
	settings := feeds.DefaultSettings()
	return &TomlConfig{
		Database: TomlDatabase{Path: "feed.db"},
		Feed: TomlFeed{
			PageSize:        settings.PageSize,
			PageIncrement:   settings.PageIncrement,
			ChunkSize:       settings.ChunkSize,
			PostsCollection: settings.PostsCollection,
		},
		Stories: TomlStories{
			Collection:   settings.Stories.Collection,
			Limit:        settings.Stories.Limit,
			MaxProducers: settings.Stories.MaxProducers,
			MaxAge:       24 * time.Hour,
		},
		Server: TomlServer{
			Listen:      ":3000",
			SessionIdle: 10 * time.Minute,
		},
		Ingest: TomlIngest{
			Workers:   10,
			QueueSize: 1000,
			UserAgent: "homefeed",
		},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the defaults.
func LoadConfig(path string) (*TomlConfig, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return config, nil
}

func (c *TomlConfig) Validate() error {
	switch {
	case c.Feed.PageSize < 1:
		return fmt.Errorf("feed.page_size must be positive, got %d", c.Feed.PageSize)
	case c.Feed.PageIncrement < 1:
		return fmt.Errorf("feed.page_increment must be positive, got %d", c.Feed.PageIncrement)
	case c.Feed.ChunkSize < 1 || c.Feed.ChunkSize > 10:
		return fmt.Errorf("feed.chunk_size must be between 1 and 10, got %d", c.Feed.ChunkSize)
	case c.Stories.Limit < 0:
		return fmt.Errorf("stories.limit must not be negative, got %d", c.Stories.Limit)
	case c.Stories.Limit > 0 && c.Stories.MaxProducers < 1:
		return fmt.Errorf("stories.max_producers must be positive, got %d", c.Stories.MaxProducers)
	case c.Server.SessionIdle < 0:
		return fmt.Errorf("server.session_idle must not be negative, got %s", c.Server.SessionIdle)
	}
	return nil
}

// FeedSettings converts the file configuration for the feed engine
func (c *TomlConfig) FeedSettings() feeds.Settings {
	return feeds.Settings{
		PostsCollection: c.Feed.PostsCollection,
		PageSize:        c.Feed.PageSize,
		PageIncrement:   c.Feed.PageIncrement,
		ChunkSize:       c.Feed.ChunkSize,
		ResetOnRefresh:  c.Feed.ResetOnRefresh,
		Stories: feeds.StorySettings{
			Collection:   c.Stories.Collection,
			Limit:        c.Stories.Limit,
			MaxProducers: c.Stories.MaxProducers,
			ChunkSize:    c.Feed.ChunkSize,
		},
	}
}

// IngestSettings converts the file configuration for the ingest pipeline
func (c *TomlConfig) IngestSettings() ingest.Settings {
	return ingest.Settings{
		Config: ingest.Config{
			Hosts:       c.Ingest.Hosts,
			Collections: []string{c.Feed.PostsCollection, c.Stories.Collection},
			Compress:    c.Ingest.Compress,
			UserAgent:   c.Ingest.UserAgent,
		},
		Workers:   c.Ingest.Workers,
		QueueSize: c.Ingest.QueueSize,
	}
}
