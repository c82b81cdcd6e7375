// Package server exposes viewer feeds over HTTP, with SSE streams of feed
// state and a small write API for the document store.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"homefeed/feeds"
	"homefeed/models"
	"homefeed/query"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

const ssePingInterval = 5 * time.Second

// Store is the document store the server reads feeds from and writes to
type Store interface {
	query.Store
	Put(ctx context.Context, collection string, item models.FeedItem) error
	Delete(ctx context.Context, collection, id string) error
	Follow(ctx context.Context, viewer, producer models.ProducerID) error
	Unfollow(ctx context.Context, viewer, producer models.ProducerID) error
}

type ServerConfig struct {
	Store Store

	// Running feeds, one per viewer
	Sessions *Sessions

	// Open SSE streams
	Broadcaster *Broadcaster

	// Origins allowed by CORS, all when empty
	AllowOrigins []string
}

// Returns a fiber.App instance to be used as an HTTP server for viewer feeds
func Server(config *ServerConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"status":  c.Response().StatusCode(),
			"latency": time.Since(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New(compress.Config{
		// Streams are flushed event by event
		Next: func(c *fiber.Ctx) bool {
			return strings.HasSuffix(c.Path(), "/sse")
		},
	}))

	corsConfig := cors.ConfigDefault
	if len(config.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = strings.Join(config.AllowOrigins, ",")
	}
	corsConfig.AllowHeaders = "Cache-Control, Content-Type"
	app.Use(cors.New(corsConfig))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	h := &handlers{config: config}

	viewer := app.Group("/viewers/:viewer")
	viewer.Get("/feed", h.getFeed)
	viewer.Post("/feed/end-reached", h.endReached)
	viewer.Post("/feed/refresh", h.refresh)
	viewer.Get("/feed/sse", h.streamFeed)
	viewer.Delete("/feed/sse", h.stopStream)
	viewer.Get("/stories", h.getStories)
	viewer.Put("/following/:producer", h.follow)
	viewer.Delete("/following/:producer", h.unfollow)

	collection := app.Group("/collections/:collection")
	collection.Post("/items", h.putItem)
	collection.Delete("/items/:id", h.deleteItem)

	return app
}

type handlers struct {
	config *ServerConfig
}

func viewerParam(c *fiber.Ctx) models.ProducerID {
	return models.ProducerID(utils.CopyString(c.Params("viewer")))
}

func (h *handlers) feed(c *fiber.Ctx) (*feeds.Feed, error) {
	viewer := viewerParam(c)
	f, err := h.config.Sessions.Get(c.UserContext(), viewer)
	if err != nil {
		log.WithFields(log.Fields{
			"viewer": viewer,
			"error":  err,
		}).Error("Error starting feed")
		return nil, c.Status(fiber.StatusServiceUnavailable).SendString("Feed unavailable")
	}
	return f, nil
}

func (h *handlers) getFeed(c *fiber.Ctx) error {
	f, err := h.feed(c)
	if f == nil {
		return err
	}
	return c.JSON(f.State())
}

func (h *handlers) endReached(c *fiber.Ctx) error {
	f, err := h.feed(c)
	if f == nil {
		return err
	}
	f.EndReached()
	return c.JSON(f.State())
}

func (h *handlers) refresh(c *fiber.Ctx) error {
	f, err := h.feed(c)
	if f == nil {
		return err
	}
	accepted := f.Refresh()
	status := fiber.StatusOK
	if accepted {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(fiber.Map{
		"accepted": accepted,
		"state":    f.State(),
	})
}

func (h *handlers) getStories(c *fiber.Ctx) error {
	f, err := h.feed(c)
	if f == nil {
		return err
	}
	stories := f.Stories()
	if stories == nil {
		return c.Status(fiber.StatusNotFound).SendString("Stories are disabled")
	}
	return c.JSON(stories.State())
}

func (h *handlers) follow(c *fiber.Ctx) error {
	viewer, producer := viewerParam(c), models.ProducerID(utils.CopyString(c.Params("producer")))
	if err := h.config.Store.Follow(c.UserContext(), viewer, producer); err != nil {
		log.WithFields(log.Fields{
			"viewer":   viewer,
			"producer": producer,
			"error":    err,
		}).Error("Error following producer")
		return c.Status(fiber.StatusInternalServerError).SendString("Error following producer")
	}
	h.reloadFollows(c.UserContext(), viewer)
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) unfollow(c *fiber.Ctx) error {
	viewer, producer := viewerParam(c), models.ProducerID(utils.CopyString(c.Params("producer")))
	if err := h.config.Store.Unfollow(c.UserContext(), viewer, producer); err != nil {
		log.WithFields(log.Fields{
			"viewer":   viewer,
			"producer": producer,
			"error":    err,
		}).Error("Error unfollowing producer")
		return c.Status(fiber.StatusInternalServerError).SendString("Error unfollowing producer")
	}
	h.reloadFollows(c.UserContext(), viewer)
	return c.SendStatus(fiber.StatusNoContent)
}

// reloadFollows lets a running feed pick up a follow change right away
func (h *handlers) reloadFollows(ctx context.Context, viewer models.ProducerID) {
	f, ok := h.config.Sessions.Lookup(viewer)
	if !ok {
		return
	}
	if err := f.ReloadFollows(ctx); err != nil {
		log.WithFields(log.Fields{
			"viewer": viewer,
			"error":  err,
		}).Warn("Error reloading follow set")
	}
}

func (h *handlers) putItem(c *fiber.Ctx) error {
	collection := utils.CopyString(c.Params("collection"))

	var item models.FeedItem
	if err := c.BodyParser(&item); err != nil {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid item")
	}
	if item.ProducerID == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Missing producerId")
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	if err := h.config.Store.Put(c.UserContext(), collection, item); err != nil {
		log.WithFields(log.Fields{
			"collection": collection,
			"id":         item.ID,
			"error":      err,
		}).Error("Error storing item")
		return c.Status(fiber.StatusInternalServerError).SendString("Error storing item")
	}
	return c.Status(fiber.StatusCreated).JSON(item)
}

func (h *handlers) deleteItem(c *fiber.Ctx) error {
	collection, id := utils.CopyString(c.Params("collection")), utils.CopyString(c.Params("id"))
	if err := h.config.Store.Delete(c.UserContext(), collection, id); err != nil {
		log.WithFields(log.Fields{
			"collection": collection,
			"id":         id,
			"error":      err,
		}).Error("Error deleting item")
		return c.Status(fiber.StatusInternalServerError).SendString("Error deleting item")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) stopStream(c *fiber.Ctx) error {
	h.config.Broadcaster.RemoveClient(c.Query("key", ""))
	return c.SendString("OK")
}

func (h *handlers) streamFeed(c *fiber.Ctx) error {
	viewer := viewerParam(c)
	f, release, err := h.config.Sessions.Acquire(c.UserContext(), viewer)
	if err != nil {
		log.WithFields(log.Fields{
			"viewer": viewer,
			"error":  err,
		}).Error("Error starting feed")
		return c.Status(fiber.StatusServiceUnavailable).SendString("Feed unavailable")
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")

	bc := h.config.Broadcaster
	key := uuid.New().String()
	states, done := bc.AddClient(key, f)
	initial := f.State()

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer func() {
			log.Infof("Cleaning up SSE stream for client: %s", key)
			bc.RemoveClient(key)
			// The session may be evicted once its last stream is gone
			release()
		}()

		alive := time.NewTicker(ssePingInterval)
		defer alive.Stop()

		if err := writeEvent(w, "init", key); err != nil {
			log.Errorf("Failed to send init event: %v", err)
			return
		}
		if err := writeState(w, initial); err != nil {
			log.Warnf("Failed to send state to client %s: %v", key, err)
			return
		}

		for {
			select {
			case <-done:
				return

			case <-alive.C:
				if err := writeEvent(w, "ping", ""); err != nil {
					log.Warnf("Failed to send ping to client %s: %v", key, err)
					return
				}

			case state := <-states:
				if err := writeState(w, state); err != nil {
					log.Warnf("Failed to send state to client %s: %v", key, err)
					return
				}
			}
		}
	}))

	return nil
}

func writeState(w *bufio.Writer, state feeds.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return writeEvent(w, "state", string(data))
}

func writeEvent(w *bufio.Writer, event, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return w.Flush()
}
