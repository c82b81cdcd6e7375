package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	wsConnectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homefeed_ingest_connection_attempts_total",
		Help: "The total number of connection attempts to the change stream",
	})

	wsConnectionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homefeed_ingest_connection_errors_total",
		Help: "The total number of connection errors encountered",
	})

	wsCurrentConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homefeed_ingest_current_connections",
		Help: "The current number of active change stream connections",
	})

	wsConnectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "homefeed_ingest_connection_duration_seconds",
		Help:    "Duration of change stream connections",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	wsPingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "homefeed_ingest_ping_latency_seconds",
		Help:    "Latency of websocket ping/pong round trips",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
	})

	wsHostSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homefeed_ingest_host_switches_total",
		Help: "Number of times the connection switched to a different host",
	}, []string{"from_host", "to_host"})
)

const (
	wsReadBufferSize  = 1024 * 1024 // 1MB
	wsWriteBufferSize = 1024        // 1KB
	wsReadTimeout     = 60 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsPingInterval    = 30 * time.Second
)

// Config holds the change stream connection settings
type Config struct {
	// Hosts are tried in order, e.g. ["wss://changes1.example.com"]
	Hosts       []string
	Collections []string
	// Cursor is the time_us to resume from, 0 for live
	Cursor    int64
	Compress  bool
	UserAgent string
}

// RawMessage represents an unparsed message from the websocket
type RawMessage struct {
	MessageType int    // websocket.TextMessage or websocket.BinaryMessage
	Data        []byte // Raw message data
}

// Client keeps a websocket subscription to the change stream alive
type Client struct {
	config  Config
	resume  func() int64
	dialer  websocket.Dialer
	backoff *backoff.ExponentialBackOff
	hostIdx int
}

// NewClient creates a client. resume, when set, returns the cursor to use on
// reconnect so no events are skipped.
func NewClient(config Config, resume func() int64) *Client {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 1.5
	b.MaxElapsedTime = 0 // Never stop retrying

	return &Client{
		config: config,
		resume: resume,
		dialer: websocket.Dialer{
			ReadBufferSize:   wsReadBufferSize,
			WriteBufferSize:  wsWriteBufferSize,
			HandshakeTimeout: 45 * time.Second,
			NetDialContext: (&net.Dialer{
				Timeout:   45 * time.Second,
				KeepAlive: 45 * time.Second,
			}).DialContext,
		},
		backoff: b,
	}
}

func (c *Client) cursor() int64 {
	if c.resume != nil {
		if cursor := c.resume(); cursor != 0 {
			return cursor
		}
	}
	return c.config.Cursor
}

func (c *Client) subscribeURL(host string) (string, error) {
	u, err := url.Parse(host + "/subscribe")
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	for _, collection := range c.config.Collections {
		q.Add("wantedCollections", collection)
	}
	if cursor := c.cursor(); cursor != 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	if c.config.Compress {
		q.Set("compress", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the first reachable host, cycling through the list with
// exponential backoff between full rounds. It only fails when ctx ends.
func (c *Client) Dial(ctx context.Context) (*websocket.Conn, string, error) {
	if len(c.config.Hosts) == 0 {
		return nil, "", errors.New("no hosts provided in config")
	}

	headers := http.Header{}
	if c.config.UserAgent != "" {
		headers.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.Compress {
		headers.Set("Accept-Encoding", "zstd")
	}

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		host := c.config.Hosts[c.hostIdx]
		u, err := c.subscribeURL(host)
		if err != nil {
			return nil, "", err
		}

		wsConnectionAttempts.Inc()
		conn, _, err := c.dialer.DialContext(ctx, u, headers)
		if err == nil {
			c.backoff.Reset()
			log.WithFields(log.Fields{
				"host": host,
			}).Info("Connected to change stream")
			return conn, host, nil
		}

		wsConnectionErrors.Inc()
		failures++
		log.WithFields(log.Fields{
			"host":  host,
			"error": err,
		}).Error("Error connecting to change stream host")

		if len(c.config.Hosts) > 1 {
			next := (c.hostIdx + 1) % len(c.config.Hosts)
			wsHostSwitches.WithLabelValues(host, c.config.Hosts[next]).Inc()
			log.Infof("Switching from host %s to %s", host, c.config.Hosts[next])
			c.hostIdx = next
		}

		// Wait once every host has been tried
		if failures%len(c.config.Hosts) == 0 {
			select {
			case <-ctx.Done():
				return nil, "", ctx.Err()
			case <-time.After(c.backoff.NextBackOff()):
			}
		}
	}
}

// Stream reads messages into queue, reconnecting whenever the connection
// drops. It returns nil once ctx is cancelled.
func (c *Client) Stream(ctx context.Context, queue chan<- *RawMessage) error {
	log.WithFields(log.Fields{
		"hosts": c.config.Hosts,
	}).Info("Subscribing to change stream")

	for {
		conn, host, err := c.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = c.read(ctx, conn, queue)
		if ctx.Err() != nil {
			return nil
		}
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			log.Errorf("Unexpected websocket close: %v", err)
		}
		log.WithFields(log.Fields{
			"host":  host,
			"error": err,
		}).Warn("Change stream connection lost, reconnecting")
	}
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn, queue chan<- *RawMessage) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wsCurrentConnections.Inc()
	start := time.Now()
	defer func() {
		wsConnectionDuration.Observe(time.Since(start).Seconds())
		wsCurrentConnections.Dec()
	}()

	var pingSent atomic.Int64
	setupConnectionHandlers(conn, &pingSent)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	go managePingPong(connCtx, conn, &pingSent)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			wsConnectionErrors.Inc()
			return err
		}

		select {
		case queue <- &RawMessage{MessageType: messageType, Data: message}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// setupConnectionHandlers configures the websocket connection handlers
func setupConnectionHandlers(conn *websocket.Conn, pingSent *atomic.Int64) {
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

	conn.SetCloseHandler(func(code int, text string) error {
		log.Infof("WebSocket connection closed with code %d: %s", code, text)
		return nil
	})

	conn.SetPingHandler(func(appData string) error {
		log.Debug("Received ping from server")
		if err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteTimeout)); err != nil {
			return err
		}
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	conn.SetPongHandler(func(appData string) error {
		log.Debug("Received pong from server")
		if sent := pingSent.Swap(0); sent != 0 {
			wsPingLatency.Observe(time.Since(time.Unix(0, sent)).Seconds())
		}
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
}

// managePingPong handles the ping/pong keepalive for the websocket connection
func managePingPong(ctx context.Context, conn *websocket.Conn, pingSent *atomic.Int64) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Debug("Sending ping to check connection")
			pingSent.Store(time.Now().UnixNano())

			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteTimeout)); err != nil {
				log.Warn("Ping failed, closing connection for restart: ", err)
				wsConnectionErrors.Inc()
				conn.Close()
				return
			}
		}
	}
}
