package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"homefeed/db"
	"homefeed/feeds"
	"homefeed/models"
	"homefeed/query"
	"homefeed/server"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	app      *fiber.App
	store    *db.DB
	sessions *server.Sessions
	bc       *server.Broadcaster
}

func newTestServer(t *testing.T, settings feeds.Settings) *testServer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.db")
	require.NoError(t, db.Migrate(path))
	store, err := db.Open(path)
	require.NoError(t, err)

	s := &testServer{
		store:    store,
		sessions: server.NewSessions(store, settings),
		bc:       server.NewBroadcaster(),
	}
	s.app = server.Server(&server.ServerConfig{
		Store:       store,
		Sessions:    s.sessions,
		Broadcaster: s.bc,
	})
	t.Cleanup(func() {
		s.bc.Shutdown()
		s.sessions.Shutdown()
		store.Close()
	})
	return s
}

func (s *testServer) do(t *testing.T, method, target, body string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func (s *testServer) state(t *testing.T, target string) feeds.State {
	t.Helper()
	status, body := s.do(t, http.MethodGet, target, "")
	require.Equal(t, http.StatusOK, status, body)
	var state feeds.State
	require.NoError(t, json.Unmarshal([]byte(body), &state))
	return state
}

func itemIDs(items []models.FeedItem) []string {
	return lo.Map(items, func(i models.FeedItem, _ int) string { return i.ID })
}

func postBody(id, producer string, ts int64) string {
	return `{"id":"` + id + `","producerId":"` + producer + `","createdAt":"` +
		time.Unix(ts, 0).UTC().Format(time.RFC3339) + `","payload":{"text":"hi"}}`
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, feeds.DefaultSettings())

	status, body := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "OK", body)

	status, body = s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "homefeed_db_writes_total")
}

func TestFeedRoutes(t *testing.T) {
	s := newTestServer(t, feeds.DefaultSettings())

	for _, producer := range []string{"A", "B"} {
		status, _ := s.do(t, http.MethodPut, "/viewers/V/following/"+producer, "")
		require.Equal(t, http.StatusNoContent, status)
	}
	for i, body := range []string{postBody("a1", "A", 10), postBody("b1", "B", 20), postBody("x1", "X", 30), postBody("v1", "V", 5)} {
		status, resp := s.do(t, http.MethodPost, "/collections/posts/items", body)
		require.Equal(t, http.StatusCreated, status, "item %d: %s", i, resp)
	}

	require.Eventually(t, func() bool {
		state := s.state(t, "/viewers/V/feed")
		return !state.Loading && assert.ObjectsAreEqual([]string{"b1", "a1", "v1"}, itemIDs(state.Items))
	}, 5*time.Second, 20*time.Millisecond)

	status, body := s.do(t, http.MethodPost, "/viewers/V/feed/end-reached", "")
	require.Equal(t, http.StatusOK, status)
	var grown feeds.State
	require.NoError(t, json.Unmarshal([]byte(body), &grown))
	assert.Equal(t, 10, grown.Limit)

	status, _ = s.do(t, http.MethodPost, "/viewers/V/feed/refresh", "")
	assert.Contains(t, []int{http.StatusAccepted, http.StatusOK}, status)

	// Following X shows its posts without restarting the session
	status, _ = s.do(t, http.MethodPut, "/viewers/V/following/X", "")
	require.Equal(t, http.StatusNoContent, status)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"x1", "b1", "a1", "v1"}, itemIDs(s.state(t, "/viewers/V/feed").Items))
	}, 5*time.Second, 20*time.Millisecond)

	status, _ = s.do(t, http.MethodDelete, "/collections/posts/items/b1", "")
	require.Equal(t, http.StatusNoContent, status)
	status, _ = s.do(t, http.MethodDelete, "/viewers/V/following/A", "")
	require.Equal(t, http.StatusNoContent, status)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"x1", "v1"}, itemIDs(s.state(t, "/viewers/V/feed").Items))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStoriesRoute(t *testing.T) {
	s := newTestServer(t, feeds.DefaultSettings())

	status, _ := s.do(t, http.MethodPost, "/collections/stories/items", postBody("s1", "V", 1))
	require.Equal(t, http.StatusCreated, status)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"s1"}, itemIDs(s.state(t, "/viewers/V/stories").Items))
	}, 5*time.Second, 20*time.Millisecond)

	settings := feeds.DefaultSettings()
	settings.Stories.Limit = 0
	disabled := newTestServer(t, settings)
	status, _ = disabled.do(t, http.MethodGet, "/viewers/V/stories", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPutItemValidation(t *testing.T) {
	s := newTestServer(t, feeds.DefaultSettings())

	tests := []struct {
		name     string
		body     string
		expected int
	}{
		{name: "not json", body: `{"id":`, expected: http.StatusBadRequest},
		{name: "no producer", body: `{"id":"p1"}`, expected: http.StatusBadRequest},
		{name: "generated id and time", body: `{"producerId":"A"}`, expected: http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := s.do(t, http.MethodPost, "/collections/posts/items", tt.body)
			assert.Equal(t, tt.expected, status, body)
			if status == http.StatusCreated {
				var item models.FeedItem
				require.NoError(t, json.Unmarshal([]byte(body), &item))
				assert.NotEmpty(t, item.ID)
				assert.False(t, item.CreatedAt.IsZero())
			}
		})
	}
}

func TestFeedStream(t *testing.T) {
	s := newTestServer(t, feeds.DefaultSettings())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.app.Listener(ln)
	t.Cleanup(func() {
		s.bc.Shutdown()
		s.app.ShutdownWithTimeout(5 * time.Second)
	})
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/viewers/V/feed/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan [2]string, 32)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		var name string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				events <- [2]string{name, strings.TrimPrefix(line, "data: ")}
			}
		}
	}()

	next := func() (string, string) {
		select {
		case e, ok := <-events:
			require.True(t, ok, "stream ended")
			return e[0], e[1]
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timed out waiting for event")
		}
		return "", ""
	}

	name, key := next()
	require.Equal(t, "init", name)
	require.NotEmpty(t, key)

	// Wait for a state with the new post
	require.NoError(t, s.store.Put(context.Background(), "posts", models.FeedItem{
		ID: "v1", ProducerID: "V", CreatedAt: time.Unix(1, 0).UTC(),
	}))
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			require.FailNow(t, "no state with the new post")
		default:
		}
		name, data := next()
		if name != "state" {
			continue
		}
		var state feeds.State
		require.NoError(t, json.Unmarshal([]byte(data), &state))
		if assert.ObjectsAreEqual([]string{"v1"}, itemIDs(state.Items)) {
			break
		}
	}

	// Removing the client by key ends the stream
	delReq, err := http.NewRequest(http.MethodDelete, base+"/viewers/V/feed/sse?key="+key, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	delResp.Body.Close()

	require.Eventually(t, func() bool { return s.bc.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSessionsSweepReleasesFeeds(t *testing.T) {
	s := newTestServer(t, feeds.DefaultSettings())
	ctx := context.Background()

	_, err := s.sessions.Get(ctx, "V")
	require.NoError(t, err)
	_, release, err := s.sessions.Acquire(ctx, "W")
	require.NoError(t, err)

	// Posts and stories for each viewer
	require.Equal(t, 4, s.store.LiveQueries())

	assert.Zero(t, s.sessions.Sweep(time.Hour), "recently used feeds stay")
	assert.Equal(t, 1, s.sessions.Sweep(0), "held feeds stay")
	assert.Equal(t, 1, s.sessions.Len())
	assert.Equal(t, 2, s.store.LiveQueries())
	_, ok := s.sessions.Lookup("V")
	assert.False(t, ok)

	release()
	release()
	assert.Equal(t, 1, s.sessions.Sweep(0))
	assert.Zero(t, s.sessions.Len())
	assert.Zero(t, s.store.LiveQueries())

	// The next request starts a fresh feed
	f, err := s.sessions.Get(ctx, "V")
	require.NoError(t, err)
	assert.NotNil(t, f)
	assert.Equal(t, 2, s.store.LiveQueries())
}

// gatedStore holds the follow set lookup of one viewer until gate is closed
type gatedStore struct {
	query.Store
	viewer models.ProducerID
	gate   chan struct{}
}

func (g *gatedStore) Query(ctx context.Context, q query.Query) ([]models.FeedItem, error) {
	if q.Collection == models.FollowingCollection(g.viewer) {
		<-g.gate
	}
	return g.Store.Query(ctx, q)
}

func TestSessionsStartViewersIndependently(t *testing.T) {
	s := newTestServer(t, feeds.DefaultSettings())
	ctx := context.Background()

	gate := make(chan struct{})
	sessions := server.NewSessions(&gatedStore{Store: s.store, viewer: "slow", gate: gate}, feeds.DefaultSettings())
	defer sessions.Shutdown()

	slow := make(chan error, 1)
	go func() {
		_, err := sessions.Get(ctx, "slow")
		slow <- err
	}()
	require.Eventually(t, func() bool { return sessions.Len() == 1 }, time.Second, 5*time.Millisecond)

	fastCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	f, err := sessions.Get(fastCtx, "fast")
	require.NoError(t, err)
	assert.NotNil(t, f)

	// A second caller for the slow viewer waits on the same start
	waitCtx, cancelWait := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelWait()
	_, err = sessions.Get(waitCtx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	require.NoError(t, <-slow)
	assert.Equal(t, 2, sessions.Len())
	_, ok := sessions.Lookup("slow")
	assert.True(t, ok)
}
