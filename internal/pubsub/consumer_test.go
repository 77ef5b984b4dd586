package pubsub

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/drops-miner/internal/auth"
	"github.com/marcin-skalski/drops-miner/internal/campaign"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore() *auth.Store {
	s := auth.NewStore(http.DefaultClient, auth.ClientAndroidApp, discardLogger())
	s.Set(auth.Credential{AccessToken: "token123", UserID: 42, DeviceID: "dev"})
	return s
}

// fakeServer is a scripted pubsub endpoint.
type fakeServer struct {
	t  *testing.T
	mu sync.Mutex
	// listens[i] holds the topic sets announced on connection i.
	listens [][][]string
	conns   []*websocket.Conn
}

func newFakeServer(t *testing.T) (*fakeServer, string) {
	fs := &fakeServer{t: t}
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		index := len(fs.conns)
		fs.conns = append(fs.conns, conn)
		fs.listens = append(fs.listens, nil)
		fs.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				Type string `json:"type"`
				Data struct {
					Topics []string `json:"topics"`
				} `json:"data"`
			}
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			switch msg.Type {
			case "PING":
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"PONG"}`))
			case "LISTEN":
				fs.mu.Lock()
				fs.listens[index] = append(fs.listens[index], msg.Data.Topics)
				fs.mu.Unlock()
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"RESPONSE","error":""}`))
			}
		}
	}))
	t.Cleanup(srv.Close)
	return fs, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (fs *fakeServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

func (fs *fakeServer) listensOn(i int) [][]string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if i >= len(fs.listens) {
		return nil
	}
	out := make([][]string, len(fs.listens[i]))
	copy(out, fs.listens[i])
	return out
}

func (fs *fakeServer) send(i int, frame string) {
	fs.mu.Lock()
	conn := fs.conns[i]
	fs.mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (fs *fakeServer) closeConn(i int) {
	fs.mu.Lock()
	conn := fs.conns[i]
	fs.mu.Unlock()
	conn.Close()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestReconnectReplaysTopicsExactlyOnce(t *testing.T) {
	fs, url := newFakeServer(t)
	c := NewConsumer(websocket.DefaultDialer, testStore(), discardLogger(), WithURL(url))
	require.NoError(t, c.Subscribe(TopicDropEvents(42), TopicVideoPlayback("777")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return len(fs.listensOn(0)) > 0 }, "no listen on first connection")
	require.Equal(t, [][]string{{"user-drop-events.42", "video-playback-by-id.777"}}, fs.listensOn(0))

	fs.closeConn(0)
	waitFor(t, func() bool { return len(fs.listensOn(1)) > 0 }, "no listen after reconnect")
	assert.Equal(t, [][]string{{"user-drop-events.42", "video-playback-by-id.777"}}, fs.listensOn(1))
	assert.Equal(t, uint64(2), c.Epoch())

	// No duplicate replay on the new session.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, fs.listensOn(1), 1)
}

func TestSubscribeWhileConnectedAnnouncesOnlyNewTopics(t *testing.T) {
	fs, url := newFakeServer(t)
	c := NewConsumer(websocket.DefaultDialer, testStore(), discardLogger(), WithURL(url))
	require.NoError(t, c.Subscribe("user-drop-events.42"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return len(fs.listensOn(0)) > 0 }, "no initial listen")

	require.NoError(t, c.Subscribe("user-drop-events.42", "video-playback-by-id.9"))
	waitFor(t, func() bool { return len(fs.listensOn(0)) == 2 }, "no incremental listen")
	assert.Equal(t, []string{"video-playback-by-id.9"}, fs.listensOn(0)[1])
}

func TestEventsAreDecodedAndOrdered(t *testing.T) {
	fs, url := newFakeServer(t)
	c := NewConsumer(websocket.DefaultDialer, testStore(), discardLogger(), WithURL(url))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	waitFor(t, func() bool { return fs.connCount() > 0 }, "no connection")

	fs.send(0, `{"type":"MESSAGE","data":{"topic":"user-drop-events.42","message":"{\"type\":\"drop-progress\",\"data\":{\"drop_id\":\"d1\",\"current_progress_min\":15}}"}}`)
	fs.send(0, `{"type":"MESSAGE","data":{"topic":"user-drop-events.42","message":"{\"type\":\"drop-claim\",\"data\":{\"drop_id\":\"d1\",\"drop_instance_id\":\"i1\"}}"}}`)
	fs.send(0, `{"type":"MESSAGE","data":{"topic":"video-playback-by-id.777","message":"{\"type\":\"stream-down\"}"}}`)

	want := []campaign.Event{
		{Kind: campaign.EventProgress, DropID: "d1", Minutes: 15},
		{Kind: campaign.EventDropReady, DropID: "d1", InstanceID: "i1"},
		{Kind: campaign.EventStreamDown, ChannelID: "777"},
	}
	for i, w := range want {
		select {
		case got := <-c.Events():
			assert.Equal(t, w, got, "event %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestPongTimeoutForcesReconnect(t *testing.T) {
	// A server that never answers pings; the keepalive loop must notice and
	// force a reconnect.
	up := websocket.Upgrader{}
	var mu sync.Mutex
	conns := 0
	silent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns++
		mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer silent.Close()

	c := NewConsumer(websocket.DefaultDialer, testStore(), discardLogger(),
		WithURL("ws"+strings.TrimPrefix(silent.URL, "http")),
		WithKeepalive(50*time.Millisecond, 20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns >= 2
	}, "consumer did not reconnect after pong timeout")
}

func TestHooksReceiveEpochs(t *testing.T) {
	fs, url := newFakeServer(t)
	var mu sync.Mutex
	var connects, disconnects []uint64
	c := NewConsumer(websocket.DefaultDialer, testStore(), discardLogger(), WithURL(url),
		WithHooks(Hooks{
			OnConnect: func(e uint64) {
				mu.Lock()
				connects = append(connects, e)
				mu.Unlock()
			},
			OnDisconnect: func(e uint64, _ error) {
				mu.Lock()
				disconnects = append(disconnects, e)
				mu.Unlock()
			},
		}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	waitFor(t, func() bool { return fs.connCount() > 0 }, "no connection")
	fs.closeConn(0)
	waitFor(t, func() bool { return fs.connCount() > 1 }, "no reconnect")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(connects) >= 2 && len(disconnects) >= 1
	}, "hooks not called")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, uint64(1), connects[0])
	assert.Equal(t, uint64(1), disconnects[0])
	assert.Equal(t, uint64(2), connects[1])
}

func TestSubscribeEnforcesTopicLimit(t *testing.T) {
	c := NewConsumer(websocket.DefaultDialer, testStore(), discardLogger())
	for i := 0; i < 50; i++ {
		require.NoError(t, c.Subscribe(TopicVideoPlayback(strconv.Itoa(i))))
	}
	assert.ErrorIs(t, c.Subscribe(TopicVideoPlayback("999")), ErrTopicLimit)

	// Dropping a topic frees the slot.
	require.NoError(t, c.Unsubscribe(TopicVideoPlayback("0")))
	assert.NoError(t, c.Subscribe(TopicVideoPlayback("999")))
}

func TestDecodeTopicMessageIgnoresUnknown(t *testing.T) {
	assert.Nil(t, decodeTopicMessage("community-points-user-v1.42", `{"type":"points-earned"}`))
	assert.Nil(t, decodeTopicMessage("user-drop-events.42", `{"type":"mystery"}`))
	assert.Nil(t, decodeTopicMessage("user-drop-events.42", `garbage`))
}
