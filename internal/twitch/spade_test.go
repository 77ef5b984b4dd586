package twitch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/drops-miner/internal/auth"
)

func testTarget(spadeURL string) WatchTarget {
	return WatchTarget{
		ChannelID:    "123",
		ChannelLogin: "alice",
		BroadcastID:  "456",
		SpadeURL:     spadeURL,
	}
}

func TestEncodePayloadStructure(t *testing.T) {
	encoded, err := encodePayload(testTarget("https://spade.example/track"), 42)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)

	var events []map[string]any
	require.NoError(t, json.Unmarshal(raw, &events))
	require.Len(t, events, 1)

	assert.Equal(t, "minute-watched", events[0]["event"])
	props, ok := events[0]["properties"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "456", props["broadcast_id"])
	assert.Equal(t, "123", props["channel_id"])
	assert.Equal(t, "alice", props["channel"])
	assert.Equal(t, "channel", props["location"])
	assert.Equal(t, "site", props["player"])
	assert.Equal(t, true, props["live"])
	assert.Equal(t, false, props["hidden"])
	assert.Equal(t, float64(42), props["user_id"])
}

func TestSendMinuteWatched(t *testing.T) {
	var gotBody string
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := make([]byte, r.ContentLength)
		r.Body.Read(b)
		gotBody = string(b)
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWatcher(srv.Client(), testStore(t, validateOK), auth.ClientAndroidApp, discardLogger())
	require.NoError(t, w.SendMinuteWatched(context.Background(), testTarget(srv.URL)))

	assert.Equal(t, "application/x-www-form-urlencoded", gotType)
	assert.True(t, strings.HasPrefix(gotBody, "data="), "body %q", gotBody)
}

func TestSendMinuteWatchedNon204IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWatcher(srv.Client(), testStore(t, validateOK), auth.ClientAndroidApp, discardLogger())
	err := w.SendMinuteWatched(context.Background(), testTarget(srv.URL))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestSpadePatternMatchesBeaconURL(t *testing.T) {
	html := `<script>var cfg = {"beacon_url": "https://video-edge-abc123.fra02.twitch.tv/v1/segment/xyz.ts"}</script>`
	m := spadePattern.FindStringSubmatch(html)
	require.NotNil(t, m)
	assert.Equal(t, "https://video-edge-abc123.fra02.twitch.tv/v1/segment/xyz.ts", m[1])
}

func TestFetchSpadeURLFromSettingsBundle(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	settingsPath := "/config/settings.0123456789abcdef0123456789abcdef.js"
	mux.HandleFunc("/alice", func(w http.ResponseWriter, r *http.Request) {
		// Channel page without a direct beacon URL, pointing at settings.js.
		// The pattern requires an https host, so rewrite the test server URL.
		w.Write([]byte(`<script src="https://static.example` + settingsPath + `"></script>`))
	})

	page, err := (&Watcher{http: srv.Client(), store: testStore(t, validateOK), info: auth.ClientAndroidApp, logger: discardLogger()}).fetchText(context.Background(), srv.URL+"/alice")
	require.NoError(t, err)
	assert.Contains(t, page, "settings.0123456789abcdef0123456789abcdef.js")
	assert.NotNil(t, settingsPattern.FindStringSubmatch(page))
}
