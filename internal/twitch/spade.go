package twitch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/marcin-skalski/drops-miner/internal/auth"
)

var (
	spadePattern    = regexp.MustCompile(`"beacon_?url": ?"(https://video-edge-[\.\w\-/]+\.ts(?:\?allow_stream=true)?)"`)
	settingsPattern = regexp.MustCompile(`src="(https://[\w\.]+/config/settings\.[0-9a-f]{32}\.js)"`)
)

// WatchTarget is everything needed to send watch heartbeats for one stream.
type WatchTarget struct {
	ChannelID    string
	ChannelLogin string
	BroadcastID  string
	SpadeURL     string
	Token        string
	Signature    string
}

// Watcher sends the spade "minute-watched" heartbeat that earns drop
// progress. One heartbeat per interval counts as one minute watched; extra
// heartbeats are ignored server-side, so a duplicate after reconnect is
// harmless.
type Watcher struct {
	http   *http.Client
	store  *auth.Store
	info   auth.ClientInfo
	logger *slog.Logger
}

// NewWatcher builds a watcher sharing the protocol client's HTTP transport.
func NewWatcher(httpClient *http.Client, store *auth.Store, info auth.ClientInfo, logger *slog.Logger) *Watcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{http: httpClient, store: store, info: info, logger: logger.With("component", "watcher")}
}

type spadeEvent struct {
	Event      string          `json:"event"`
	Properties spadeProperties `json:"properties"`
}

type spadeProperties struct {
	BroadcastID string `json:"broadcast_id"`
	ChannelID   string `json:"channel_id"`
	Channel     string `json:"channel"`
	Hidden      bool   `json:"hidden"`
	Live        bool   `json:"live"`
	Location    string `json:"location"`
	LoggedIn    bool   `json:"logged_in"`
	Muted       bool   `json:"muted"`
	Player      string `json:"player"`
	UserID      int64  `json:"user_id"`
}

// encodePayload builds the base64 body of a minute-watched event.
func encodePayload(target WatchTarget, userID int64) (string, error) {
	events := []spadeEvent{{
		Event: "minute-watched",
		Properties: spadeProperties{
			BroadcastID: target.BroadcastID,
			ChannelID:   target.ChannelID,
			Channel:     target.ChannelLogin,
			Hidden:      false,
			Live:        true,
			Location:    "channel",
			LoggedIn:    true,
			Muted:       false,
			Player:      "site",
			UserID:      userID,
		},
	}}
	raw, err := json.Marshal(events)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// SendMinuteWatched posts one heartbeat to the spade endpoint. The server
// answers 204 on success.
func (w *Watcher) SendMinuteWatched(ctx context.Context, target WatchTarget) error {
	cred, err := w.store.Acquire()
	if err != nil {
		return newError(KindAuth, "minute-watched", err)
	}
	payload, err := encodePayload(target, cred.UserID)
	if err != nil {
		return newError(KindMalformed, "minute-watched", err)
	}

	body := strings.NewReader("data=" + payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.SpadeURL, body)
	if err != nil {
		return newError(KindMalformed, "minute-watched", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", w.info.UserAgent)
	req.Header.Set("Client-Id", w.info.ClientID)
	req.Header.Set("X-Device-Id", cred.DeviceID)

	resp, err := w.http.Do(req)
	if err != nil {
		return newError(KindTransient, "minute-watched", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return newError(KindAuth, "minute-watched", fmt.Errorf("status %d", resp.StatusCode))
	default:
		return newError(KindTransient, "minute-watched", fmt.Errorf("status %d", resp.StatusCode))
	}
}

// FetchSpadeURL scrapes the heartbeat endpoint from a channel page. The URL
// appears directly in the mobile page and otherwise inside the referenced
// settings.js bundle. Scraping uses the web identity; the page served to the
// Android UA has no player config.
func (w *Watcher) FetchSpadeURL(ctx context.Context, channelLogin string) (string, error) {
	page, err := w.fetchText(ctx, "https://www.twitch.tv/"+url.PathEscape(channelLogin))
	if err != nil {
		return "", err
	}
	if m := spadePattern.FindStringSubmatch(page); m != nil {
		return m[1], nil
	}
	sm := settingsPattern.FindStringSubmatch(page)
	if sm == nil {
		return "", newError(KindMalformed, "spade-url", fmt.Errorf("no settings bundle on channel page %s", channelLogin))
	}
	settings, err := w.fetchText(ctx, sm[1])
	if err != nil {
		return "", err
	}
	if m := spadePattern.FindStringSubmatch(settings); m != nil {
		return m[1], nil
	}
	return "", newError(KindMalformed, "spade-url", fmt.Errorf("no spade url for channel %s", channelLogin))
}

func (w *Watcher) fetchText(ctx context.Context, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", newError(KindMalformed, "spade-url", err)
	}
	req.Header.Set("User-Agent", auth.ClientWeb.UserAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := w.http.Do(req)
	if err != nil {
		return "", newError(KindTransient, "spade-url", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", newError(KindTransient, "spade-url", fmt.Errorf("status %d fetching %s", resp.StatusCode, u))
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", newError(KindTransient, "spade-url", err)
	}
	return string(raw), nil
}

// TouchPlaylist fetches the HLS playlist from usher, which keeps the
// viewing session warm alongside the heartbeats.
func (w *Watcher) TouchPlaylist(ctx context.Context, target WatchTarget) error {
	q := url.Values{}
	q.Set("token", target.Token)
	q.Set("sig", target.Signature)
	q.Set("allow_source", "true")
	q.Set("allow_audio_only", "true")
	q.Set("fast_bread", "true")
	u := fmt.Sprintf("https://usher.ttvnw.net/api/channel/hls/%s.m3u8?%s",
		url.PathEscape(target.ChannelLogin), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return newError(KindMalformed, "hls-playlist", err)
	}
	req.Header.Set("User-Agent", w.info.UserAgent)

	resp, err := w.http.Do(req)
	if err != nil {
		return newError(KindTransient, "hls-playlist", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return nil
}
