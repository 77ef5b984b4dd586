// Package twitch implements the GraphQL protocol client used to poll
// campaign state, resolve live channels and claim drops. All queries go
// through the persisted-query endpoint with the Android app identity, which
// keeps us off the integrity check path.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/marcin-skalski/drops-miner/internal/auth"
	"github.com/marcin-skalski/drops-miner/internal/campaign"
)

const (
	defaultMaxTries   = 4
	directoryPageSize = 30
)

// Client issues persisted GraphQL queries against the gql endpoint.
type Client struct {
	http   *http.Client
	store  *auth.Store
	info   auth.ClientInfo
	logger *slog.Logger
	url    string
}

// NewClient builds a protocol client on top of the given HTTP client and
// credential store.
func NewClient(httpClient *http.Client, store *auth.Store, info auth.ClientInfo, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   httpClient,
		store:  store,
		info:   info,
		logger: logger.With("component", "gql"),
		url:    gqlURL,
	}
}

// SetURL overrides the endpoint, for tests.
func (c *Client) SetURL(u string) { c.url = u }

type gqlRequest struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Extensions    gqlExtensions  `json:"extensions"`
}

type gqlExtensions struct {
	PersistedQuery gqlPersistedQuery `json:"persistedQuery"`
}

type gqlPersistedQuery struct {
	Version    int    `json:"version"`
	SHA256Hash string `json:"sha256Hash"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []gqlError      `json:"errors"`
}

type gqlError struct {
	Message string `json:"message"`
}

// query runs one persisted operation with retry. Transient failures are
// retried with exponential backoff; an auth failure triggers one token
// revalidation through the store before the final attempt.
func (c *Client) query(ctx context.Context, op Operation, variables map[string]any, out any) error {
	refreshed := false
	result, err := backoff.Retry(ctx, func() (json.RawMessage, error) {
		data, err := c.queryOnce(ctx, op, variables)
		if err == nil {
			return data, nil
		}
		switch KindOf(err) {
		case KindTransient:
			return nil, err
		case KindAuth:
			if refreshed {
				return nil, backoff.Permanent(err)
			}
			refreshed = true
			if _, rerr := c.store.Refresh(ctx); rerr != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(defaultMaxTries))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return newError(KindMalformed, op.Name, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

func (c *Client) queryOnce(ctx context.Context, op Operation, variables map[string]any) (json.RawMessage, error) {
	cred, err := c.store.Acquire()
	if err != nil {
		return nil, newError(KindAuth, op.Name, err)
	}
	if variables == nil {
		variables = map[string]any{}
	}
	body, err := json.Marshal(gqlRequest{
		OperationName: op.Name,
		Variables:     variables,
		Extensions:    gqlExtensions{PersistedQuery: gqlPersistedQuery{Version: 1, SHA256Hash: op.Hash}},
	})
	if err != nil {
		return nil, newError(KindMalformed, op.Name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, newError(KindMalformed, op.Name, err)
	}
	c.setHeaders(req, cred)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError(KindTransient, op.Name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized:
		c.store.Invalidate("gql rejected token")
		return nil, newError(KindAuth, op.Name, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, newError(KindTransient, op.Name, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, newError(KindMalformed, op.Name, fmt.Errorf("status %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, newError(KindTransient, op.Name, err)
	}
	var gr gqlResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, newError(KindMalformed, op.Name, err)
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		joined := strings.Join(msgs, ", ")
		if strings.Contains(joined, "service timeout") || strings.Contains(joined, "service error") {
			return nil, newError(KindTransient, op.Name, errors.New(joined))
		}
		return nil, newError(KindMalformed, op.Name, errors.New(joined))
	}
	if gr.Data == nil {
		return nil, newError(KindMalformed, op.Name, errors.New("response missing data"))
	}
	return gr.Data, nil
}

func (c *Client) setHeaders(req *http.Request, cred auth.Credential) {
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Client-Id", c.info.ClientID)
	req.Header.Set("User-Agent", c.info.UserAgent)
	req.Header.Set("Origin", c.info.ClientURL)
	req.Header.Set("Referer", c.info.ClientURL)
	req.Header.Set("Authorization", "OAuth "+cred.AccessToken)
	if cred.DeviceID != "" {
		req.Header.Set("X-Device-Id", cred.DeviceID)
		if len(cred.DeviceID) >= 16 {
			req.Header.Set("Client-Session-Id", cred.DeviceID[:16])
		}
		req.Header.Set("Cookie", fmt.Sprintf("unique_id=%s; auth-token=%s", cred.DeviceID, cred.AccessToken))
	}
}

// Wire types mirroring the persisted-query responses.

type gqlGame struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Slug        string `json:"slug"`
}

func (g gqlGame) displayName() string {
	if g.DisplayName != "" {
		return g.DisplayName
	}
	return g.Name
}

type gqlDropSelf struct {
	CurrentMinutesWatched int    `json:"currentMinutesWatched"`
	IsClaimed             bool   `json:"isClaimed"`
	DropInstanceID        string `json:"dropInstanceID"`
}

type gqlTimedDrop struct {
	ID                     string       `json:"id"`
	Name                   string       `json:"name"`
	RequiredMinutesWatched int          `json:"requiredMinutesWatched"`
	Self                   *gqlDropSelf `json:"self"`
}

type gqlCampaignSelf struct {
	IsAccountConnected bool `json:"isAccountConnected"`
}

type gqlCampaign struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Game           gqlGame          `json:"game"`
	StartAt        time.Time        `json:"startAt"`
	EndAt          time.Time        `json:"endAt"`
	Status         string           `json:"status"`
	TimeBasedDrops []gqlTimedDrop   `json:"timeBasedDrops"`
	Self           *gqlCampaignSelf `json:"self"`
}

func (gc gqlCampaign) toCampaign() campaign.Campaign {
	c := campaign.Campaign{
		ID:       gc.ID,
		Name:     gc.Name,
		GameID:   gc.Game.ID,
		GameName: gc.Game.displayName(),
		StartsAt: gc.StartAt,
		EndsAt:   gc.EndAt,
	}
	switch gc.Status {
	case "ACTIVE":
		c.Status = campaign.StatusActive
	case "EXPIRED":
		c.Status = campaign.StatusExpired
	default:
		c.Status = campaign.StatusUpcoming
	}
	if gc.Self != nil {
		c.AccountLinked = gc.Self.IsAccountConnected
	}
	for _, gd := range gc.TimeBasedDrops {
		d := campaign.Drop{
			ID:              gd.ID,
			CampaignID:      gc.ID,
			Name:            gd.Name,
			RequiredMinutes: gd.RequiredMinutesWatched,
		}
		if gd.Self != nil {
			d.ProgressMinutes = gd.Self.CurrentMinutesWatched
			d.InstanceID = gd.Self.DropInstanceID
			switch {
			case gd.Self.IsClaimed:
				d.Claim = campaign.ClaimClaimed
			case d.Complete() && d.InstanceID != "":
				d.Claim = campaign.ClaimClaimable
			}
		}
		c.Drops = append(c.Drops, d)
	}
	return c
}

// SyncInventory fetches the campaigns the user has progress in, with their
// per-drop watch state.
func (c *Client) SyncInventory(ctx context.Context) ([]campaign.Campaign, error) {
	var data struct {
		CurrentUser struct {
			Inventory struct {
				DropCampaignsInProgress []gqlCampaign `json:"dropCampaignsInProgress"`
			} `json:"inventory"`
		} `json:"currentUser"`
	}
	err := c.query(ctx, opInventory, map[string]any{"fetchRewardCampaigns": true}, &data)
	if err != nil {
		return nil, err
	}
	out := make([]campaign.Campaign, 0, len(data.CurrentUser.Inventory.DropCampaignsInProgress))
	for _, gc := range data.CurrentUser.Inventory.DropCampaignsInProgress {
		out = append(out, gc.toCampaign())
	}
	return out, nil
}

// SyncCampaigns fetches the full campaign directory. The dashboard listing
// has no drop details, so each ACTIVE campaign is hydrated with a details
// query.
func (c *Client) SyncCampaigns(ctx context.Context) ([]campaign.Campaign, error) {
	var data struct {
		CurrentUser struct {
			DropCampaigns []gqlCampaign `json:"dropCampaigns"`
			Login         string        `json:"login"`
		} `json:"currentUser"`
	}
	err := c.query(ctx, opCampaigns, map[string]any{"fetchRewardCampaigns": false}, &data)
	if err != nil {
		return nil, err
	}
	out := make([]campaign.Campaign, 0, len(data.CurrentUser.DropCampaigns))
	for _, gc := range data.CurrentUser.DropCampaigns {
		mapped := gc.toCampaign()
		if mapped.Status == campaign.StatusActive {
			detailed, derr := c.CampaignDetails(ctx, gc.ID, data.CurrentUser.Login)
			if derr == nil {
				out = append(out, detailed)
				continue
			}
			c.logger.Warn("campaign details failed, keeping listing entry",
				"campaign", gc.ID, "error", derr)
		}
		out = append(out, mapped)
	}
	return out, nil
}

// CampaignDetails fetches one campaign with its time-based drops.
func (c *Client) CampaignDetails(ctx context.Context, campaignID, login string) (campaign.Campaign, error) {
	var data struct {
		User struct {
			DropCampaign *gqlCampaign `json:"dropCampaign"`
		} `json:"user"`
	}
	err := c.query(ctx, opCampaignDetails, map[string]any{
		"dropID":       campaignID,
		"channelLogin": login,
	}, &data)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if data.User.DropCampaign == nil {
		return campaign.Campaign{}, newError(KindMalformed, opCampaignDetails.Name, errors.New("campaign not found"))
	}
	return data.User.DropCampaign.toCampaign(), nil
}

// SyncActiveChannels resolves a game name to its directory slug and lists
// channels currently live under it.
func (c *Client) SyncActiveChannels(ctx context.Context, gameName string) ([]campaign.Channel, error) {
	slug, err := c.gameSlug(ctx, gameName)
	if err != nil {
		return nil, err
	}
	var data struct {
		Game struct {
			Streams struct {
				Edges []struct {
					Node struct {
						ID          string `json:"id"`
						ViewersCount int   `json:"viewersCount"`
						Broadcaster struct {
							ID    string `json:"id"`
							Login string `json:"login"`
						} `json:"broadcaster"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"streams"`
		} `json:"game"`
	}
	err = c.query(ctx, opGameDirectory, map[string]any{
		"limit":              directoryPageSize,
		"slug":               slug,
		"imageWidth":         50,
		"includeCostreaming": false,
		"options": map[string]any{
			"broadcasterLanguages":   []string{},
			"freeformTags":           nil,
			"includeRestricted":      []string{"SUB_ONLY_LIVE"},
			"recommendationsContext": map[string]any{"platform": "web"},
			"sort":                   "RELEVANCE",
			"systemFilters":          []string{},
			"tags":                   []string{},
			"requestID":              "JIRA-VXP-2397",
		},
		"sortTypeIsRecency": false,
	}, &data)
	if err != nil {
		return nil, err
	}
	out := make([]campaign.Channel, 0, len(data.Game.Streams.Edges))
	for _, e := range data.Game.Streams.Edges {
		n := e.Node
		out = append(out, campaign.Channel{
			ID:       n.Broadcaster.ID,
			Login:    n.Broadcaster.Login,
			GameName: gameName,
			Online:   true,
			Viewers:  n.ViewersCount,
		})
	}
	return out, nil
}

func (c *Client) gameSlug(ctx context.Context, gameName string) (string, error) {
	var data struct {
		Game struct {
			Slug string `json:"slug"`
		} `json:"game"`
	}
	if err := c.query(ctx, opSlugRedirect, map[string]any{"name": gameName}, &data); err != nil {
		if IsTransient(err) {
			return "", err
		}
		// Redirect has no answer for this name; slugify locally.
		return slugify(gameName), nil
	}
	if data.Game.Slug == "" {
		return slugify(gameName), nil
	}
	return data.Game.Slug, nil
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// CurrentDrop returns the drop currently progressing for a watched channel,
// as the server sees it. A nil drop with nil error means no drop session.
func (c *Client) CurrentDrop(ctx context.Context, channelID string) (*campaign.Drop, error) {
	var data struct {
		CurrentUser struct {
			DropCurrentSession *struct {
				DropID                 string `json:"dropID"`
				CurrentMinutesWatched  int    `json:"currentMinutesWatched"`
				RequiredMinutesWatched int    `json:"requiredMinutesWatched"`
			} `json:"dropCurrentSession"`
		} `json:"currentUser"`
	}
	err := c.query(ctx, opCurrentDrop, map[string]any{
		"channelID":    channelID,
		"channelLogin": "",
	}, &data)
	if err != nil {
		return nil, err
	}
	s := data.CurrentUser.DropCurrentSession
	if s == nil {
		return nil, nil
	}
	return &campaign.Drop{
		ID:              s.DropID,
		RequiredMinutes: s.RequiredMinutesWatched,
		ProgressMinutes: s.CurrentMinutesWatched,
	}, nil
}

// ClaimDrop claims a drop instance. A claim that raced an earlier one is
// reported by the server as already claimed and treated as success here,
// which makes retrying a claim safe.
func (c *Client) ClaimDrop(ctx context.Context, instanceID string) error {
	var data struct {
		ClaimDropRewards *struct {
			Status string `json:"status"`
			Errors []struct {
				Code string `json:"code"`
			} `json:"errors"`
		} `json:"claimDropRewards"`
	}
	err := c.query(ctx, opClaimDrop, map[string]any{
		"input": map[string]any{"dropInstanceID": instanceID},
	}, &data)
	if err != nil {
		if KindOf(err) == KindAlreadyClaimed {
			return nil
		}
		return err
	}
	r := data.ClaimDropRewards
	if r == nil {
		return newError(KindMalformed, opClaimDrop.Name, errors.New("empty claim result"))
	}
	for _, e := range r.Errors {
		if e.Code == "DROP_INSTANCE_ALREADY_CLAIMED" {
			c.logger.Debug("drop already claimed", "instance", instanceID)
			return nil
		}
		return newError(KindMalformed, opClaimDrop.Name, fmt.Errorf("claim error %s", e.Code))
	}
	switch r.Status {
	case "", "ELIGIBLE_FOR_ALL", "DROP_INSTANCE_ALREADY_CLAIMED":
		return nil
	default:
		return newError(KindMalformed, opClaimDrop.Name, fmt.Errorf("claim status %s", r.Status))
	}
}

// PlaybackToken fetches the stream access token used to touch the HLS
// playlist.
func (c *Client) PlaybackToken(ctx context.Context, login string) (value, signature string, err error) {
	var data struct {
		StreamPlaybackAccessToken *struct {
			Value     string `json:"value"`
			Signature string `json:"signature"`
		} `json:"streamPlaybackAccessToken"`
	}
	err = c.query(ctx, opPlaybackAccessToken, map[string]any{
		"isLive":     true,
		"isVod":      false,
		"login":      login,
		"platform":   "android",
		"playerType": "channel_home_live",
		"vodID":      "",
	}, &data)
	if err != nil {
		return "", "", err
	}
	t := data.StreamPlaybackAccessToken
	if t == nil {
		return "", "", newError(KindNotWatching, opPlaybackAccessToken.Name, errors.New("no access token, stream offline"))
	}
	return t.Value, t.Signature, nil
}

// StreamInfo resolves the live broadcast ID for a channel. Offline channels
// return a NotWatching error.
func (c *Client) StreamInfo(ctx context.Context, login string) (broadcastID string, err error) {
	var data struct {
		User *struct {
			Stream *struct {
				ID string `json:"id"`
			} `json:"stream"`
		} `json:"user"`
	}
	err = c.query(ctx, opStreamInfo, map[string]any{"channel": login}, &data)
	if err != nil {
		return "", err
	}
	if data.User == nil || data.User.Stream == nil {
		return "", newError(KindNotWatching, opStreamInfo.Name, errors.New("channel offline"))
	}
	return data.User.Stream.ID, nil
}

// AvailableDrops lists drop IDs advertised on a channel.
func (c *Client) AvailableDrops(ctx context.Context, channelID string) ([]string, error) {
	var data struct {
		Channel struct {
			ViewerDropCampaigns []struct {
				ID string `json:"id"`
			} `json:"viewerDropCampaigns"`
		} `json:"channel"`
	}
	err := c.query(ctx, opAvailableDrops, map[string]any{"channelID": channelID}, &data)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(data.Channel.ViewerDropCampaigns))
	for _, dc := range data.Channel.ViewerDropCampaigns {
		ids = append(ids, dc.ID)
	}
	return ids, nil
}
