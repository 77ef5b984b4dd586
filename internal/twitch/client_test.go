package twitch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcin-skalski/drops-miner/internal/auth"
	"github.com/marcin-skalski/drops-miner/internal/campaign"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// testStore returns a store whose token validation is served by the given
// handler instead of the id service.
func testStore(t *testing.T, validate http.HandlerFunc) *auth.Store {
	t.Helper()
	client := &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		validate(rec, r)
		return rec.Result(), nil
	})}
	s := auth.NewStore(client, auth.ClientAndroidApp, discardLogger())
	s.Set(auth.Credential{
		AccessToken: "token123",
		UserID:      42,
		DeviceID:    "abcdef1234567890abcdef1234567890",
		Login:       "miner",
	})
	return s
}

func validateOK(w http.ResponseWriter, _ *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"user_id": "42", "login": "miner"})
}

func newTestClient(t *testing.T, store *auth.Store, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.Client(), store, auth.ClientAndroidApp, discardLogger())
	c.SetURL(srv.URL)
	return c
}

func TestQuerySendsIdentityHeaders(t *testing.T) {
	var got http.Header
	var body gqlRequest
	c := newTestClient(t, testStore(t, validateOK), func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"data":{}}`))
	})

	require.NoError(t, c.query(context.Background(), opInventory, map[string]any{"fetchRewardCampaigns": true}, nil))

	assert.Equal(t, auth.ClientAndroidApp.ClientID, got.Get("Client-Id"))
	assert.Equal(t, "OAuth token123", got.Get("Authorization"))
	assert.Equal(t, "abcdef1234567890abcdef1234567890", got.Get("X-Device-Id"))
	assert.Equal(t, "abcdef1234567890", got.Get("Client-Session-Id"))
	assert.Contains(t, got.Get("Cookie"), "unique_id=")

	assert.Equal(t, "Inventory", body.OperationName)
	assert.Len(t, body.Extensions.PersistedQuery.SHA256Hash, 64)
	assert.Equal(t, 1, body.Extensions.PersistedQuery.Version)
}

func TestQueryRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, testStore(t, validateOK), func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{}}`))
	})

	require.NoError(t, c.query(context.Background(), opInventory, nil, nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueryMalformedNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, testStore(t, validateOK), func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`not json`))
	})

	err := c.query(context.Background(), opInventory, nil, nil)
	require.Error(t, err)
	assert.Equal(t, KindMalformed, KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueryRevalidatesOnceOnAuthFailure(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, testStore(t, validateOK), func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":{}}`))
	})

	require.NoError(t, c.query(context.Background(), opInventory, nil, nil))
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueryAuthFailureIsPermanentAfterFailedRevalidation(t *testing.T) {
	var calls atomic.Int32
	store := testStore(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c := newTestClient(t, store, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := c.query(context.Background(), opInventory, nil, nil)
	require.Error(t, err)
	assert.True(t, IsAuth(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, auth.ValidityInvalid, store.Validity())
}

func TestSyncInventoryDecodesCampaigns(t *testing.T) {
	c := newTestClient(t, testStore(t, validateOK), func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"currentUser":{"inventory":{"dropCampaignsInProgress":[{
			"id":"c1","name":"Summer Drops",
			"game":{"id":"g1","name":"Rust"},
			"startAt":"2026-08-01T00:00:00Z","endAt":"2026-09-01T00:00:00Z",
			"status":"ACTIVE",
			"self":{"isAccountConnected":true},
			"timeBasedDrops":[
				{"id":"d1","name":"Skin","requiredMinutesWatched":120,
				 "self":{"currentMinutesWatched":120,"isClaimed":false,"dropInstanceID":"i1"}},
				{"id":"d2","name":"Emote","requiredMinutesWatched":240,
				 "self":{"currentMinutesWatched":60,"isClaimed":false,"dropInstanceID":""}}
			]}]}}}}`))
	})

	got, err := c.SyncInventory(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)

	cpn := got[0]
	assert.Equal(t, "Summer Drops", cpn.Name)
	assert.Equal(t, "Rust", cpn.GameName)
	assert.Equal(t, campaign.StatusActive, cpn.Status)
	assert.True(t, cpn.AccountLinked)
	require.Len(t, cpn.Drops, 2)
	assert.Equal(t, campaign.ClaimClaimable, cpn.Drops[0].Claim)
	assert.Equal(t, "i1", cpn.Drops[0].InstanceID)
	assert.Equal(t, campaign.ClaimUnclaimed, cpn.Drops[1].Claim)
	assert.Equal(t, 180, cpn.Drops[1].RemainingMinutes())
}

func TestClaimDropAlreadyClaimedIsSuccess(t *testing.T) {
	c := newTestClient(t, testStore(t, validateOK), func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"claimDropRewards":{"status":"","errors":[{"code":"DROP_INSTANCE_ALREADY_CLAIMED"}]}}}`))
	})
	assert.NoError(t, c.ClaimDrop(context.Background(), "i1"))
}

func TestClaimDropSuccess(t *testing.T) {
	var body gqlRequest
	c := newTestClient(t, testStore(t, validateOK), func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Write([]byte(`{"data":{"claimDropRewards":{"status":"ELIGIBLE_FOR_ALL"}}}`))
	})
	require.NoError(t, c.ClaimDrop(context.Background(), "i1"))

	input, ok := body.Variables["input"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "i1", input["dropInstanceID"])
}

func TestClaimDropUnknownStatus(t *testing.T) {
	c := newTestClient(t, testStore(t, validateOK), func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"claimDropRewards":{"status":"USER_NOT_ELIGIBLE"}}}`))
	})
	err := c.ClaimDrop(context.Background(), "i1")
	require.Error(t, err)
	assert.Equal(t, KindMalformed, KindOf(err))
}

func TestStreamInfoOfflineChannel(t *testing.T) {
	c := newTestClient(t, testStore(t, validateOK), func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"user":{"stream":null}}}`))
	})
	_, err := c.StreamInfo(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, KindNotWatching, KindOf(err))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "rust", slugify("Rust"))
	assert.Equal(t, "sea-of-thieves", slugify("Sea of Thieves"))
	assert.Equal(t, "tom-clancy-s-rainbow-six-siege", slugify("Tom Clancy's Rainbow Six Siege"))
}
