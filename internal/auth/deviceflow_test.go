package auth

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceFlowRun(t *testing.T) {
	tokenPolls := 0
	client := stubClient(func(req *http.Request) (*http.Response, error) {
		switch req.URL.String() {
		case ClientAndroidApp.ClientURL:
			resp := jsonResponse(http.StatusOK, "")
			resp.Header.Add("Set-Cookie", "unique_id=cafe0123cafe0123cafe0123cafe0123")
			return resp, nil

		case deviceCodeURL:
			require.NoError(t, req.ParseForm())
			assert.Equal(t, ClientAndroidApp.ClientID, req.PostForm.Get("client_id"))
			return jsonResponse(http.StatusOK,
				`{"device_code":"dc1","user_code":"ABCD1234","verification_uri":"https://www.twitch.tv/activate","expires_in":30,"interval":1}`), nil

		case tokenURL:
			tokenPolls++
			if tokenPolls == 1 {
				// User has not approved yet.
				return jsonResponse(http.StatusBadRequest, `{"message":"authorization_pending"}`), nil
			}
			require.NoError(t, req.ParseForm())
			assert.Equal(t, "dc1", req.PostForm.Get("device_code"))
			assert.Equal(t, "urn:ietf:params:oauth:grant-type:device_code", req.PostForm.Get("grant_type"))
			return jsonResponse(http.StatusOK, `{"access_token":"tok"}`), nil

		case validateURL:
			assert.Equal(t, "OAuth tok", req.Header.Get("Authorization"))
			return jsonResponse(http.StatusOK, `{"user_id":"42","login":"miner"}`), nil
		}
		t.Fatalf("unexpected request: %s", req.URL)
		return nil, nil
	})

	flow := NewDeviceFlow(client, ClientAndroidApp, discardLogger())

	var shownCode, shownURI string
	cred, err := flow.Run(context.Background(), func(code, uri string) {
		shownCode, shownURI = code, uri
	})
	require.NoError(t, err)

	assert.Equal(t, "ABCD1234", shownCode)
	assert.Equal(t, "https://www.twitch.tv/activate", shownURI)
	assert.Equal(t, "tok", cred.AccessToken)
	assert.Equal(t, int64(42), cred.UserID)
	assert.Equal(t, "miner", cred.Login)
	assert.Equal(t, "cafe0123cafe0123cafe0123cafe0123", cred.DeviceID, "device id comes from the landing page cookie")
	assert.Equal(t, 2, tokenPolls)
}

func TestDeviceFlowCancelledWhilePolling(t *testing.T) {
	client := stubClient(func(req *http.Request) (*http.Response, error) {
		switch req.URL.String() {
		case ClientAndroidApp.ClientURL:
			return jsonResponse(http.StatusOK, ""), nil
		case deviceCodeURL:
			return jsonResponse(http.StatusOK,
				`{"device_code":"dc1","user_code":"ABCD1234","verification_uri":"https://www.twitch.tv/activate","expires_in":600,"interval":1}`), nil
		case tokenURL:
			return jsonResponse(http.StatusBadRequest, `{"message":"authorization_pending"}`), nil
		}
		t.Fatalf("unexpected request: %s", req.URL)
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	flow := NewDeviceFlow(client, ClientAndroidApp, discardLogger())

	_, err := flow.Run(ctx, func(string, string) { cancel() })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerateDeviceID(t *testing.T) {
	id := generateDeviceID()
	assert.Len(t, id, 32)
	assert.NotContains(t, id, "-")
	assert.NotEqual(t, id, generateDeviceID())
}
