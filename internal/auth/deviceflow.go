package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	deviceCodeURL = "https://id.twitch.tv/oauth2/device"
	tokenURL      = "https://id.twitch.tv/oauth2/token"
)

// DeviceFlow runs the one-time device-code authorization. It is external to
// the engine: run it once and hand the resulting Credential to the Store;
// the engine never drives this flow itself.
type DeviceFlow struct {
	client   *http.Client
	info     ClientInfo
	deviceID string
	logger   *slog.Logger
}

func NewDeviceFlow(client *http.Client, info ClientInfo, logger *slog.Logger) *DeviceFlow {
	return &DeviceFlow{
		client:   client,
		info:     info,
		deviceID: generateDeviceID(),
		logger:   logger,
	}
}

// CodeFunc shows the user code and verification URI to the user.
type CodeFunc func(code, uri string)

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Run performs the full flow: request a device code, show it via onCode,
// poll the token endpoint until the user approves (HTTP 400 means still
// pending), then validate the token to learn user id and login.
func (f *DeviceFlow) Run(ctx context.Context, onCode CodeFunc) (Credential, error) {
	// Fetching the landing page first yields the unique_id cookie the
	// platform expects to see on later requests. Failure is tolerable: a
	// generated device id works too.
	if id, err := f.fetchUniqueID(ctx); err == nil && id != "" {
		f.deviceID = id
	} else if err != nil {
		f.logger.Warn("could not fetch unique id, using generated device id", "err", err)
	}

	dc, err := f.requestDeviceCode(ctx)
	if err != nil {
		return Credential{}, err
	}

	onCode(dc.UserCode, dc.VerificationURI)

	token, err := f.pollToken(ctx, dc)
	if err != nil {
		return Credential{}, err
	}

	cred, err := f.validate(ctx, token)
	if err != nil {
		return Credential{}, err
	}
	cred.DeviceID = f.deviceID
	return cred, nil
}

func (f *DeviceFlow) fetchUniqueID(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.info.ClientURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.info.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch landing page: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	for _, c := range resp.Cookies() {
		if c.Name == "unique_id" {
			return c.Value, nil
		}
	}
	return "", nil
}

func (f *DeviceFlow) requestDeviceCode(ctx context.Context) (*deviceCodeResponse, error) {
	form := url.Values{
		"client_id": {f.info.ClientID},
		"scopes":    {""},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceCodeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	f.setHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("device code request failed: %d - %s", resp.StatusCode, body)
	}

	var dc deviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&dc); err != nil {
		return nil, fmt.Errorf("parse device code response: %w", err)
	}
	if dc.Interval <= 0 {
		dc.Interval = 5
	}
	return &dc, nil
}

func (f *DeviceFlow) pollToken(ctx context.Context, dc *deviceCodeResponse) (string, error) {
	interval := time.Duration(dc.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	for attempt := 1; time.Now().Before(deadline); attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}

		form := url.Values{
			"client_id":   {f.info.ClientID},
			"device_code": {dc.DeviceCode},
			"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return "", err
		}
		f.setHeaders(req)

		resp, err := f.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("poll for token: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			var tr tokenResponse
			err := json.NewDecoder(resp.Body).Decode(&tr)
			resp.Body.Close()
			if err != nil {
				return "", fmt.Errorf("parse token response: %w", err)
			}
			return tr.AccessToken, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		// 400 = user has not approved yet, keep polling.
		if resp.StatusCode != http.StatusBadRequest {
			return "", fmt.Errorf("token request failed: %d - %s", resp.StatusCode, body)
		}
		f.logger.Debug("waiting for user authorization", "attempt", attempt)
	}

	return "", fmt.Errorf("device code expired before user authorized")
}

func (f *DeviceFlow) validate(ctx context.Context, token string) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Authorization", "OAuth "+token)
	req.Header.Set("User-Agent", f.info.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("validate token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("token validation failed: status %d", resp.StatusCode)
	}

	var vr validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Credential{}, fmt.Errorf("parse validate response: %w", err)
	}
	uid, err := strconv.ParseInt(vr.UserID, 10, 64)
	if err != nil {
		return Credential{}, fmt.Errorf("parse user id %q: %w", vr.UserID, err)
	}

	return Credential{
		AccessToken: token,
		UserID:      uid,
		Login:       vr.Login,
	}, nil
}

func (f *DeviceFlow) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Client-Id", f.info.ClientID)
	req.Header.Set("Origin", f.info.ClientURL)
	req.Header.Set("Referer", f.info.ClientURL)
	req.Header.Set("User-Agent", f.info.UserAgent)
	req.Header.Set("X-Device-Id", f.deviceID)
}

// generateDeviceID returns a 32 hex character device id.
func generateDeviceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
