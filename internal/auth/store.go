package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
)

const validateURL = "https://id.twitch.tv/oauth2/validate"

var (
	// ErrNotAuthenticated means no credential has ever been supplied. The
	// device-code flow has to run before the engine can do anything.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrAuthExpired means the credential was rejected and revalidation also
	// failed. Callers surface this; there is no automatic recovery.
	ErrAuthExpired = errors.New("authentication expired")
)

// Validity tracks what we currently believe about the stored credential.
type Validity int

const (
	ValidityUnknown Validity = iota
	ValidityValid
	ValidityInvalid
)

func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "valid"
	case ValidityInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Credential is the access credential handed out to the protocol client and
// the pubsub consumer. Copies are read-only from the callers' perspective;
// only the Store mutates credential state.
type Credential struct {
	AccessToken string `json:"access_token"`
	UserID      int64  `json:"user_id"`
	DeviceID    string `json:"device_id"`
	Login       string `json:"login"`
}

// UpdateFunc receives refreshed credentials for external persistence. The
// store never touches disk itself.
type UpdateFunc func(Credential)

// Store owns the credential for one session. The initial credential comes
// from the device-code flow (or a previously persisted one); Refresh
// revalidates it against the id service, and Invalidate marks it dead so
// every subsequent Acquire fails fast until a new credential is set.
type Store struct {
	client   *http.Client
	info     ClientInfo
	onUpdate UpdateFunc
	logger   *slog.Logger

	mu       sync.Mutex
	cred     Credential
	validity Validity
}

func NewStore(client *http.Client, info ClientInfo, logger *slog.Logger) *Store {
	return &Store{
		client:   client,
		info:     info,
		logger:   logger,
		validity: ValidityUnknown,
	}
}

// OnUpdate registers the persistence callback invoked after a successful
// Set or Refresh.
func (s *Store) OnUpdate(fn UpdateFunc) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// Set installs a credential obtained externally (device-code flow or a
// persisted auth file). Validity starts as Unknown until the first
// successful request or Refresh.
func (s *Store) Set(cred Credential) {
	s.mu.Lock()
	s.cred = cred
	s.validity = ValidityUnknown
	fn := s.onUpdate
	s.mu.Unlock()

	if fn != nil {
		fn(cred)
	}
}

// Acquire returns the current credential. It does not block on the network;
// validity Unknown is returned optimistically and resolved by the first
// request that uses it.
func (s *Store) Acquire() (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred.AccessToken == "" {
		return Credential{}, ErrNotAuthenticated
	}
	if s.validity == ValidityInvalid {
		return Credential{}, ErrAuthExpired
	}
	return s.cred, nil
}

// Validity reports the current credential state.
func (s *Store) Validity() Validity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validity
}

type validateResponse struct {
	UserID string `json:"user_id"`
	Login  string `json:"login"`
}

// Refresh revalidates the stored token against the id service. Device-code
// tokens carry no refresh token, so "refresh" here means re-verifying that
// the platform still accepts the one we have; a rejection invalidates the
// store. Safe to call concurrently with in-flight requests that used the
// prior credential; those requests fail with an auth error and retry after
// this returns.
func (s *Store) Refresh(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	cred := s.cred
	s.mu.Unlock()

	if cred.AccessToken == "" {
		return Credential{}, ErrNotAuthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+cred.AccessToken)
	req.Header.Set("User-Agent", s.info.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		// Network trouble is not an auth verdict. Leave validity alone so the
		// caller retries later.
		return Credential{}, fmt.Errorf("validate token: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var vr validateResponse
		if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
			return Credential{}, fmt.Errorf("parse validate response: %w", err)
		}
		uid, err := strconv.ParseInt(vr.UserID, 10, 64)
		if err != nil {
			return Credential{}, fmt.Errorf("parse user id %q: %w", vr.UserID, err)
		}

		s.mu.Lock()
		s.cred.UserID = uid
		s.cred.Login = vr.Login
		s.validity = ValidityValid
		cred = s.cred
		fn := s.onUpdate
		s.mu.Unlock()

		s.logger.Debug("credential revalidated", "login", cred.Login, "user_id", cred.UserID)
		if fn != nil {
			fn(cred)
		}
		return cred, nil

	case resp.StatusCode == http.StatusUnauthorized:
		s.invalidate("token rejected by validate endpoint")
		return Credential{}, ErrAuthExpired

	default:
		return Credential{}, fmt.Errorf("validate token: unexpected status %d", resp.StatusCode)
	}
}

// Invalidate marks the credential invalid. Every Acquire fails until a new
// credential is Set.
func (s *Store) Invalidate(reason string) {
	s.invalidate(reason)
}

func (s *Store) invalidate(reason string) {
	s.mu.Lock()
	s.validity = ValidityInvalid
	s.mu.Unlock()
	s.logger.Warn("credential invalidated", "reason", reason)
}
