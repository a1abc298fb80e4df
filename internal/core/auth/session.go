package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pentavision/pentavisiond/internal/core/pverr"
)

const clientVersion = "1.0.0"

// renewalGuardFraction is how much of the token lifetime may remain before
// Token() renews proactively instead of handing out the cached token.
const renewalGuardFraction = 10

// State is the session lifecycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateActive
	StateExpired
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Info is a read-only snapshot of the current session.
type Info struct {
	State     State     `json:"state"`
	IssuedAt  time.Time `json:"issued_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// SessionManager owns the lifecycle of the Video Tunnel session token:
// acquisition via the challenge-response handshake, expiry tracking, renewal,
// and invalidation when the server rejects the session mid-flight.
//
// Renewal is single-flight: when many callers discover an expired token at
// once, exactly one handshake runs and all callers share its outcome.
type SessionManager struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *slog.Logger

	mu        sync.Mutex
	token     string
	issuedAt  time.Time
	expiresAt time.Time
	state     State

	sf  singleflight.Group
	now func() time.Time
}

// NewSessionManager creates a session manager for the server at baseURL
// (scheme://host:port, no trailing slash).
func NewSessionManager(baseURL, apiKey string, httpClient *http.Client, log *slog.Logger) *SessionManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SessionManager{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    httpClient,
		log:     log,
		state:   StateUnauthenticated,
		now:     time.Now,
	}
}

// handshakeChallenge is the body of GET /handshake.
type handshakeChallenge struct {
	Challenge string `json:"challenge"`
	Nonce     string `json:"nonce"`
}

// handshakeProof is the body of POST /handshake.
type handshakeProof struct {
	Nonce      string     `json:"nonce"`
	Digest     string     `json:"digest"`
	ClientInfo clientInfo `json:"client_info"`
}

type clientInfo struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// handshakeResult is the server's answer to a valid proof.
type handshakeResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// Token returns the current session token, authenticating first if the
// session is not active or is inside the renewal guard window.
func (s *SessionManager) Token(ctx context.Context) (string, error) {
	if tok, ok := s.cachedToken(); ok {
		return tok, nil
	}

	_, err, _ := s.sf.Do("handshake", func() (any, error) {
		// Re-check under single-flight: another caller may have renewed
		// while we waited for the group slot.
		if _, ok := s.cachedToken(); ok {
			return nil, nil
		}
		return nil, s.Authenticate(ctx)
	})
	if err != nil {
		return "", err
	}

	tok, ok := s.cachedToken()
	if !ok {
		return "", pverr.New(pverr.KindAuth, "auth.token", "no active session after handshake")
	}
	return tok, nil
}

// cachedToken returns the token when the session is active and outside the
// renewal guard window.
func (s *SessionManager) cachedToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return "", false
	}

	lifetime := s.expiresAt.Sub(s.issuedAt)
	remaining := s.expiresAt.Sub(s.now())
	if lifetime <= 0 || remaining <= lifetime/renewalGuardFraction {
		s.state = StateExpired
		return "", false
	}
	return s.token, true
}

// Authenticate performs the two-step handshake and stores the issued token.
// Network failures and 5xx responses come back as transient errors; a
// rejected digest comes back as an auth error and leaves the session
// unauthenticated.
func (s *SessionManager) Authenticate(ctx context.Context) error {
	const op = "auth.authenticate"

	ch, err := s.fetchChallenge(ctx)
	if err != nil {
		return err
	}

	digest, err := Digest(s.apiKey, ch.Challenge)
	if err != nil {
		return err
	}

	res, err := s.submitProof(ctx, ch.Nonce, digest)
	if err != nil {
		return err
	}

	if res.Token == "" {
		return pverr.New(pverr.KindProtocol, op, "handshake response carried no token")
	}

	s.mu.Lock()
	s.token = res.Token
	s.issuedAt = s.now()
	s.expiresAt = time.Unix(res.ExpiresAt, 0)
	s.state = StateActive
	s.mu.Unlock()

	s.log.Info("session established", "expires_at", time.Unix(res.ExpiresAt, 0))
	return nil
}

func (s *SessionManager) fetchChallenge(ctx context.Context) (*handshakeChallenge, error) {
	const op = "auth.handshake"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/handshake", nil)
	if err != nil {
		return nil, pverr.Wrap(pverr.KindConfig, op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key-Hash", KeyHash(s.apiKey))

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, pverr.Wrap(pverr.KindTransient, op, err)
	}
	defer resp.Body.Close()

	if err := checkHandshakeStatus(op, resp.StatusCode); err != nil {
		return nil, err
	}

	var ch handshakeChallenge
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, pverr.Wrap(pverr.KindProtocol, op, err)
	}
	if ch.Challenge == "" || ch.Nonce == "" {
		return nil, pverr.New(pverr.KindProtocol, op, "challenge response missing challenge or nonce")
	}
	return &ch, nil
}

func (s *SessionManager) submitProof(ctx context.Context, nonce, digest string) (*handshakeResult, error) {
	const op = "auth.handshake"

	body, err := json.Marshal(handshakeProof{
		Nonce:  nonce,
		Digest: digest,
		ClientInfo: clientInfo{
			Type:    "pentavisiond",
			Version: clientVersion,
		},
	})
	if err != nil {
		return nil, pverr.Wrap(pverr.KindConfig, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/handshake", bytes.NewReader(body))
	if err != nil {
		return nil, pverr.Wrap(pverr.KindConfig, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key-Hash", KeyHash(s.apiKey))

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, pverr.Wrap(pverr.KindTransient, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		s.mu.Lock()
		s.token = ""
		s.state = StateUnauthenticated
		s.mu.Unlock()
		return nil, pverr.Newf(pverr.KindAuth, op, "server rejected handshake digest (HTTP %d)", resp.StatusCode)
	}
	if err := checkHandshakeStatus(op, resp.StatusCode); err != nil {
		return nil, err
	}

	var res handshakeResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, pverr.Wrap(pverr.KindProtocol, op, err)
	}
	return &res, nil
}

func checkHandshakeStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pverr.Newf(pverr.KindAuth, op, "HTTP %d", status)
	case status >= 500:
		return pverr.Newf(pverr.KindTransient, op, "HTTP %d", status)
	default:
		return pverr.Newf(pverr.KindProtocol, op, "unexpected HTTP %d", status)
	}
}

// Invalidate forces the session into the expired state so the next Token()
// call re-authenticates. Called by the transport client when the server
// rejects a mid-session request.
func (s *SessionManager) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateActive {
		s.state = StateExpired
		s.log.Warn("session invalidated by server rejection")
	}
}

// Revoke tells the server to drop the session and marks it revoked locally.
// Used on shutdown; failures are reported but the local state is cleared
// either way.
func (s *SessionManager) Revoke(ctx context.Context) error {
	const op = "auth.revoke"

	s.mu.Lock()
	token := s.token
	s.token = ""
	s.state = StateRevoked
	s.mu.Unlock()

	if token == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/session/revoke", nil)
	if err != nil {
		return pverr.Wrap(pverr.KindConfig, op, err)
	}
	req.Header.Set("X-Session-Token", token)

	resp, err := s.http.Do(req)
	if err != nil {
		return pverr.Wrap(pverr.KindTransient, op, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return pverr.Newf(pverr.KindTransient, op, "HTTP %d", resp.StatusCode)
	}
	s.log.Info("session revoked")
	return nil
}

// Current returns a snapshot of the session state for status surfaces.
func (s *SessionManager) Current() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{State: s.state, IssuedAt: s.issuedAt, ExpiresAt: s.expiresAt}
}
