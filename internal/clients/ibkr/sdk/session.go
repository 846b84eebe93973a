package sdk

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	lstEndpoint = "/oauth/live_session_token"

	// A fresh handshake is forced when the token is within this window of
	// its expiry, so callers never sign with a token about to lapse.
	defaultExpiryThreshold = 60 * time.Second

	// Consecutive handshake failures before the manager gives up and
	// fails fast instead of retrying indefinitely.
	maxHandshakeFailures = 3
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticating
	stateAuthenticated
	stateFailed
)

func (s sessionState) String() string {
	switch s {
	case stateUnauthenticated:
		return "UNAUTHENTICATED"
	case stateAuthenticating:
		return "AUTHENTICATING"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// tokenCall is the in-flight handshake promise: concurrent callers that
// find a handshake already running wait on done instead of starting a
// second one.
type tokenCall struct {
	done  chan struct{}
	token string
	err   error
}

// TokenManager owns the Live Session Token lifecycle: it performs the
// OAuth/Diffie-Hellman handshake, tracks expiry, and guarantees that
// concurrent regeneration requests collapse into a single handshake.
type TokenManager struct {
	creds      *Credentials
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	expiryThreshold time.Duration

	mu       sync.Mutex
	state    sessionState
	token    string // base64 LST; empty until first handshake
	expiry   time.Time
	inflight *tokenCall
	failures int
	lastErr  error
}

// NewTokenManager creates a TokenManager. httpClient may be shared with
// the executor; the manager only uses it for the token endpoint.
func NewTokenManager(creds *Credentials, baseURL string, httpClient *http.Client, log zerolog.Logger) *TokenManager {
	return &TokenManager{
		creds:           creds,
		baseURL:         strings.TrimRight(baseURL, "/"),
		httpClient:      httpClient,
		log:             log.With().Str("component", "ibkr-session").Logger(),
		expiryThreshold: defaultExpiryThreshold,
		state:           stateUnauthenticated,
	}
}

// Token returns a Live Session Token whose expiry is in the future,
// performing the handshake if the current token is missing or expiring.
// Only one handshake runs at a time: latecomers wait for its result.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()

	if m.state == stateFailed {
		err := m.lastErr
		m.mu.Unlock()
		return "", &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("session handshake failed %d times, not retrying: %w", maxHandshakeFailures, err)}
	}

	if m.state == stateAuthenticated && !m.expiringLocked(m.expiryThreshold) {
		token := m.token
		m.mu.Unlock()
		return token, nil
	}

	call := m.inflight
	if call == nil {
		call = &tokenCall{done: make(chan struct{})}
		m.inflight = call
		m.state = stateAuthenticating
		m.mu.Unlock()
		m.runHandshake(ctx, call)
	} else {
		m.mu.Unlock()
	}

	select {
	case <-call.done:
		return call.token, call.err
	case <-ctx.Done():
		return "", &TransientNetworkError{Endpoint: lstEndpoint, Attempts: 1, Err: ctx.Err()}
	}
}

// Invalidate discards the current token so the next Token call performs a
// fresh handshake. Used by the executor when the brokerage rejects a
// signed request with 401/410.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateAuthenticated {
		m.state = stateUnauthenticated
		m.token = ""
		m.expiry = time.Time{}
	}
}

// IsExpiring reports whether the current token is within threshold of its
// expiry (or absent entirely).
func (m *TokenManager) IsExpiring(threshold time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != stateAuthenticated || m.expiringLocked(threshold)
}

// Expiry returns the expiry time of the current token (zero when
// unauthenticated).
func (m *TokenManager) Expiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiry
}

func (m *TokenManager) expiringLocked(threshold time.Duration) bool {
	return time.Until(m.expiry) <= threshold
}

// runHandshake executes one handshake and publishes the result to every
// waiter on the call promise.
func (m *TokenManager) runHandshake(ctx context.Context, call *tokenCall) {
	token, expiry, err := m.generate(ctx)

	m.mu.Lock()
	m.inflight = nil
	if err != nil {
		m.failures++
		m.lastErr = err
		if m.failures >= maxHandshakeFailures {
			m.state = stateFailed
			m.log.Error().Err(err).Int("failures", m.failures).Msg("Session handshake failed repeatedly, giving up")
		} else {
			m.state = stateUnauthenticated
		}
		call.err = err
	} else {
		m.failures = 0
		m.lastErr = nil
		m.state = stateAuthenticated
		m.token = token
		m.expiry = expiry
		call.token = token
		m.log.Info().
			Time("expiry", expiry).
			Int("token_length", len(token)).
			Msg("Live session token established")
	}
	m.mu.Unlock()

	close(call.done)
}

// generate performs the full handshake: DH challenge, RSA-SHA256 signed
// token request, and LST derivation from the DH shared secret. It never
// returns a partial token.
func (m *TokenManager) generate(ctx context.Context) (string, time.Time, error) {
	prime := m.creds.DHPrime

	random, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 256))
	if err != nil {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("failed to generate random value: %w", err)}
	}
	challenge := new(big.Int).Exp(big.NewInt(2), random, prime)

	encryptedSecret, err := base64.StdEncoding.DecodeString(m.creds.AccessTokenSecret)
	if err != nil {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("access token secret is not valid base64: %w", err)}
	}
	secret, err := rsa.DecryptPKCS1v15(nil, m.creds.EncryptionKey, encryptedSecret)
	if err != nil {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("failed to decrypt access token secret: %w", err)}
	}

	requestURL := m.baseURL + lstEndpoint
	params := url.Values{
		"oauth_consumer_key":       {m.creds.ConsumerKey},
		"oauth_token":              {m.creds.AccessToken},
		"oauth_signature_method":   {"RSA-SHA256"},
		"oauth_nonce":              {strings.ReplaceAll(uuid.NewString(), "-", "")},
		"oauth_timestamp":          {strconv.FormatInt(time.Now().Unix(), 10)},
		"diffie_hellman_challenge": {challenge.Text(16)},
	}

	// The decrypted secret (hex) is prepended to the standard base string
	// for this one request only.
	base := hex.EncodeToString(secret) + signatureBaseString(http.MethodPost, requestURL, params)
	digest := sha256.Sum256([]byte(base))
	signature, err := rsa.SignPKCS1v15(rand.Reader, m.creds.SignatureKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("failed to sign handshake: %w", err)}
	}

	header := handshakeHeader(m.creds.Realm, params, base64.StdEncoding.EncodeToString(signature))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, nil)
	if err != nil {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint, Err: err}
	}
	req.Header.Set("Authorization", header)
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("handshake request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("failed to read handshake response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("handshake returned status %d: %s", resp.StatusCode, truncateSecret(string(body)))}
	}

	var lstResp liveSessionTokenResponse
	if err := json.Unmarshal(body, &lstResp); err != nil {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("failed to parse handshake response: %w", err)}
	}

	dhResponse, ok := new(big.Int).SetString(lstResp.DiffieHellmanResponse, 16)
	if !ok {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("diffie_hellman_response is not valid hex")}
	}

	sharedSecret := new(big.Int).Exp(dhResponse, random, prime)
	lst := computeLiveSessionToken(sharedSecret, secret)

	if !validateLiveSessionToken(lst, m.creds.ConsumerKey, lstResp.LiveSessionTokenSignature) {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("live session token signature mismatch")}
	}

	expiry := time.UnixMilli(lstResp.LiveSessionTokenExpiration)
	if !expiry.After(time.Now()) {
		return "", time.Time{}, &AuthenticationError{Endpoint: lstEndpoint,
			Err: fmt.Errorf("handshake returned an already-expired token (expiry %s)", expiry)}
	}

	return base64.StdEncoding.EncodeToString(lst), expiry, nil
}

// handshakeHeader renders the OAuth header for the token request. The DH
// challenge travels with the oauth parameters.
func handshakeHeader(realm string, params url.Values, signature string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	keys = append(keys, "oauth_signature")
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`OAuth realm="`)
	b.WriteString(realm)
	b.WriteString(`"`)
	for _, k := range keys {
		v := signature
		if k != "oauth_signature" {
			v = params.Get(k)
		}
		b.WriteString(", ")
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(percentEncode(v))
		b.WriteString(`"`)
	}
	return b.String()
}

// computeLiveSessionToken derives the LST from the DH shared secret and
// the decrypted access token secret. The exact formula is the brokerage's
// published derivation; it is isolated here (with validateLiveSessionToken
// below) so it can be swapped in one place if the protocol changes.
func computeLiveSessionToken(sharedSecret *big.Int, decryptedSecret []byte) []byte {
	mac := hmac.New(sha1.New, bigIntToSignedBytes(sharedSecret))
	mac.Write(decryptedSecret)
	return mac.Sum(nil)
}

// validateLiveSessionToken checks the server's proof that both sides
// derived the same token: hex(HMAC-SHA1(key=LST, msg=consumer key)).
func validateLiveSessionToken(lst []byte, consumerKey, signature string) bool {
	mac := hmac.New(sha1.New, lst)
	mac.Write([]byte(consumerKey))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// bigIntToSignedBytes serializes a big.Int the way the brokerage's
// derivation expects: big-endian two's-complement, with a leading zero
// byte when the most significant bit is set.
func bigIntToSignedBytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	if b[0]&0x80 != 0 {
		return append([]byte{0}, b...)
	}
	return b
}

