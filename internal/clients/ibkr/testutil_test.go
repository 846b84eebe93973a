package ibkr

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/openrange/internal/clients/ibkr/sdk"
)

// Oakley group 2 prime (RFC 2409).
const testPrimeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"

var oauthParamPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

func oauthParam(header, name string) string {
	for _, m := range oauthParamPattern.FindAllStringSubmatch(header, -1) {
		if m[1] == name {
			return m[2]
		}
	}
	return ""
}

// brokerServer simulates the brokerage API: it answers the token
// handshake and whatever endpoints a test registers on its mux.
type brokerServer struct {
	t      *testing.T
	key    *rsa.PrivateKey
	secret []byte
	prime  *big.Int

	Mux        *http.ServeMux
	Server     *httptest.Server
	Handshakes int32
}

func newBrokerServer(t *testing.T) *brokerServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	prime, ok := new(big.Int).SetString(testPrimeHex, 16)
	require.True(t, ok)

	b := &brokerServer{
		t:      t,
		key:    key,
		secret: []byte("plaintext-access-token-secret"),
		prime:  prime,
		Mux:    http.NewServeMux(),
	}
	b.Mux.HandleFunc("/oauth/live_session_token", b.serveHandshake)
	b.Server = httptest.NewServer(b.Mux)
	t.Cleanup(b.Server.Close)
	return b
}

// credentials writes the key material to disk and loads it through the
// public loader, the same path production takes.
func (b *brokerServer) credentials() *sdk.Credentials {
	b.t.Helper()
	dir := b.t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	data := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(b.key),
	})
	require.NoError(b.t, os.WriteFile(keyPath, data, 0600))

	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, &b.key.PublicKey, b.secret)
	require.NoError(b.t, err)

	creds, err := sdk.LoadCredentials(sdk.CredentialConfig{
		ConsumerKey:       "TESTCONSUMER",
		AccessToken:       "test-access-token",
		AccessTokenSecret: base64.StdEncoding.EncodeToString(encrypted),
		SignatureKeyPath:  keyPath,
		EncryptionKeyPath: keyPath,
		DHPrimeHex:        testPrimeHex,
	})
	require.NoError(b.t, err)
	return creds
}

func (b *brokerServer) serveHandshake(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&b.Handshakes, 1)

	challengeHex := oauthParam(r.Header.Get("Authorization"), "diffie_hellman_challenge")
	require.NotEmpty(b.t, challengeHex)
	challenge, ok := new(big.Int).SetString(challengeHex, 16)
	require.True(b.t, ok)

	priv, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(b.t, err)
	dhResponse := new(big.Int).Exp(big.NewInt(2), priv, b.prime)
	shared := new(big.Int).Exp(challenge, priv, b.prime)

	lstMac := hmac.New(sha1.New, signedBytes(shared))
	lstMac.Write(b.secret)
	lst := lstMac.Sum(nil)

	sigMac := hmac.New(sha1.New, lst)
	sigMac.Write([]byte("TESTCONSUMER"))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"diffie_hellman_response":       dhResponse.Text(16),
		"live_session_token_signature":  hex.EncodeToString(sigMac.Sum(nil)),
		"live_session_token_expiration": time.Now().Add(10 * time.Minute).UnixMilli(),
	})
}

// signedBytes mirrors the big-endian serialization the token derivation
// uses, with a leading zero byte when the most significant bit is set.
func signedBytes(n *big.Int) []byte {
	raw := n.Bytes()
	if len(raw) == 0 {
		return []byte{0}
	}
	if raw[0]&0x80 != 0 {
		return append([]byte{0}, raw...)
	}
	return raw
}

func (b *brokerServer) executor() *sdk.Client {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return sdk.NewClient(b.credentials(), b.Server.URL, log)
}

func (b *brokerServer) client(opts Options) *Client {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	opts.BaseURL = b.Server.URL
	return NewClient(b.credentials(), opts, log)
}

func jsonResponse(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(body))
}
