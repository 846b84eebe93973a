package sdk

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Oakley group 2 prime (RFC 2409).
const testPrimeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF"

// handshakeEnv holds the server-side material for a simulated token
// handshake: the RSA keypair, the plaintext access token secret, and the
// Diffie-Hellman prime shared with the client under test.
type handshakeEnv struct {
	key    *rsa.PrivateKey
	secret []byte
	prime  *big.Int
}

func newHandshakeEnv(t *testing.T) *handshakeEnv {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	prime, ok := new(big.Int).SetString(testPrimeHex, 16)
	require.True(t, ok)
	return &handshakeEnv{
		key:    key,
		secret: []byte("plaintext-access-token-secret"),
		prime:  prime,
	}
}

// credentials builds the client-side credential store matching the env.
func (e *handshakeEnv) credentials(t *testing.T) *Credentials {
	t.Helper()
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, &e.key.PublicKey, e.secret)
	require.NoError(t, err)
	return &Credentials{
		ConsumerKey:       "TESTCONSUMER",
		AccessToken:       "test-access-token",
		AccessTokenSecret: base64.StdEncoding.EncodeToString(encrypted),
		SignatureKey:      e.key,
		EncryptionKey:     e.key,
		DHPrime:           e.prime,
		Realm:             "test_realm",
	}
}

var oauthParamPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

func oauthParam(header, name string) string {
	for _, m := range oauthParamPattern.FindAllStringSubmatch(header, -1) {
		if m[1] == name {
			return m[2]
		}
	}
	return ""
}

// serveHandshake performs the server side of the token exchange: it reads
// the client's DH challenge, derives the shared secret independently, and
// answers with its DH response and the token signature proof.
func (e *handshakeEnv) serveHandshake(t *testing.T, w http.ResponseWriter, r *http.Request) {
	t.Helper()
	auth := r.Header.Get("Authorization")
	challengeHex := oauthParam(auth, "diffie_hellman_challenge")
	require.NotEmpty(t, challengeHex, "handshake request must carry a DH challenge")

	challenge, ok := new(big.Int).SetString(challengeHex, 16)
	require.True(t, ok, "DH challenge must be hex")

	priv, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	dhResponse := new(big.Int).Exp(big.NewInt(2), priv, e.prime)
	shared := new(big.Int).Exp(challenge, priv, e.prime)

	lstMac := hmac.New(sha1.New, bigIntToSignedBytes(shared))
	lstMac.Write(e.secret)
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
