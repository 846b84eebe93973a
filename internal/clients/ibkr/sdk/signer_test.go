package sdk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_SignatureMatchesIndependentComputation(t *testing.T) {
	key := []byte("test-key")
	lst := base64.StdEncoding.EncodeToString(key)
	signer := NewSigner("ckey", "atoken", "limited_poa")

	header, err := signer.sign(lst, "get", "https://api.example.com/v1/api/iserver/account", nil, "abc123", "1700000000")
	require.NoError(t, err)

	// The base string, assembled by hand from the OAuth 1.0a rules.
	base := "GET" +
		"&https%3A%2F%2Fapi.example.com%2Fv1%2Fapi%2Fiserver%2Faccount" +
		"&oauth_consumer_key%3Dckey" +
		"%26oauth_nonce%3Dabc123" +
		"%26oauth_signature_method%3DHMAC-SHA256" +
		"%26oauth_timestamp%3D1700000000" +
		"%26oauth_token%3Datoken"
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(base))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	got, err := url.QueryUnescape(oauthParam(header, "oauth_signature"))
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}

func TestSigner_Deterministic(t *testing.T) {
	lst := base64.StdEncoding.EncodeToString([]byte("another-key"))
	signer := NewSigner("ckey", "atoken", "limited_poa")

	h1, err := signer.sign(lst, "POST", "https://host/x", nil, "nonce1", "1700000000")
	require.NoError(t, err)
	h2, err := signer.sign(lst, "POST", "https://host/x", nil, "nonce1", "1700000000")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// A different nonce changes the signature.
	h3, err := signer.sign(lst, "POST", "https://host/x", nil, "nonce2", "1700000000")
	require.NoError(t, err)
	assert.NotEqual(t, oauthParam(h1, "oauth_signature"), oauthParam(h3, "oauth_signature"))
}

func TestSigner_QueryParametersAffectSignature(t *testing.T) {
	lst := base64.StdEncoding.EncodeToString([]byte("k"))
	signer := NewSigner("ckey", "atoken", "limited_poa")

	plain, err := signer.sign(lst, "GET", "https://host/search", nil, "n", "1")
	require.NoError(t, err)
	withQuery, err := signer.sign(lst, "GET", "https://host/search", url.Values{"symbol": {"BHP"}}, "n", "1")
	require.NoError(t, err)

	assert.NotEqual(t, oauthParam(plain, "oauth_signature"), oauthParam(withQuery, "oauth_signature"))
	// Query parameters feed the signature only, never the header itself.
	assert.NotContains(t, withQuery, "symbol")
}

func TestSigner_HeaderShape(t *testing.T) {
	lst := base64.StdEncoding.EncodeToString([]byte("k"))
	signer := NewSigner("ckey", "atoken", "limited_poa")

	header, err := signer.AuthorizationHeader(lst, "GET", "https://host/endpoint", nil)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(header, `OAuth realm="limited_poa"`), "realm must lead the header")
	assert.Equal(t, "ckey", oauthParam(header, "oauth_consumer_key"))
	assert.Equal(t, "atoken", oauthParam(header, "oauth_token"))
	assert.Equal(t, "HMAC-SHA256", oauthParam(header, "oauth_signature_method"))
	assert.NotEmpty(t, oauthParam(header, "oauth_nonce"))
	assert.NotEmpty(t, oauthParam(header, "oauth_timestamp"))
	assert.NotEmpty(t, oauthParam(header, "oauth_signature"))
}

func TestSigner_RejectsInvalidToken(t *testing.T) {
	signer := NewSigner("ckey", "atoken", "limited_poa")
	_, err := signer.AuthorizationHeader("not base64 at all!!", "GET", "https://host/x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base64")
}

func TestPercentEncode(t *testing.T) {
	assert.Equal(t, "abcXYZ019-._~", percentEncode("abcXYZ019-._~"))
	assert.Equal(t, "a%20b", percentEncode("a b"))
	assert.Equal(t, "%26%3D%2F%3A", percentEncode("&=/:"))
	assert.Equal(t, "100%25", percentEncode("100%"))
}

func TestSignatureBaseString_SortsParameters(t *testing.T) {
	params := url.Values{
		"b": {"2"},
		"a": {"1"},
		"c": {"3"},
	}
	base := signatureBaseString("GET", "https://host/x", params)
	assert.Equal(t, "GET&https%3A%2F%2Fhost%2Fx&a%3D1%26b%3D2%26c%3D3", base)
}
