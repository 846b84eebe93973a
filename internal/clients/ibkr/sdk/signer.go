package sdk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Signer produces OAuth 1.0a Authorization headers for signed requests,
// using the current Live Session Token as the HMAC-SHA256 key. It performs
// no network I/O; the token is always passed in by the executor.
type Signer struct {
	consumerKey string
	accessToken string
	realm       string
}

// NewSigner creates a Signer for the given consumer identity.
func NewSigner(consumerKey, accessToken, realm string) *Signer {
	return &Signer{
		consumerKey: consumerKey,
		accessToken: accessToken,
		realm:       realm,
	}
}

// AuthorizationHeader signs one request. rawURL must not carry a query
// string; query parameters are passed in extra so they are included in the
// signature base string exactly as sent.
func (s *Signer) AuthorizationHeader(lst, method, rawURL string, extra url.Values) (string, error) {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	return s.sign(lst, method, rawURL, extra, nonce, timestamp)
}

// sign is the deterministic core: fixed nonce and timestamp always produce
// the same header.
func (s *Signer) sign(lst, method, rawURL string, extra url.Values, nonce, timestamp string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(lst)
	if err != nil {
		return "", fmt.Errorf("live session token is not valid base64: %w", err)
	}

	oauthParams := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_token":            s.accessToken,
		"oauth_signature_method": "HMAC-SHA256",
		"oauth_nonce":            nonce,
		"oauth_timestamp":        timestamp,
	}

	params := url.Values{}
	for k, vs := range extra {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	for k, v := range oauthParams {
		params.Set(k, v)
	}

	base := signatureBaseString(strings.ToUpper(method), rawURL, params)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(base))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	oauthParams["oauth_signature"] = signature
	return s.headerString(oauthParams), nil
}

// headerString renders the OAuth header with the realm first and the
// remaining parameters in sorted order.
func (s *Signer) headerString(oauthParams map[string]string) string {
	keys := make([]string, 0, len(oauthParams))
	for k := range oauthParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`OAuth realm="`)
	b.WriteString(s.realm)
	b.WriteString(`"`)
	for _, k := range keys {
		b.WriteString(", ")
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(percentEncode(oauthParams[k]))
		b.WriteString(`"`)
	}
	return b.String()
}

// signatureBaseString builds METHOD&encoded-url&encoded-params with the
// parameter string sorted by encoded key, then encoded value.
func signatureBaseString(method, rawURL string, params url.Values) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(params))
	for k, vs := range params {
		ek := percentEncode(k)
		for _, v := range vs {
			pairs = append(pairs, pair{ek, percentEncode(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	paramString := strings.Join(parts, "&")

	return method + "&" + percentEncode(rawURL) + "&" + percentEncode(paramString)
}

// percentEncode implements RFC 5849 §3.6 encoding: only unreserved
// characters (ALPHA, DIGIT, "-", ".", "_", "~") pass through.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}
