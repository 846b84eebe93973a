// Package sdk implements the low-level Client Portal API machinery: the
// credential store, the Live Session Token handshake, OAuth request
// signing, and the retrying request executor.
package sdk

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
)

// CredentialConfig carries the raw, unparsed credential inputs. Key
// material is referenced by file path so secrets stay out of process
// arguments and logs.
type CredentialConfig struct {
	ConsumerKey       string
	AccessToken       string
	AccessTokenSecret string // base64 of the RSA-encrypted secret
	SignatureKeyPath  string // PEM, used for RSA-SHA256 handshake signing
	EncryptionKeyPath string // PEM, used to decrypt the access token secret
	DHPrimeHex        string
	Realm             string
}

// Credentials is the immutable credential store. Loaded once at startup;
// nothing here is mutated afterwards and the raw secret is never logged.
type Credentials struct {
	ConsumerKey       string
	AccessToken       string
	AccessTokenSecret string
	SignatureKey      *rsa.PrivateKey
	EncryptionKey     *rsa.PrivateKey
	DHPrime           *big.Int
	Realm             string
}

// LoadCredentials parses the key material and validates every field.
// It returns a descriptive error naming the offending input rather than
// deferring failures to the first handshake.
func LoadCredentials(cfg CredentialConfig) (*Credentials, error) {
	if cfg.ConsumerKey == "" {
		return nil, fmt.Errorf("consumer key is required")
	}
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if cfg.AccessTokenSecret == "" {
		return nil, fmt.Errorf("access token secret is required")
	}

	sigKey, err := loadPrivateKey(cfg.SignatureKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load signature key: %w", err)
	}
	encKey, err := loadPrivateKey(cfg.EncryptionKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}

	prime, err := parseDHPrime(cfg.DHPrimeHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Diffie-Hellman prime: %w", err)
	}

	realm := cfg.Realm
	if realm == "" {
		realm = "limited_poa"
	}

	return &Credentials{
		ConsumerKey:       cfg.ConsumerKey,
		AccessToken:       cfg.AccessToken,
		AccessTokenSecret: cfg.AccessTokenSecret,
		SignatureKey:      sigKey,
		EncryptionKey:     encKey,
		DHPrime:           prime,
		Realm:             realm,
	}, nil
}

// loadPrivateKey reads a PEM file and parses an RSA private key in either
// PKCS#1 or PKCS#8 encoding.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("key path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParsePrivateKeyPEM(data)
}

// ParsePrivateKeyPEM parses an RSA private key from PEM bytes (PKCS#1 or
// PKCS#8).
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, expected RSA", parsed)
	}
	return key, nil
}

func parseDHPrime(hexStr string) (*big.Int, error) {
	cleaned := strings.TrimSpace(strings.TrimPrefix(hexStr, "0x"))
	if cleaned == "" {
		return nil, fmt.Errorf("prime is empty")
	}
	prime, ok := new(big.Int).SetString(cleaned, 16)
	if !ok {
		return nil, fmt.Errorf("%q is not valid hex", truncateSecret(hexStr))
	}
	if prime.Sign() <= 0 || prime.Bit(0) == 0 {
		return nil, fmt.Errorf("prime must be a positive odd number")
	}
	return prime, nil
}

// truncateSecret shortens a sensitive value for inclusion in error
// messages and logs.
func truncateSecret(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "..."
}
