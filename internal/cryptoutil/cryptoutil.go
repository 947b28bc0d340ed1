// Package cryptoutil implements RingForge Hub's per-fleet message
// cryptography (spec §4.1): HMAC-SHA256 key derivation from a fleet's
// live API key, HMAC signing, and AES-256-GCM sign-then-encrypt
// sealing. The derivation chain is normatively fixed by the wire
// format agents independently reproduce, so it is built on the
// standard library rather than a higher-level crypto package.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/ringforge/hub/internal/rferr"
)

const aad = "ringforge-msg"

// FleetKeys holds the derived signing and encryption keys for one
// fleet. Both are 32 bytes (HMAC-SHA256 output / AES-256 key size).
type FleetKeys struct {
	FleetSecret   []byte
	SigningKey    []byte
	EncryptionKey []byte
}

// Derive computes a fleet's signing and encryption keys from its live
// API key and fleet_id:
//
//	fleet_secret   = HMAC-SHA256(api_key, "ringforge:fleet:" || fleet_id)
//	signing_key    = HMAC-SHA256(fleet_secret, "ringforge:sign")
//	encryption_key = HMAC-SHA256(fleet_secret, "ringforge:encrypt")
func Derive(apiKey, fleetID string) FleetKeys {
	fleetSecret := hmacSum([]byte(apiKey), []byte("ringforge:fleet:"+fleetID))
	return FleetKeys{
		FleetSecret:   fleetSecret,
		SigningKey:    hmacSum(fleetSecret, []byte("ringforge:sign")),
		EncryptionKey: hmacSum(fleetSecret, []byte("ringforge:encrypt")),
	}
}

func hmacSum(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// Sign returns base64url-unpadded HMAC-SHA256(signing_key, body).
func Sign(signingKey, body []byte) string {
	return base64.RawURLEncoding.EncodeToString(hmacSum(signingKey, body))
}

// Verify checks sig against body in constant time. It returns
// rferr.ErrInvalidSignature on mismatch.
func Verify(signingKey, body []byte, sig string) error {
	want, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return rferr.ErrInvalidSignature
	}
	got := hmacSum(signingKey, body)
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return rferr.ErrInvalidSignature
	}
	return nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh 12-byte IV
// and the fixed associated data "ringforge-msg", returning the wire
// form "iv:ct:tag" (three base64url-unpadded segments).
func Encrypt(encryptionKey, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, 16)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, []byte(aad))
	tagStart := len(sealed) - gcm.Overhead()
	ct, tag := sealed[:tagStart], sealed[tagStart:]

	return strings.Join([]string{
		base64.RawURLEncoding.EncodeToString(iv),
		base64.RawURLEncoding.EncodeToString(ct),
		base64.RawURLEncoding.EncodeToString(tag),
	}, ":"), nil
}

// Decrypt reverses Encrypt. It returns rferr.ErrDecryptionFailed on
// any malformed wire form, tag mismatch, or single-bit corruption.
func Decrypt(encryptionKey []byte, wire string) ([]byte, error) {
	parts := strings.Split(wire, ":")
	if len(parts) != 3 {
		return nil, rferr.ErrDecryptionFailed
	}
	iv, err1 := base64.RawURLEncoding.DecodeString(parts[0])
	ct, err2 := base64.RawURLEncoding.DecodeString(parts[1])
	tag, err3 := base64.RawURLEncoding.DecodeString(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, rferr.ErrDecryptionFailed
	}

	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, rferr.ErrDecryptionFailed
	}
	gcm, err := cipher.NewGCMWithTagSize(block, 16)
	if err != nil {
		return nil, rferr.ErrDecryptionFailed
	}
	if len(iv) != gcm.NonceSize() {
		return nil, rferr.ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, iv, append(ct, tag...), []byte(aad))
	if err != nil {
		return nil, rferr.ErrDecryptionFailed
	}
	return plaintext, nil
}

// sealedEnvelope is the JSON shape signed-then-encrypted by Seal.
type sealedEnvelope struct {
	Body map[string]any `json:"body"`
	Sig  string         `json:"sig"`
}

// Seal signs body with the signing key, packages {body, sig} as JSON,
// and encrypts the package with the encryption key.
func Seal(keys FleetKeys, body map[string]any) (string, error) {
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	env := sealedEnvelope{Body: body, Sig: Sign(keys.SigningKey, bodyJSON)}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return Encrypt(keys.EncryptionKey, envJSON)
}

// Unseal decrypts wire, verifies the embedded signature against the
// re-marshaled body, and returns the body map.
func Unseal(keys FleetKeys, wire string) (map[string]any, error) {
	plaintext, err := Decrypt(keys.EncryptionKey, wire)
	if err != nil {
		return nil, err
	}

	var env sealedEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, rferr.ErrDecryptionFailed
	}

	bodyJSON, err := json.Marshal(env.Body)
	if err != nil {
		return nil, rferr.ErrDecryptionFailed
	}
	if err := Verify(keys.SigningKey, bodyJSON, env.Sig); err != nil {
		return nil, err
	}
	return env.Body, nil
}

// KeySource resolves the currently-canonical live API key for a
// fleet. When a fleet has multiple non-revoked live keys, the
// most-recently created one is canonical (see DESIGN.md's decision
// for the spec's "which key is canonical" open question).
type KeySource func(fleetID string) (apiKey string, err error)

// Cache is a process-local, per-fleet derived-key cache. Eviction is
// unbounded within a process — fleet counts are small enough that
// this never needs to shrink — but Invalidate lets a caller force
// re-derivation after an admin rotates or revokes a fleet's live key.
type Cache struct {
	mu      sync.RWMutex
	byFleet map[string]FleetKeys
	source  KeySource
}

// NewCache builds a key cache that derives missing entries via
// source.
func NewCache(source KeySource) *Cache {
	return &Cache{byFleet: make(map[string]FleetKeys), source: source}
}

// Get returns the (cached or freshly derived) keys for fleetID. It
// returns rferr.ErrNoFleetKeys if source reports no live key.
func (c *Cache) Get(fleetID string) (FleetKeys, error) {
	c.mu.RLock()
	keys, ok := c.byFleet[fleetID]
	c.mu.RUnlock()
	if ok {
		return keys, nil
	}

	apiKey, err := c.source(fleetID)
	if err != nil || apiKey == "" {
		return FleetKeys{}, rferr.ErrNoFleetKeys
	}

	keys = Derive(apiKey, fleetID)

	c.mu.Lock()
	c.byFleet[fleetID] = keys
	c.mu.Unlock()

	return keys, nil
}

// Invalidate forces the next Get for fleetID to re-derive from
// source, e.g. after a live key rotation or revocation.
func (c *Cache) Invalidate(fleetID string) {
	c.mu.Lock()
	delete(c.byFleet, fleetID)
	c.mu.Unlock()
}
