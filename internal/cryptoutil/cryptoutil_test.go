package cryptoutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringforge/hub/internal/cryptoutil"
	"github.com/ringforge/hub/internal/rferr"
)

func TestDerive_Deterministic(t *testing.T) {
	k1 := cryptoutil.Derive("rf_live_abc123", "F1")
	k2 := cryptoutil.Derive("rf_live_abc123", "F1")
	assert.Equal(t, k1, k2)

	k3 := cryptoutil.Derive("rf_live_abc123", "F2")
	assert.NotEqual(t, k1.SigningKey, k3.SigningKey)
}

func TestSignVerify_RoundTrip(t *testing.T) {
	keys := cryptoutil.Derive("rf_live_abc123", "F1")
	body := []byte(`{"hello":"world"}`)

	sig := cryptoutil.Sign(keys.SigningKey, body)
	require.NoError(t, cryptoutil.Verify(keys.SigningKey, body, sig))

	err := cryptoutil.Verify(keys.SigningKey, []byte(`{"hello":"mutated"}`), sig)
	var rfe *rferr.Error
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, rferr.KindInvalidSignature, rfe.Kind)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	keys := cryptoutil.Derive("rf_live_abc123", "F1")
	plaintext := []byte(`{"message":"hi"}`)

	wire, err := cryptoutil.Encrypt(keys.EncryptionKey, plaintext)
	require.NoError(t, err)

	got, err := cryptoutil.Decrypt(keys.EncryptionKey, wire)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestDecrypt_BitFlipFails(t *testing.T) {
	keys := cryptoutil.Derive("rf_live_abc123", "F1")
	wire, err := cryptoutil.Encrypt(keys.EncryptionKey, []byte("payload"))
	require.NoError(t, err)

	mutated := wire[:len(wire)-2] + "xx"
	_, err = cryptoutil.Decrypt(keys.EncryptionKey, mutated)
	var rfe *rferr.Error
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, rferr.KindDecryptionFailed, rfe.Kind)
}

func TestSealUnseal_RoundTrip(t *testing.T) {
	keys := cryptoutil.Derive("rf_live_abc123", "F1")
	body := map[string]any{"kind": "info", "description": "hi"}

	wire, err := cryptoutil.Seal(keys, body)
	require.NoError(t, err)

	got, err := cryptoutil.Unseal(keys, wire)
	require.NoError(t, err)
	assert.Equal(t, "info", got["kind"])
	assert.Equal(t, "hi", got["description"])
}

func TestCache_DerivesOnceAndInvalidates(t *testing.T) {
	calls := 0
	cache := cryptoutil.NewCache(func(fleetID string) (string, error) {
		calls++
		return "rf_live_abc123", nil
	})

	_, err := cache.Get("F1")
	require.NoError(t, err)
	_, err = cache.Get("F1")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	cache.Invalidate("F1")
	_, err = cache.Get("F1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCache_NoFleetKeys(t *testing.T) {
	cache := cryptoutil.NewCache(func(fleetID string) (string, error) {
		return "", nil
	})
	_, err := cache.Get("F1")
	var rfe *rferr.Error
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, rferr.KindNoFleetKeys, rfe.Kind)
}
