package aead

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// repeatingSource is a deterministic interfaces.RandomSource for tests: it
// never returns real randomness, only a fixed repeating byte stream.
type repeatingSource struct{ b byte }

func (s repeatingSource) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = s.b
	}
	return len(p), nil
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err, "GenerateKey should succeed")

	plaintext := []byte(`{"x":1}`)
	ad := map[string]string{"namespace": "NS1", "gateway": "did:example:gw"}

	env, err := Encrypt(key, plaintext, ad)
	require.NoError(t, err, "Encrypt should succeed")
	assert.Equal(t, Alg, env.Alg)
	assert.True(t, env.HasAAD(), "envelope should carry associated data")

	got, err := Decrypt(key, env, ad)
	require.NoError(t, err, "Decrypt should succeed with matching AD")
	assert.Equal(t, plaintext, got)
}

func TestEncryptDecrypt_NoAAD(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	env, err := Encrypt(key, []byte("hello"), nil)
	require.NoError(t, err)
	assert.False(t, env.HasAAD())

	got, err := Decrypt(key, env, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestDecrypt_AadMismatch(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	env, err := Encrypt(key, []byte("secret"), map[string]string{"namespace": "NS1"})
	require.NoError(t, err)

	// Different AD content.
	_, err = Decrypt(key, env, map[string]string{"namespace": "NS2"})
	assert.ErrorIs(t, err, ErrAadMismatch)

	// AD absent at decrypt when present at encrypt.
	_, err = Decrypt(key, env, nil)
	assert.ErrorIs(t, err, ErrAadMismatch)

	// AD present at decrypt when absent at encrypt.
	env2, err := Encrypt(key, []byte("secret"), nil)
	require.NoError(t, err)
	_, err = Decrypt(key, env2, map[string]string{"namespace": "NS1"})
	assert.ErrorIs(t, err, ErrAadMismatch)
}

func TestDecrypt_UnsupportedAlg(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	env, err := Encrypt(key, []byte("data"), nil)
	require.NoError(t, err)
	env.Alg = "AES-CBC"

	_, err = Decrypt(key, env, nil)
	assert.ErrorIs(t, err, ErrUnsupportedAlg)
}

func TestCanonicalJSON_SortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1}`, string(a))
}

func TestEncrypt_InvalidKeySize(t *testing.T) {
	_, err := Encrypt(make([]byte, 16), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestGenerateKeyFrom_UsesInjectedSource(t *testing.T) {
	key, err := GenerateKeyFrom(repeatingSource{b: 0x42})
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x42}, KeySize), key)
}

func TestEncryptFrom_UsesInjectedSourceForNonceAndRoundTrips(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	env, err := EncryptFrom(repeatingSource{b: 0x07}, key, []byte("payload"), nil)
	require.NoError(t, err)

	got, err := Decrypt(key, env, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	// Same source byte, same nonce, deterministically.
	again, err := EncryptFrom(repeatingSource{b: 0x07}, key, []byte("payload"), nil)
	require.NoError(t, err)
	assert.Equal(t, env.IV, again.IV)
}
