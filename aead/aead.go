// Package aead implements the AES-256-GCM authenticated encryption scheme
// used to bind wallet backups to their namespace, per spec §4.1. It follows
// the same crypto/aes + crypto/cipher GCM construction the teacher repo uses
// in cryptoutils.EncryptWithPublicKey, adapted from ECIES-wrapped keys to a
// bare symmetric DEK and a canonical-JSON associated-data envelope.
package aead

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/CoralStackCom/CoralKM/interfaces"
)

// Alg is the only supported algorithm identifier for the wire envelope.
const Alg = "AES-GCM"

// EnvelopeVersion is the current wire envelope version.
const EnvelopeVersion = 1

// KeySize is the required DEK length: 256 bits.
const KeySize = 32

// nonceSize is the GCM IV length, per §4.1: 96 bits.
const nonceSize = 12

var (
	// ErrAadMismatch is returned when AD presence or content differs
	// between encryption and decryption, per §4.1 and the AeadAadMismatch
	// taxonomy entry in §7.
	ErrAadMismatch = errors.New("aead: associated data mismatch")

	// ErrUnsupportedAlg is returned for any envelope whose alg field is not
	// "AES-GCM", the AeadUnsupportedAlg taxonomy entry in §7.
	ErrUnsupportedAlg = errors.New("aead: unsupported algorithm")

	// ErrInvalidKeySize is returned when the DEK is not 32 bytes.
	ErrInvalidKeySize = errors.New("aead: key must be 32 bytes")
)

// Envelope is the serialized form of an encrypted payload, per §4.1's wire
// format: {alg, v, iv, ct, aad?}.
type Envelope struct {
	Alg string `json:"alg"`
	V   int    `json:"v"`
	IV  string `json:"iv"`
	CT  string `json:"ct"`
	AAD string `json:"aad,omitempty"`
}

// HasAAD reports whether the envelope carries associated data.
func (e Envelope) HasAAD() bool { return e.AAD != "" }

// CanonicalJSON serializes v with lexicographically sorted object keys, the
// associated-data encoding rule from §4.1. Only maps and structs that
// round-trip through encoding/json are supported; v is first marshaled
// normally, then its keys are re-sorted at every object level.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("aead: marshal associated data: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("aead: normalize associated data: %w", err)
	}

	return canonicalize(generic)
}

func canonicalize(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			valJSON, err := canonicalize(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valJSON)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	case []interface{}:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemJSON, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemJSON)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	default:
		return json.Marshal(val)
	}
}

// Encrypt seals plaintext under key with a fresh random 96-bit nonce drawn
// from crypto/rand.Reader. If ad is non-nil, it is canonicalized and both
// authenticated in the ciphertext and stored (base64url) in the envelope for
// the decrypt-side match check.
func Encrypt(key []byte, plaintext []byte, ad interface{}) (Envelope, error) {
	return EncryptFrom(rand.Reader, key, plaintext, ad)
}

// EncryptFrom is Encrypt with the nonce drawn from src instead of
// crypto/rand.Reader, letting a caller inject a deterministic
// interfaces.RandomSource under test, per spec.md's "Clock and RandomSource
// are injected capabilities" rule.
func EncryptFrom(src interfaces.RandomSource, key []byte, plaintext []byte, ad interface{}) (Envelope, error) {
	if len(key) != KeySize {
		return Envelope{}, ErrInvalidKeySize
	}

	var adBytes []byte
	var adB64 string
	if ad != nil {
		var err error
		adBytes, err = CanonicalJSON(ad)
		if err != nil {
			return Envelope{}, err
		}
		adB64 = base64.RawURLEncoding.EncodeToString(adBytes)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("aead: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("aead: new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(src, nonce); err != nil {
		return Envelope{}, fmt.Errorf("aead: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, adBytes)

	return Envelope{
		Alg: Alg,
		V:   EnvelopeVersion,
		IV:  base64.RawURLEncoding.EncodeToString(nonce),
		CT:  base64.RawURLEncoding.EncodeToString(ciphertext),
		AAD: adB64,
	}, nil
}

// Decrypt opens env under key. If ad is provided it must canonicalize to
// exactly the bytes carried in env.AAD; a mismatch in presence or content
// fails with ErrAadMismatch before the GCM open is attempted, per §4.1.
func Decrypt(key []byte, env Envelope, ad interface{}) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if env.Alg != Alg {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlg, env.Alg)
	}

	var expectedAD []byte
	if ad != nil {
		var err error
		expectedAD, err = CanonicalJSON(ad)
		if err != nil {
			return nil, err
		}
	}

	if (len(expectedAD) > 0) != env.HasAAD() {
		return nil, ErrAadMismatch
	}

	var envAD []byte
	if env.HasAAD() {
		var err error
		envAD, err = base64.RawURLEncoding.DecodeString(env.AAD)
		if err != nil {
			return nil, fmt.Errorf("aead: decode aad: %w", err)
		}
		if subtle.ConstantTimeCompare(envAD, expectedAD) != 1 {
			return nil, ErrAadMismatch
		}
	}

	nonce, err := base64.RawURLEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("aead: decode iv: %w", err)
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(env.CT)
	if err != nil {
		return nil, fmt.Errorf("aead: decode ct: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aead: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aead: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, envAD)
	if err != nil {
		return nil, fmt.Errorf("aead: open: %w", err)
	}

	return plaintext, nil
}

// GenerateKey returns a fresh random 256-bit DEK read from crypto/rand.Reader.
func GenerateKey() ([]byte, error) {
	return GenerateKeyFrom(rand.Reader)
}

// GenerateKeyFrom is GenerateKey with the key material drawn from src
// instead of crypto/rand.Reader, letting a caller inject a deterministic
// interfaces.RandomSource under test, per spec.md's "Clock and RandomSource
// are injected capabilities" rule.
func GenerateKeyFrom(src interfaces.RandomSource) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(src, key); err != nil {
		return nil, fmt.Errorf("aead: generate key: %w", err)
	}
	return key, nil
}
