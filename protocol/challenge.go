package protocol

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// VerificationChallenge is the liveness/possession check a guardian issues
// before releasing a share during recovery, per §4.5's AwaitingChallenge
// state. The guardian never transmits its secret; it derives the expected
// response locally with DeriveChallengeResponse and compares it against
// whatever the responder returns.
type VerificationChallenge struct {
	ID    uuid.UUID
	Nonce []byte
}

const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
	nonceLen      = 32
)

// NewChallenge mints a random nonce for a fresh verification challenge.
func NewChallenge() (VerificationChallenge, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return VerificationChallenge{}, fmt.Errorf("protocol: generate challenge nonce: %w", err)
	}
	return VerificationChallenge{ID: uuid.New(), Nonce: nonce}, nil
}

// DeriveChallengeResponse computes the expected response to a challenge from
// a guardian-held secret, the recovery request id, and the challenge nonce.
// It mirrors the disk-key Argon2id derivation the teacher applies to app
// secrets: the recovery id salts the KDF so a captured response cannot be
// replayed against a different recovery ceremony.
func DeriveChallengeResponse(secret []byte, recoveryID uuid.UUID, challenge VerificationChallenge) []byte {
	salt := append(recoveryID[:], challenge.Nonce...)
	return argon2.IDKey(secret, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
}

// CheckChallengeResponse reports whether response matches the response
// derived from secret for this recovery id and challenge, using a
// constant-time comparison to avoid leaking a timing oracle on the guardian
// secret.
func CheckChallengeResponse(secret []byte, recoveryID uuid.UUID, challenge VerificationChallenge, response []byte) bool {
	expected := DeriveChallengeResponse(secret, recoveryID, challenge)
	return subtle.ConstantTimeCompare(expected, response) == 1
}
