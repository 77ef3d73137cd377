package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChallenge_ProducesDistinctNonces(t *testing.T) {
	a, err := NewChallenge()
	require.NoError(t, err)
	b, err := NewChallenge()
	require.NoError(t, err)

	assert.Len(t, a.Nonce, nonceLen)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestCheckChallengeResponse_RoundTrip(t *testing.T) {
	secret := []byte("guardian-held-secret")
	recoveryID := uuid.New()
	challenge, err := NewChallenge()
	require.NoError(t, err)

	response := DeriveChallengeResponse(secret, recoveryID, challenge)
	assert.True(t, CheckChallengeResponse(secret, recoveryID, challenge, response))
}

func TestCheckChallengeResponse_WrongSecretFails(t *testing.T) {
	recoveryID := uuid.New()
	challenge, err := NewChallenge()
	require.NoError(t, err)

	response := DeriveChallengeResponse([]byte("real-secret"), recoveryID, challenge)
	assert.False(t, CheckChallengeResponse([]byte("wrong-secret"), recoveryID, challenge, response))
}

func TestCheckChallengeResponse_WrongRecoveryIDFails(t *testing.T) {
	secret := []byte("guardian-held-secret")
	challenge, err := NewChallenge()
	require.NoError(t, err)

	response := DeriveChallengeResponse(secret, uuid.New(), challenge)
	assert.False(t, CheckChallengeResponse(secret, uuid.New(), challenge, response), "a response bound to one recovery ceremony must not verify against another")
}
