package recovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/namespacesync"
	"github.com/CoralStackCom/CoralKM/sss"
	"github.com/CoralStackCom/CoralKM/transport/inmemory"
)

func TestStart_RejectsWithNoGuardians(t *testing.T) {
	mediator := inmemory.New()
	c := New(Config{Self: "did:wallet:1", Mediator: mediator})

	_, err := c.Start(context.Background(), interfaces.Namespace{}, nil)
	assert.Error(t, err)
}

func TestStart_RejectsWhileCeremonyInFlight(t *testing.T) {
	mediator := inmemory.New()
	c := New(Config{Self: "did:wallet:1", Mediator: mediator})
	ns := interfaces.Namespace{GatewayID: "did:gw:1"}

	_, err := c.Start(context.Background(), ns, []interfaces.Identity{"did:g1"})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), ns, []interfaces.Identity{"did:g1"})
	assert.Error(t, err)
}

func TestStart_RejectsNamespaceWithNoGateway(t *testing.T) {
	mediator := inmemory.New()
	c := New(Config{Self: "did:wallet:1", Mediator: mediator})

	_, err := c.Start(context.Background(), interfaces.Namespace{}, []interfaces.Identity{"did:g1"})
	assert.Error(t, err)
}

// subscribeFakeGateway mimics the gateway-role recovery-request relay
// (engine.handleRecoveryRequestRelay) closely enough to exercise
// Coordinator.Start's wallet→gateway routing without pulling in the full
// engine/store stack: it re-sends the same request, unchanged in id, to
// every guardian named in body.guardians.
func subscribeFakeGateway(t *testing.T, mediator interfaces.Mediator, gateway interfaces.Identity) {
	t.Helper()
	require.NoError(t, mediator.Subscribe(gateway, func(msg interfaces.Message) {
		if msg.Type != interfaces.TypeNamespaceRecoveryRequest {
			return
		}
		raw, _ := msg.Body["guardians"].([]interface{})
		to := make([]interfaces.Identity, 0, len(raw))
		for _, g := range raw {
			if s, ok := g.(string); ok {
				to = append(to, interfaces.Identity(s))
			}
		}
		mediator.Send(interfaces.Message{ID: msg.ID, Type: msg.Type, From: msg.From, To: to, Body: msg.Body})
	}))
}

func TestRecoveryCeremony_HappyPath(t *testing.T) {
	mediator := inmemory.New()
	dek := make([]byte, 32)
	for i := range dek {
		dek[i] = byte(i)
	}

	ns := interfaces.Namespace{ID: uuid.New(), GatewayID: "did:gw:1"}
	backup := namespacesync.Backup{Identifiers: map[string]string{"wallet": "did:wallet:1"}}
	env, err := namespacesync.Seal(dek, backup, ns)
	require.NoError(t, err)
	envBytes, err := json.Marshal(env)
	require.NoError(t, err)

	shares, err := sss.Split(dek, 2, 2)
	require.NoError(t, err)

	c := New(Config{Self: "did:wallet:1", Mediator: mediator})

	var recoveryID uuid.UUID
	require.NoError(t, mediator.Subscribe("did:g1", func(msg interfaces.Message) {
		if msg.Type != interfaces.TypeNamespaceRecoveryRequest {
			return
		}
		recoveryID = msg.ID
		pthid := msg.ID
		mediator.Send(interfaces.Message{
			ID:    uuid.New(),
			Type:  interfaces.TypeGuardianVerificationChallenge,
			From:  "did:g1",
			To:    []interfaces.Identity{"did:wallet:1"},
			Pthid: &pthid,
			Body: map[string]interface{}{
				"challenge": map[string]interface{}{"id": pthid.String(), "type": "code", "instructions": "enter code"},
			},
		})
	}))

	require.NoError(t, mediator.Subscribe("did:wallet:1", func(msg interfaces.Message) {
		c.HandleMessage(context.Background(), msg)
	}))
	subscribeFakeGateway(t, mediator, "did:gw:1")

	_, err = c.Start(context.Background(), ns, []interfaces.Identity{"did:g1", "did:g2"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, recoveryID)

	// Simulate two guardians releasing their shares.
	pthid := recoveryID
	mediator.Send(interfaces.Message{
		ID: uuid.New(), Type: interfaces.TypeGuardianReleaseShare,
		From: "did:g1", To: []interfaces.Identity{"did:wallet:1"}, Pthid: &pthid,
		Body: map[string]interface{}{"share": base64.RawURLEncoding.EncodeToString(shares[0]), "threshold": float64(2)},
	})
	mediator.Send(interfaces.Message{
		ID: uuid.New(), Type: interfaces.TypeGuardianReleaseShare,
		From: "did:g2", To: []interfaces.Identity{"did:wallet:1"}, Pthid: &pthid,
		Body: map[string]interface{}{"share": base64.RawURLEncoding.EncodeToString(shares[1]), "threshold": float64(2)},
	})

	status := c.Status()
	assert.Equal(t, StateReconstructed, status.State)

	mediator.Send(interfaces.Message{
		ID: uuid.New(), Type: interfaces.TypeNamespaceSyncResponse,
		From: "did:gw:1", To: []interfaces.Identity{"did:wallet:1"},
		Body: map[string]interface{}{"request": "GET", "data": base64.RawURLEncoding.EncodeToString(envBytes)},
	})

	final := c.Status()
	require.Equal(t, StateRestored, final.State)
	require.NotNil(t, final.RestoredBackup)
	assert.Equal(t, "did:wallet:1", final.RestoredBackup.Identifiers["wallet"])
}

func TestStart_SucceedsAgainAfterPriorCeremonyRestored(t *testing.T) {
	mediator := inmemory.New()
	dek := make([]byte, 32)
	for i := range dek {
		dek[i] = byte(i)
	}

	ns := interfaces.Namespace{ID: uuid.New(), GatewayID: "did:gw:1"}
	backup := namespacesync.Backup{Identifiers: map[string]string{"wallet": "did:wallet:1"}}
	env, err := namespacesync.Seal(dek, backup, ns)
	require.NoError(t, err)
	envBytes, err := json.Marshal(env)
	require.NoError(t, err)

	shares, err := sss.Split(dek, 2, 2)
	require.NoError(t, err)

	c := New(Config{Self: "did:wallet:1", Mediator: mediator})

	var recoveryID uuid.UUID
	require.NoError(t, mediator.Subscribe("did:g1", func(msg interfaces.Message) {
		if msg.Type != interfaces.TypeNamespaceRecoveryRequest {
			return
		}
		recoveryID = msg.ID
	}))
	require.NoError(t, mediator.Subscribe("did:wallet:1", func(msg interfaces.Message) {
		c.HandleMessage(context.Background(), msg)
	}))
	subscribeFakeGateway(t, mediator, "did:gw:1")

	_, err = c.Start(context.Background(), ns, []interfaces.Identity{"did:g1", "did:g2"})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, recoveryID)

	pthid := recoveryID
	mediator.Send(interfaces.Message{
		ID: uuid.New(), Type: interfaces.TypeGuardianReleaseShare,
		From: "did:g1", To: []interfaces.Identity{"did:wallet:1"}, Pthid: &pthid,
		Body: map[string]interface{}{"share": base64.RawURLEncoding.EncodeToString(shares[0]), "threshold": float64(2)},
	})
	mediator.Send(interfaces.Message{
		ID: uuid.New(), Type: interfaces.TypeGuardianReleaseShare,
		From: "did:g2", To: []interfaces.Identity{"did:wallet:1"}, Pthid: &pthid,
		Body: map[string]interface{}{"share": base64.RawURLEncoding.EncodeToString(shares[1]), "threshold": float64(2)},
	})
	mediator.Send(interfaces.Message{
		ID: uuid.New(), Type: interfaces.TypeNamespaceSyncResponse,
		From: "did:gw:1", To: []interfaces.Identity{"did:wallet:1"},
		Body: map[string]interface{}{"request": "GET", "data": base64.RawURLEncoding.EncodeToString(envBytes)},
	})

	restored := c.Status()
	require.Equal(t, StateRestored, restored.State)
	require.False(t, restored.Active, "a finished ceremony must no longer report itself as in flight")

	// A completed ceremony must not block a fresh one, per §4.7's terminal-state
	// "clear current" instruction.
	firstID := recoveryID
	newID, err := c.Start(context.Background(), ns, []interfaces.Identity{"did:g1", "did:g2"})
	require.NoError(t, err)
	assert.NotEqual(t, firstID, newID)

	status := c.Status()
	assert.True(t, status.Active)
	assert.Equal(t, StateInitiated, status.State)
}

func TestHandleReleaseShare_DedupesByGuardianIdentity(t *testing.T) {
	mediator := inmemory.New()
	c := New(Config{Self: "did:wallet:1", Mediator: mediator})

	id, err := c.Start(context.Background(), interfaces.Namespace{ID: uuid.New(), GatewayID: "did:gw:1"}, []interfaces.Identity{"did:g1", "did:g2"})
	require.NoError(t, err)

	pthid := id
	msg := interfaces.Message{
		ID: uuid.New(), Type: interfaces.TypeGuardianReleaseShare,
		From: "did:g1", To: []interfaces.Identity{"did:wallet:1"}, Pthid: &pthid,
		Body: map[string]interface{}{"share": base64.RawURLEncoding.EncodeToString([]byte("share-a")), "threshold": float64(2)},
	}
	c.HandleMessage(context.Background(), msg)
	c.HandleMessage(context.Background(), msg)

	assert.Equal(t, 1, c.Status().SharesCollected)
}

func TestHandleMessage_IgnoresMessagesForOtherCeremonies(t *testing.T) {
	mediator := inmemory.New()
	c := New(Config{Self: "did:wallet:1", Mediator: mediator})

	_, err := c.Start(context.Background(), interfaces.Namespace{ID: uuid.New(), GatewayID: "did:gw:1"}, []interfaces.Identity{"did:g1"})
	require.NoError(t, err)

	unrelated := uuid.New()
	c.HandleMessage(context.Background(), interfaces.Message{
		ID: uuid.New(), Type: interfaces.TypeGuardianReleaseShare,
		From: "did:g1", Pthid: &unrelated,
		Body: map[string]interface{}{"share": "AAAA", "threshold": float64(2)},
	})

	assert.Equal(t, 0, c.Status().SharesCollected)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestExpire_ClearsCeremonyPastDeadline(t *testing.T) {
	mediator := inmemory.New()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(Config{Self: "did:wallet:1", Mediator: mediator, Clock: fixedClock{now: start}})

	_, err := c.Start(context.Background(), interfaces.Namespace{GatewayID: "did:gw:1"}, []interfaces.Identity{"did:g1"})
	require.NoError(t, err)
	require.True(t, c.Status().Active)

	c.Expire(start.Add(interfaces.DefaultRecoveryTTL + time.Minute))
	assert.False(t, c.Status().Active)
}
