package engine

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/protocol"
	"github.com/CoralStackCom/CoralKM/store"
	"github.com/CoralStackCom/CoralKM/transport/inmemory"
)

func newGuardianEngine(t *testing.T, mediator interfaces.Mediator, clock interfaces.Clock) (*Engine, *store.GuardianStore) {
	t.Helper()
	gStore := store.NewGuardianStore(nil)
	e, err := New(Config{
		Self:          "did:guardian:1",
		Roles:         []interfaces.Role{interfaces.RoleGuardian},
		Mediator:      mediator,
		GuardianStore: gStore,
		Clock:         clock,
	})
	require.NoError(t, err)
	return e, gStore
}

func TestHandle_GuardianRequestGrantsByDefault(t *testing.T) {
	mediator := inmemory.New()
	e, _ := newGuardianEngine(t, mediator, nil)

	var reply interfaces.Message
	require.NoError(t, mediator.Subscribe("did:wallet:1", func(msg interfaces.Message) { reply = msg }))

	req := protocol.New(interfaces.TypeGuardianRequest, "did:wallet:1", []interfaces.Identity{"did:guardian:1"}, nil, nil, nil)
	e.Handle(context.Background(), req)

	assert.Equal(t, interfaces.TypeGuardianGrant, reply.Type)
}

func TestHandle_GuardianRemoveDeletesShares(t *testing.T) {
	mediator := inmemory.New()
	e, gStore := newGuardianEngine(t, mediator, nil)
	ctx := context.Background()
	require.NoError(t, gStore.SetPolicy(ctx, interfaces.GuardianPolicy{Requester: "did:wallet:1", Status: interfaces.Granted}))
	ns := interfaces.Namespace{ID: uuidFor(t, "11111111-1111-1111-1111-111111111111"), GatewayID: "did:gw:1"}
	require.NoError(t, gStore.SaveShare(ctx, "did:wallet:1", ns, 2, []byte("share")))

	var reply interfaces.Message
	require.NoError(t, mediator.Subscribe("did:wallet:1", func(msg interfaces.Message) { reply = msg }))

	msg := protocol.New(interfaces.TypeGuardianRemove, "did:wallet:1", []interfaces.Identity{"did:guardian:1"}, nil, nil, nil)
	e.Handle(ctx, msg)

	assert.Equal(t, interfaces.TypeGuardianRemoveConfirm, reply.Type)
	shares, err := gStore.ListShares(ctx, "did:wallet:1")
	require.NoError(t, err)
	assert.Empty(t, shares)
}

func TestHandle_GuardianShareUpdateRequiresGrantedPolicy(t *testing.T) {
	mediator := inmemory.New()
	e, _ := newGuardianEngine(t, mediator, nil)

	var reply interfaces.Message
	require.NoError(t, mediator.Subscribe("did:wallet:1", func(msg interfaces.Message) { reply = msg }))

	msg := protocol.New(interfaces.TypeGuardianShareUpdate, "did:wallet:1", []interfaces.Identity{"did:guardian:1"}, nil, nil, map[string]interface{}{
		"namespace": protocol.EncodeNamespace(interfaces.Namespace{ID: uuidFor(t, "22222222-2222-2222-2222-222222222222"), GatewayID: "did:gw:1"}),
		"threshold": float64(2),
		"share":     base64.RawURLEncoding.EncodeToString([]byte("share-bytes")),
	})
	e.Handle(context.Background(), msg)

	assert.Equal(t, interfaces.TypeProblemReport, reply.Type)
	assert.Equal(t, string(protocol.ErrPolicyNotGranted), reply.Body["code"])
}

func TestHandle_RecoveryRequestFromNonGuardianIsSilentlyDropped(t *testing.T) {
	mediator := inmemory.New()
	e, _ := newGuardianEngine(t, mediator, nil)

	sent := false
	require.NoError(t, mediator.Subscribe("did:wallet:1", func(msg interfaces.Message) { sent = true }))

	ns := interfaces.Namespace{ID: uuidFor(t, "33333333-3333-3333-3333-333333333333"), GatewayID: "did:gw:1"}
	msg := protocol.New(interfaces.TypeNamespaceRecoveryRequest, "did:wallet:1", []interfaces.Identity{"did:guardian:1"}, nil, nil, map[string]interface{}{
		"namespace":  protocol.EncodeNamespace(ns),
		"device_did": "did:wallet:1",
		"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	e.Handle(context.Background(), msg)

	assert.False(t, sent, "a non-guardian's recovery request must not produce any reply")
}

func TestRecoveryCeremony_HappyPath(t *testing.T) {
	mediator := inmemory.New()
	clock := &fixedClock{now: time.Now()}
	e, gStore := newGuardianEngine(t, mediator, clock)
	ctx := context.Background()

	ns := interfaces.Namespace{ID: uuidFor(t, "44444444-4444-4444-4444-444444444444"), GatewayID: "did:gw:1"}
	require.NoError(t, gStore.SetPolicy(ctx, interfaces.GuardianPolicy{Requester: "did:wallet:1", Status: interfaces.Granted}))
	require.NoError(t, gStore.SaveShare(ctx, "did:wallet:1", ns, 2, []byte("share-abc")))

	var challengeMsg, releaseMsg interfaces.Message
	require.NoError(t, mediator.Subscribe("did:device:new", func(msg interfaces.Message) {
		switch msg.Type {
		case interfaces.TypeGuardianVerificationChallenge:
			challengeMsg = msg
		case interfaces.TypeGuardianReleaseShare:
			releaseMsg = msg
		}
	}))

	recoveryReq := protocol.New(interfaces.TypeNamespaceRecoveryRequest, "did:wallet:1", []interfaces.Identity{"did:guardian:1"}, nil, nil, map[string]interface{}{
		"namespace":  protocol.EncodeNamespace(ns),
		"device_did": "did:device:new",
		"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	e.Handle(ctx, recoveryReq)
	require.Equal(t, interfaces.TypeGuardianVerificationChallenge, challengeMsg.Type)
	require.NotNil(t, challengeMsg.Pthid)
	assert.Equal(t, recoveryReq.ID, *challengeMsg.Pthid)

	response := protocol.New(interfaces.TypeGuardianVerificationChallengeResponse, "did:device:new", []interfaces.Identity{"did:guardian:1"}, nil, challengeMsg.Pthid, map[string]interface{}{
		"challenge_id": recoveryReq.ID.String(),
		"response":     "123456",
	})
	e.Handle(ctx, response)

	require.Equal(t, interfaces.TypeGuardianReleaseShare, releaseMsg.Type)
	require.NotNil(t, releaseMsg.Pthid)
	assert.Equal(t, recoveryReq.ID, *releaseMsg.Pthid)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString([]byte("share-abc")), releaseMsg.Body["share"])

	_, found, err := gStore.GetRecoveryRequest(ctx, recoveryReq.ID)
	require.NoError(t, err)
	assert.False(t, found, "recovery request must be deleted once processed")
}

func TestRecoveryCeremony_ExpiredRequestDropsResponse(t *testing.T) {
	mediator := inmemory.New()
	clock := &fixedClock{now: time.Now()}
	e, gStore := newGuardianEngine(t, mediator, clock)
	ctx := context.Background()

	ns := interfaces.Namespace{ID: uuidFor(t, "55555555-5555-5555-5555-555555555555"), GatewayID: "did:gw:1"}
	require.NoError(t, gStore.SetPolicy(ctx, interfaces.GuardianPolicy{Requester: "did:wallet:1", Status: interfaces.Granted}))
	require.NoError(t, gStore.SaveShare(ctx, "did:wallet:1", ns, 2, []byte("share-abc")))

	var challengeMsg interfaces.Message
	require.NoError(t, mediator.Subscribe("did:device:new", func(msg interfaces.Message) {
		if msg.Type == interfaces.TypeGuardianVerificationChallenge {
			challengeMsg = msg
		}
	}))

	recoveryReq := protocol.New(interfaces.TypeNamespaceRecoveryRequest, "did:wallet:1", []interfaces.Identity{"did:guardian:1"}, nil, nil, map[string]interface{}{
		"namespace":  protocol.EncodeNamespace(ns),
		"device_did": "did:device:new",
		"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	e.Handle(ctx, recoveryReq)
	require.NotNil(t, challengeMsg.Pthid)

	clock.now = clock.now.Add(interfaces.DefaultRecoveryTTL + time.Second)

	var reply interfaces.Message
	require.NoError(t, mediator.Subscribe("did:device:new", func(msg interfaces.Message) { reply = msg }))
	response := protocol.New(interfaces.TypeGuardianVerificationChallengeResponse, "did:device:new", []interfaces.Identity{"did:guardian:1"}, nil, challengeMsg.Pthid, map[string]interface{}{
		"challenge_id": recoveryReq.ID.String(),
		"response":     "123456",
	})
	e.Handle(ctx, response)

	assert.Equal(t, interfaces.TypeProblemReport, reply.Type)
	assert.Equal(t, string(protocol.ErrExpired), reply.Body["code"])

	_, found, err := gStore.GetRecoveryRequest(ctx, recoveryReq.ID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRecoveryCeremony_WrongCodeDropsWithoutReleasingShare(t *testing.T) {
	mediator := inmemory.New()
	e, gStore := newGuardianEngine(t, mediator, nil)
	ctx := context.Background()

	ns := interfaces.Namespace{ID: uuidFor(t, "66666666-6666-6666-6666-666666666666"), GatewayID: "did:gw:1"}
	require.NoError(t, gStore.SetPolicy(ctx, interfaces.GuardianPolicy{Requester: "did:wallet:1", Status: interfaces.Granted}))
	require.NoError(t, gStore.SaveShare(ctx, "did:wallet:1", ns, 2, []byte("share-abc")))

	var challengeMsg interfaces.Message
	require.NoError(t, mediator.Subscribe("did:device:new", func(msg interfaces.Message) {
		if msg.Type == interfaces.TypeGuardianVerificationChallenge {
			challengeMsg = msg
		}
	}))

	recoveryReq := protocol.New(interfaces.TypeNamespaceRecoveryRequest, "did:wallet:1", []interfaces.Identity{"did:guardian:1"}, nil, nil, map[string]interface{}{
		"namespace":  protocol.EncodeNamespace(ns),
		"device_did": "did:device:new",
		"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	e.Handle(ctx, recoveryReq)

	released := false
	require.NoError(t, mediator.Subscribe("did:device:new", func(msg interfaces.Message) {
		if msg.Type == interfaces.TypeGuardianReleaseShare {
			released = true
		}
	}))
	response := protocol.New(interfaces.TypeGuardianVerificationChallengeResponse, "did:device:new", []interfaces.Identity{"did:guardian:1"}, nil, challengeMsg.Pthid, map[string]interface{}{
		"challenge_id": recoveryReq.ID.String(),
		"response":     "000000",
	})
	e.Handle(ctx, response)

	assert.False(t, released)
	_, found, err := gStore.GetRecoveryRequest(ctx, recoveryReq.ID)
	require.NoError(t, err)
	assert.False(t, found, "a failed verification must still clear the recovery request")
}
