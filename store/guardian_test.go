package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/store/backend"
)

func testNamespace() interfaces.Namespace {
	return interfaces.Namespace{ID: uuid.New(), GatewayID: "did:gw:1"}
}

func TestGuardianStore_SaveShareRequiresGrantedPolicy(t *testing.T) {
	ctx := context.Background()
	s := NewGuardianStore(nil)
	ns := testNamespace()

	err := s.SaveShare(ctx, "did:wallet:1", ns, 3, []byte("share-bytes"))
	assert.ErrorIs(t, err, interfaces.ErrPolicyNotGranted)

	require.NoError(t, s.SetPolicy(ctx, interfaces.GuardianPolicy{Requester: "did:wallet:1", Status: interfaces.Granted}))
	err = s.SaveShare(ctx, "did:wallet:1", ns, 3, []byte("share-bytes"))
	assert.NoError(t, err)
}

func TestGuardianStore_IsGuardianRequiresGrantedPolicyAndShare(t *testing.T) {
	ctx := context.Background()
	s := NewGuardianStore(nil)
	ns := testNamespace()

	ok, err := s.IsGuardian(ctx, "did:wallet:1", ns)
	require.NoError(t, err)
	assert.False(t, ok, "no policy recorded yet")

	require.NoError(t, s.SetPolicy(ctx, interfaces.GuardianPolicy{Requester: "did:wallet:1", Status: interfaces.Granted}))
	ok, err = s.IsGuardian(ctx, "did:wallet:1", ns)
	require.NoError(t, err)
	assert.False(t, ok, "policy granted but no share saved yet")

	require.NoError(t, s.SaveShare(ctx, "did:wallet:1", ns, 3, []byte("x")))
	ok, err = s.IsGuardian(ctx, "did:wallet:1", ns)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuardianStore_ListAndDeleteSharesByOwner(t *testing.T) {
	ctx := context.Background()
	s := NewGuardianStore(nil)
	require.NoError(t, s.SetPolicy(ctx, interfaces.GuardianPolicy{Requester: "did:wallet:1", Status: interfaces.Granted}))

	nsA := testNamespace()
	nsB := testNamespace()
	require.NoError(t, s.SaveShare(ctx, "did:wallet:1", nsA, 3, []byte("a")))
	require.NoError(t, s.SaveShare(ctx, "did:wallet:1", nsB, 3, []byte("b")))

	shares, err := s.ListShares(ctx, "did:wallet:1")
	require.NoError(t, err)
	assert.Len(t, shares, 2)

	require.NoError(t, s.DeleteSharesByOwner(ctx, "did:wallet:1"))
	shares, err = s.ListShares(ctx, "did:wallet:1")
	require.NoError(t, err)
	assert.Empty(t, shares)

	_, ok, err := s.GetShare(ctx, "did:wallet:1", nsA)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuardianStore_DeleteShareRemovesSingleEntry(t *testing.T) {
	ctx := context.Background()
	s := NewGuardianStore(nil)
	require.NoError(t, s.SetPolicy(ctx, interfaces.GuardianPolicy{Requester: "did:wallet:1", Status: interfaces.Granted}))

	nsA := testNamespace()
	nsB := testNamespace()
	require.NoError(t, s.SaveShare(ctx, "did:wallet:1", nsA, 3, []byte("a")))
	require.NoError(t, s.SaveShare(ctx, "did:wallet:1", nsB, 3, []byte("b")))

	require.NoError(t, s.DeleteShare(ctx, "did:wallet:1", nsA))

	shares, err := s.ListShares(ctx, "did:wallet:1")
	require.NoError(t, err)
	assert.Len(t, shares, 1)
	assert.Equal(t, nsB.ID, shares[0].Namespace.ID)
}

func TestGuardianStore_RecoveryRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewGuardianStore(nil)

	req := interfaces.RecoveryRequest{ID: uuid.New(), DeviceIdentity: "did:wallet:1", Namespace: testNamespace()}
	require.NoError(t, s.SaveRecoveryRequest(ctx, req))

	got, ok, err := s.GetRecoveryRequest(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, req.DeviceIdentity, got.DeviceIdentity)

	require.NoError(t, s.DeleteRecoveryRequest(ctx, req.ID))
	_, ok, err = s.GetRecoveryRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGuardianStore_WithBackendDelegatesShareBytes(t *testing.T) {
	ctx := context.Background()
	fb, err := backend.NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)

	s := NewGuardianStoreWithBackend(nil, fb)
	require.NoError(t, s.SetPolicy(ctx, interfaces.GuardianPolicy{Requester: "did:wallet:1", Status: interfaces.Granted}))

	ns := testNamespace()
	require.NoError(t, s.SaveShare(ctx, "did:wallet:1", ns, 3, []byte("backend-held share")))

	got, ok, err := s.GetShare(ctx, "did:wallet:1", ns)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("backend-held share"), got.Share)

	byNS, ok, err := s.GetShareByNamespace(ctx, ns)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("backend-held share"), byNS.Share)
}
