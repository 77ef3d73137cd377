package sharemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/transport/inmemory"
)

func TestThreshold(t *testing.T) {
	assert.Equal(t, uint8(2), Threshold(2))
	assert.Equal(t, uint8(2), Threshold(3))
	assert.Equal(t, uint8(2), Threshold(4))
	assert.Equal(t, uint8(3), Threshold(5))
	assert.Equal(t, uint8(3), Threshold(6))
}

func TestResplit_SkipsWithFewerThanTwoGuardians(t *testing.T) {
	mediator := inmemory.New()
	mgr := New("did:wallet:1", mediator, 0, nil)

	report, err := mgr.Resplit(context.Background(), interfaces.Namespace{}, make([]byte, 32), []interfaces.Identity{"did:g1"})
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestResplit_AllGuardiansConfirm(t *testing.T) {
	mediator := inmemory.New()
	mgr := New("did:wallet:1", mediator, 2*time.Second, nil)

	guardians := []interfaces.Identity{"did:g1", "did:g2", "did:g3"}
	for _, g := range guardians {
		g := g
		require.NoError(t, mediator.Subscribe(g, func(msg interfaces.Message) {
			if msg.Type != interfaces.TypeGuardianShareUpdate {
				return
			}
			thid := msg.ID
			mgr.HandleConfirm(interfaces.Message{
				Type: interfaces.TypeGuardianShareUpdateConfirm,
				From: g,
				To:   []interfaces.Identity{"did:wallet:1"},
				Thid: &thid,
			})
		}))
	}

	report, err := mgr.Resplit(context.Background(), interfaces.Namespace{GatewayID: "did:gw:1"}, make([]byte, 32), guardians)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, uint8(2), report.Threshold)
	assert.Len(t, report.Confirmed, 3)
	assert.Empty(t, report.Failed)
}

func TestResplit_UnresponsiveGuardianIsReportedFailedNotRolledBack(t *testing.T) {
	mediator := inmemory.New()
	mgr := New("did:wallet:1", mediator, 200*time.Millisecond, nil)

	require.NoError(t, mediator.Subscribe("did:g1", func(msg interfaces.Message) {
		thid := msg.ID
		mgr.HandleConfirm(interfaces.Message{Type: interfaces.TypeGuardianShareUpdateConfirm, Thid: &thid})
	}))
	// did:g2 receives the update but never confirms.
	require.NoError(t, mediator.Subscribe("did:g2", func(interfaces.Message) {}))

	report, err := mgr.Resplit(context.Background(), interfaces.Namespace{}, make([]byte, 32), []interfaces.Identity{"did:g1", "did:g2"})
	require.NoError(t, err)
	assert.Equal(t, []interfaces.Identity{"did:g1"}, report.Confirmed)
	assert.Equal(t, []interfaces.Identity{"did:g2"}, report.Failed)
}
