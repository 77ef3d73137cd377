package inmemory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CoralStackCom/CoralKM/interfaces"
)

func TestMediator_DeliversToSubscriber(t *testing.T) {
	m := New()
	var received interfaces.Message
	require.NoError(t, m.Subscribe("did:guardian:1", func(msg interfaces.Message) {
		received = msg
	}))

	msg := interfaces.Message{Type: interfaces.TypeGuardianRequest, From: "did:wallet:1", To: []interfaces.Identity{"did:guardian:1"}}
	require.NoError(t, m.Send(msg))
	assert.Equal(t, msg.From, received.From)
}

func TestMediator_SendToMultipleRecipients(t *testing.T) {
	m := New()
	var a, b bool
	require.NoError(t, m.Subscribe("did:g1", func(interfaces.Message) { a = true }))
	require.NoError(t, m.Subscribe("did:g2", func(interfaces.Message) { b = true }))

	err := m.Send(interfaces.Message{To: []interfaces.Identity{"did:g1", "did:g2"}})
	require.NoError(t, err)
	assert.True(t, a)
	assert.True(t, b)
}

func TestMediator_UndeliveredRecipientReportsErrorButDeliversRest(t *testing.T) {
	m := New()
	var delivered bool
	require.NoError(t, m.Subscribe("did:known", func(interfaces.Message) { delivered = true }))

	err := m.Send(interfaces.Message{To: []interfaces.Identity{"did:known", "did:unknown"}})
	assert.Error(t, err)
	assert.True(t, delivered, "known recipients still get the message despite an unknown one")
}

func TestMediator_SubscribeRejectsEmptyIdentity(t *testing.T) {
	m := New()
	err := m.Subscribe("", func(interfaces.Message) {})
	assert.Error(t, err)
}
