package httptransport

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CoralStackCom/CoralKM/interfaces"
)

func TestMediator_DeliversLocallyWithoutHTTP(t *testing.T) {
	m := New(Config{})
	var received interfaces.Message
	require.NoError(t, m.Subscribe("did:guardian:1", func(msg interfaces.Message) { received = msg }))

	msg := interfaces.Message{Type: interfaces.TypeGuardianRequest, From: "did:wallet:1", To: []interfaces.Identity{"did:guardian:1"}}
	require.NoError(t, m.Send(msg))
	assert.Equal(t, msg.From, received.From)
}

func TestMediator_SendReachesRemotePeerOverHTTP(t *testing.T) {
	remote := New(Config{})
	var received interfaces.Message
	require.NoError(t, remote.Subscribe("did:guardian:1", func(msg interfaces.Message) { received = msg }))

	ts := httptest.NewServer(remote.router())
	defer ts.Close()

	local := New(Config{Peers: map[interfaces.Identity]string{"did:guardian:1": ts.URL}})

	msg := interfaces.Message{Type: interfaces.TypeGuardianRequest, From: "did:wallet:1", To: []interfaces.Identity{"did:guardian:1"}}
	require.NoError(t, local.Send(msg))
	assert.Equal(t, msg.From, received.From)
	assert.Equal(t, msg.Type, received.Type)
}

func TestMediator_RegisterPeerAddsRouteAfterConstruction(t *testing.T) {
	remote := New(Config{})
	delivered := make(chan struct{}, 1)
	require.NoError(t, remote.Subscribe("did:g1", func(interfaces.Message) { delivered <- struct{}{} }))
	ts := httptest.NewServer(remote.router())
	defer ts.Close()

	local := New(Config{})
	local.RegisterPeer("did:g1", ts.URL)

	require.NoError(t, local.Send(interfaces.Message{To: []interfaces.Identity{"did:g1"}}))
	select {
	case <-delivered:
	default:
		t.Fatal("expected message to be delivered to registered peer")
	}
}

func TestMediator_SendReportsUnroutableRecipient(t *testing.T) {
	m := New(Config{})
	err := m.Send(interfaces.Message{To: []interfaces.Identity{"did:nowhere"}})
	assert.Error(t, err)
}

func TestMediator_ReadinessTogglesWithDrainUndrain(t *testing.T) {
	m := New(Config{})
	ts := httptest.NewServer(m.router())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/drain")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
	resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/undrain")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = ts.Client().Get(ts.URL + "/readyz")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	resp.Body.Close()
}
