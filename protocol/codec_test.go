package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CoralStackCom/CoralKM/interfaces"
)

func TestValidate_TypeWithNoRequiredFieldsPasses(t *testing.T) {
	msg := New(interfaces.TypeNamespaceRequest, "did:wallet:1", []interfaces.Identity{"did:gw:1"}, nil, nil, nil)
	assert.NoError(t, Validate(msg))
}

func TestValidate_MissingRequiredField(t *testing.T) {
	msg := New(interfaces.TypeGuardianShareUpdate, "did:gw:1", []interfaces.Identity{"did:guardian:1"}, nil, nil, map[string]interface{}{
		"namespace": "NS1",
	})
	err := Validate(msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errMissingField)
}

func TestValidate_BlankStringField(t *testing.T) {
	msg := New(interfaces.TypeNamespaceGrant, "did:gw:1", []interfaces.Identity{"did:wallet:1"}, nil, nil, map[string]interface{}{
		"namespace": "   ",
	})
	assert.ErrorIs(t, Validate(msg), errMissingField)
}

func TestValidate_AllRequiredFieldsPresent(t *testing.T) {
	msg := New(interfaces.TypeGuardianShareUpdate, "did:gw:1", []interfaces.Identity{"did:guardian:1"}, nil, nil, map[string]interface{}{
		"namespace": "NS1",
		"threshold": float64(3),
		"share":     "base64share",
	})
	assert.NoError(t, Validate(msg))
}

func TestProblemReport_ThreadsToOffenderThidOrID(t *testing.T) {
	offender := New(interfaces.TypeGuardianRequest, "did:guardian:1", []interfaces.Identity{"did:wallet:1"}, nil, nil, nil)

	report := ProblemReport("did:wallet:1", offender, ErrPolicyNotGranted, "did:guardian:1")
	require.NotNil(t, report.Pthid)
	assert.Equal(t, offender.ID, *report.Pthid, "with no thid, pthid falls back to the offender's own id")
	assert.Equal(t, interfaces.TypeProblemReport, report.Type)
	assert.Equal(t, []interfaces.Identity{"did:guardian:1"}, report.To)
	assert.Equal(t, "policy not granted for did:guardian:1", report.Body["comment"])

	thid := uuid.New()
	offender.Thid = &thid
	report2 := ProblemReport("did:wallet:1", offender, ErrExpired, "req-1")
	assert.Equal(t, thid, *report2.Pthid, "with a thid set, pthid follows it instead of the offender's id")
}

func TestRenderComment_UnknownPlaceholderIndexLeftLiteral(t *testing.T) {
	got := renderComment(ErrInvalidRole, []string{"only-one-arg"})
	assert.Equal(t, "message type only-one-arg is not handled by role {2}", got)
}

func TestRenderComment_NoTemplateFallsBackToCode(t *testing.T) {
	got := renderComment(ErrNotAGuardian, nil)
	assert.Equal(t, string(ErrNotAGuardian), got, "silent errors have no template and echo the bare code")
}

func TestReply_ThreadsToRequestID(t *testing.T) {
	request := New(interfaces.TypeGuardianVerificationChallenge, "did:guardian:1", []interfaces.Identity{"did:wallet:1"}, nil, nil, nil)
	reply := Reply(interfaces.TypeGuardianVerificationChallengeResponse, "did:wallet:1", "did:guardian:1", request, map[string]interface{}{
		"challenge_id": "abc",
		"response":     "xyz",
	})
	require.NotNil(t, reply.Thid)
	assert.Equal(t, request.ID, *reply.Thid)
}
