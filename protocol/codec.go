// Package protocol implements the CoralKM MessageCodec: it parses and
// builds the typed messages of §6, validates required fields per type, and
// produces problem-report replies on validation failure, per §4.3.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/CoralStackCom/CoralKM/interfaces"
)

// requiredFields lists the body keys §6's table requires for each message
// type. Types with no required body fields are omitted.
var requiredFields = map[interfaces.MessageType][]string{
	interfaces.TypeNamespaceGrant:                        {"namespace"},
	interfaces.TypeNamespaceSync:                         {"request"},
	interfaces.TypeNamespaceSyncResponse:                 {"request"},
	interfaces.TypeNamespaceRecoveryRequest:               {"device_did", "namespace", "expires_at"},
	interfaces.TypeGuardianShareUpdate:                    {"namespace", "threshold", "share"},
	interfaces.TypeGuardianVerificationChallenge:          {"challenge"},
	interfaces.TypeGuardianVerificationChallengeResponse:  {"challenge_id", "response"},
	interfaces.TypeGuardianReleaseShare:                   {"share", "threshold"},
}

// New builds a message with a freshly minted id. thid and pthid may be nil.
func New(msgType interfaces.MessageType, from interfaces.Identity, to []interfaces.Identity, thid, pthid *uuid.UUID, body map[string]interface{}) interfaces.Message {
	return interfaces.Message{
		ID:    uuid.New(),
		Type:  msgType,
		From:  from,
		To:    to,
		Thid:  thid,
		Pthid: pthid,
		Body:  body,
	}
}

// Reply builds a message threaded to request via thid.
func Reply(msgType interfaces.MessageType, from interfaces.Identity, to interfaces.Identity, request interfaces.Message, body map[string]interface{}) interfaces.Message {
	thid := request.ID
	return New(msgType, from, []interfaces.Identity{to}, &thid, nil, body)
}

// ValidationError reports the single field that failed §6's required-fields
// check. Its Field is suitable as the sole {1} argument to a problem-report
// built with ErrInvalidArgument.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid message: missing required field %q", e.Field)
}

func (e *ValidationError) Unwrap() error { return errMissingField }

// Validate checks msg's required fields per §6's table. It returns nil for
// message types with no declared requirements (broadcasts and simple
// requests such as NAMESPACE_REQUEST carry no required body).
func Validate(msg interfaces.Message) error {
	fields, ok := requiredFields[msg.Type]
	if !ok {
		return nil
	}
	for _, f := range fields {
		v, present := msg.Body[f]
		if !present || v == nil {
			return &ValidationError{Field: f}
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return &ValidationError{Field: f}
		}
	}
	return nil
}

var errMissingField = fmt.Errorf("protocol: invalid message")

// ProblemReport builds an error-report reply per §4.3: pthid is the
// offending message's thid if set, else its id; the reply is addressed back
// to the offender's From.
func ProblemReport(from interfaces.Identity, offender interfaces.Message, code ErrorCode, args ...string) interfaces.Message {
	pthid := offender.ID
	if offender.Thid != nil {
		pthid = *offender.Thid
	}

	comment := renderComment(code, args)

	body := map[string]interface{}{
		"code":    string(code),
		"comment": comment,
	}
	if len(args) > 0 {
		anyArgs := make([]interface{}, len(args))
		for i, a := range args {
			anyArgs[i] = a
		}
		body["args"] = anyArgs
	}

	return interfaces.Message{
		ID:    uuid.New(),
		Type:  interfaces.TypeProblemReport,
		From:  from,
		To:    []interfaces.Identity{offender.From},
		Pthid: &pthid,
		Body:  body,
	}
}

// renderComment substitutes {1}..{n} placeholders in the code's template
// with args[i-1], leaving unknown indices literal, per §4.3 rule 3.
func renderComment(code ErrorCode, args []string) string {
	template, ok := commentTemplates[code]
	if !ok {
		return string(code)
	}

	var b strings.Builder
	i := 0
	for i < len(template) {
		if template[i] == '{' {
			end := strings.IndexByte(template[i:], '}')
			if end > 0 {
				token := template[i+1 : i+end]
				if idx, err := strconv.Atoi(token); err == nil && idx >= 1 && idx <= len(args) {
					b.WriteString(args[idx-1])
					i += end + 1
					continue
				}
			}
		}
		b.WriteByte(template[i])
		i++
	}
	return b.String()
}
