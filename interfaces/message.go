package interfaces

import (
	"github.com/google/uuid"
)

// TypeURIPrefix is the namespace all CoralKM message type URIs share, per §6.
const TypeURIPrefix = "https://coralstack.com/coralkm/0.1/"

// MessageType identifies the closed set of protocol message variants.
type MessageType string

// The full set of message types defined in §6. Each is an absolute URI under
// TypeURIPrefix.
const (
	TypeNamespaceRequest                      MessageType = TypeURIPrefix + "namespace-request"
	TypeNamespaceGrant                        MessageType = TypeURIPrefix + "namespace-grant"
	TypeNamespaceDeny                         MessageType = TypeURIPrefix + "namespace-deny"
	TypeNamespaceSync                         MessageType = TypeURIPrefix + "namespace-sync"
	TypeNamespaceSyncResponse                 MessageType = TypeURIPrefix + "namespace-sync-response"
	TypeNamespaceRecoveryRequest               MessageType = TypeURIPrefix + "namespace-recovery-request"
	TypeGuardianRequest                       MessageType = TypeURIPrefix + "guardian-request"
	TypeGuardianGrant                         MessageType = TypeURIPrefix + "guardian-grant"
	TypeGuardianDeny                          MessageType = TypeURIPrefix + "guardian-deny"
	TypeGuardianRemove                        MessageType = TypeURIPrefix + "guardian-remove"
	TypeGuardianRemoveConfirm                 MessageType = TypeURIPrefix + "guardian-remove-confirm"
	TypeGuardianShareUpdate                   MessageType = TypeURIPrefix + "guardian-share-update"
	TypeGuardianShareUpdateConfirm            MessageType = TypeURIPrefix + "guardian-share-update-confirm"
	TypeGuardianVerificationChallenge         MessageType = TypeURIPrefix + "guardian-verification-challenge"
	TypeGuardianVerificationChallengeResponse MessageType = TypeURIPrefix + "guardian-verification-challenge-response"
	TypeGuardianReleaseShare                  MessageType = TypeURIPrefix + "guardian-release-share"
	TypeProblemReport                         MessageType = TypeURIPrefix + "problem-report"
)

// Message is the immutable envelope every CoralKM protocol exchange rides in.
// Body carries the type-specific payload, decoded by the protocol package
// against the schema table in §6.
type Message struct {
	ID   uuid.UUID   `json:"id"`
	Type MessageType `json:"type"`
	From Identity    `json:"from"`
	To   []Identity  `json:"to"`

	// Thid threads a reply to a prior request; Pthid links a sub-dialog to a
	// parent recovery ceremony. Both are optional, per §3.
	Thid  *uuid.UUID `json:"thid,omitempty"`
	Pthid *uuid.UUID `json:"pthid,omitempty"`

	Body map[string]interface{} `json:"body,omitempty"`
}

// Role is one of the three parties the protocol engine can act as.
type Role string

const (
	RoleWallet   Role = "wallet"
	RoleGateway  Role = "gateway"
	RoleGuardian Role = "guardian"
)

// Mediator is the injected secure-messaging transport. It is assumed to
// provide sender-authenticated, recipient-encrypted, correlated
// request/response delivery with thread and parent-thread identifiers; its
// implementation (in-memory bus, HTTP relay, ...) is an external collaborator
// per §1.
type Mediator interface {
	// Send delivers msg to every identity in msg.To. Delivery is
	// best-effort per recipient; a partial failure is returned as a
	// non-nil error but does not roll back successful deliveries.
	Send(msg Message) error

	// Subscribe registers handler to receive every message addressed to
	// self. Subscribe is idempotent per (self) pair in the reference
	// implementations; handler is invoked synchronously per message in
	// arrival order for that recipient, per §5's ordering rule.
	Subscribe(self Identity, handler func(Message)) error
}
