package protocol

// ErrorCode is the closed taxonomy of protocol-level failures from §7. Each
// value is carried on the wire in a problem-report message body, never as a
// typed Go error crossing the Mediator boundary.
type ErrorCode string

const (
	ErrInvalidArgument        ErrorCode = "invalid-argument"
	ErrInvalidRole            ErrorCode = "invalid-role"
	ErrUnsupportedMessageType ErrorCode = "unsupported-message-type"
	ErrPolicyNotGranted       ErrorCode = "policy-not-granted"
	ErrNotAGuardian           ErrorCode = "not-a-guardian"
	ErrNamespaceNotFound      ErrorCode = "namespace-not-found"
	ErrAeadAadMismatch        ErrorCode = "aead-aad-mismatch"
	ErrAeadUnsupportedAlg     ErrorCode = "aead-unsupported-alg"
	ErrSssInsufficientShares  ErrorCode = "sss-insufficient-shares"
	ErrSssCorruptShare        ErrorCode = "sss-corrupt-share"
	ErrExpired                ErrorCode = "expired"
	ErrInternal               ErrorCode = "internal-error"
)

// commentTemplates mirrors the DIDComm-report-problem convention of a
// human-readable comment with {1}..{n} positional placeholders substituted
// from Args, per §4.3.
var commentTemplates = map[ErrorCode]string{
	ErrInvalidArgument:        "missing or invalid field {1}",
	ErrInvalidRole:            "message type {1} is not handled by role {2}",
	ErrUnsupportedMessageType: "unsupported message type {1}",
	ErrPolicyNotGranted:       "policy not granted for {1}",
	ErrNamespaceNotFound:      "namespace {1} not found",
	ErrAeadAadMismatch:        "associated data mismatch",
	ErrAeadUnsupportedAlg:     "unsupported AEAD algorithm {1}",
	ErrSssInsufficientShares:  "insufficient shares: have {1}, need {2}",
	ErrSssCorruptShare:        "corrupt share",
	ErrExpired:                "request {1} expired",
	ErrInternal:               "internal error",
}
