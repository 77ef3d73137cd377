package interfaces

import (
	"context"

	"github.com/google/uuid"
)

// NamespaceStore is the gateway-side persistence contract for §3's
// Namespace, NamespacePolicy, and BackupBlob entities. Implementations MUST
// make SaveData atomic with respect to GetData, per §4.4's invariant.
type NamespaceStore interface {
	GetPolicy(ctx context.Context, requester Identity) (NamespacePolicy, bool, error)
	SetPolicy(ctx context.Context, policy NamespacePolicy) error
	RemovePolicy(ctx context.Context, requester Identity) error

	// Create provisions a fresh namespace for owner and persists it.
	Create(ctx context.Context, owner Identity, gatewayID Identity) (Namespace, error)

	// GetByOwner resolves the namespace owned by owner.
	GetByOwner(ctx context.Context, owner Identity) (Namespace, bool, error)

	// GetByID resolves a namespace by its id regardless of owner. Used by
	// the NAMESPACE_SYNC GET recovery_id path (§4.5, §9 Open Question 2) and
	// by the gateway's NAMESPACE_RECOVERY_REQUEST relay.
	GetByID(ctx context.Context, id uuid.UUID) (Namespace, bool, error)

	// RotateID replaces owner's namespace id with a freshly minted one and
	// returns the updated namespace, preserving the stored backup.
	RotateID(ctx context.Context, owner Identity) (Namespace, error)

	// SaveData atomically overwrites the backup ciphertext for the owner's
	// namespace and returns the SHA-256 hash of the exact bytes stored.
	SaveData(ctx context.Context, owner Identity, ciphertext []byte) ([32]byte, error)

	// GetData retrieves the current backup blob for a namespace by id.
	GetData(ctx context.Context, id uuid.UUID) (BackupBlob, error)

	Delete(ctx context.Context, id uuid.UUID) error
}

// GuardianStore is the guardian-side persistence contract for §3's Share,
// GuardianPolicy, and RecoveryRequest entities.
type GuardianStore interface {
	GetPolicy(ctx context.Context, requester Identity) (GuardianPolicy, bool, error)
	SetPolicy(ctx context.Context, policy GuardianPolicy) error
	RemovePolicy(ctx context.Context, requester Identity) error

	// IsGuardian reports whether owner currently holds a Granted policy and
	// a share is stored for ns. A false result gives no detail on which of
	// the two is missing, per the NotAGuardian silent-drop rule in §7.
	IsGuardian(ctx context.Context, owner Identity, ns Namespace) (bool, error)

	// SaveShare upserts a share keyed by (namespace.GatewayID,
	// namespace.ID). It MUST fail with ErrPolicyNotGranted if owner does
	// not hold a Granted policy, per §4.4's invariant.
	SaveShare(ctx context.Context, owner Identity, ns Namespace, threshold uint8, share []byte) error
	GetShare(ctx context.Context, owner Identity, ns Namespace) (Share, bool, error)

	// GetShareByNamespace resolves the share held for ns regardless of
	// owner. Recovery ceremonies address a namespace, not a wallet
	// identity: the device performing recovery is frequently not the
	// identity the share was originally upserted under (§8 scenario 4).
	GetShareByNamespace(ctx context.Context, ns Namespace) (Share, bool, error)
	ListShares(ctx context.Context, owner Identity) ([]Share, error)
	DeleteShare(ctx context.Context, owner Identity, ns Namespace) error
	// DeleteSharesByOwner removes every share owned by owner, used by
	// GUARDIAN_REMOVE's transactional policy+share deletion (§7).
	DeleteSharesByOwner(ctx context.Context, owner Identity) error

	SaveRecoveryRequest(ctx context.Context, req RecoveryRequest) error
	GetRecoveryRequest(ctx context.Context, id uuid.UUID) (RecoveryRequest, bool, error)
	DeleteRecoveryRequest(ctx context.Context, id uuid.UUID) error
}
