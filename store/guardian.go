package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/store/backend"
)

type shareKey struct {
	gatewayID interfaces.Identity
	nsID      uuid.UUID
}

// GuardianStore is the reference implementation of interfaces.GuardianStore.
// Share bytes are delegated to a backend.Backend when one is configured
// (Vault is the natural fit, per its access-control story), otherwise held
// in memory alongside the rest of the entity metadata. It is safe for
// concurrent use.
type GuardianStore struct {
	mu sync.RWMutex

	log    *slog.Logger
	shares backend.Backend

	policies         map[interfaces.Identity]interfaces.GuardianPolicy
	shareRecords     map[shareKey]interfaces.Share
	blobIDs          map[shareKey]backend.ID
	sharesByOwner    map[interfaces.Identity][]shareKey
	recoveryRequests map[uuid.UUID]interfaces.RecoveryRequest
}

// NewGuardianStore constructs a GuardianStore that keeps share bytes in
// memory.
func NewGuardianStore(log *slog.Logger) *GuardianStore {
	return NewGuardianStoreWithBackend(log, nil)
}

// NewGuardianStoreWithBackend constructs a GuardianStore that persists share
// bytes through shares, e.g. a Vault-backed backend.Backend.
func NewGuardianStoreWithBackend(log *slog.Logger, shares backend.Backend) *GuardianStore {
	if log == nil {
		log = slog.Default()
	}
	return &GuardianStore{
		log:              log,
		shares:           shares,
		policies:         make(map[interfaces.Identity]interfaces.GuardianPolicy),
		shareRecords:     make(map[shareKey]interfaces.Share),
		blobIDs:          make(map[shareKey]backend.ID),
		sharesByOwner:    make(map[interfaces.Identity][]shareKey),
		recoveryRequests: make(map[uuid.UUID]interfaces.RecoveryRequest),
	}
}

func (s *GuardianStore) GetPolicy(ctx context.Context, requester interfaces.Identity) (interfaces.GuardianPolicy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[requester]
	return p, ok, nil
}

func (s *GuardianStore) SetPolicy(ctx context.Context, policy interfaces.GuardianPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.Requester] = policy
	return nil
}

func (s *GuardianStore) RemovePolicy(ctx context.Context, requester interfaces.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, requester)
	return nil
}

func (s *GuardianStore) IsGuardian(ctx context.Context, owner interfaces.Identity, ns interfaces.Namespace) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[owner]
	if !ok || p.Status != interfaces.Granted {
		return false, nil
	}
	_, hasShare := s.shareRecords[shareKey{gatewayID: ns.GatewayID, nsID: ns.ID}]
	return hasShare, nil
}

func (s *GuardianStore) SaveShare(ctx context.Context, owner interfaces.Identity, ns interfaces.Namespace, threshold uint8, share []byte) error {
	s.mu.Lock()
	p, ok := s.policies[owner]
	s.mu.Unlock()
	if !ok || p.Status != interfaces.Granted {
		return fmt.Errorf("%w: %s", interfaces.ErrPolicyNotGranted, owner)
	}

	record := interfaces.Share{
		Owner:     owner,
		Namespace: ns,
		Threshold: threshold,
		UpdatedAt: time.Now(),
	}
	// Persisted outside the lock: a configured backend.Backend may perform
	// network I/O.
	var blobID backend.ID
	if s.shares != nil {
		id, err := s.shares.Store(ctx, share, backend.KindShare)
		if err != nil {
			return fmt.Errorf("backend store failed: %w", err)
		}
		blobID = id
	} else {
		record.Share = share
	}

	key := shareKey{gatewayID: ns.GatewayID, nsID: ns.ID}
	s.mu.Lock()
	if _, exists := s.shareRecords[key]; !exists {
		s.sharesByOwner[owner] = append(s.sharesByOwner[owner], key)
	}
	s.shareRecords[key] = record
	if s.shares != nil {
		s.blobIDs[key] = blobID
	}
	s.mu.Unlock()
	s.log.Debug("share saved", slog.String("owner", owner.String()), slog.String("namespace", ns.String()))
	return nil
}

func (s *GuardianStore) GetShare(ctx context.Context, owner interfaces.Identity, ns interfaces.Namespace) (interfaces.Share, bool, error) {
	sh, ok, err := s.getShareRecord(ctx, shareKey{gatewayID: ns.GatewayID, nsID: ns.ID})
	if err != nil || !ok || sh.Owner != owner {
		return interfaces.Share{}, false, err
	}
	return sh, true, nil
}

func (s *GuardianStore) GetShareByNamespace(ctx context.Context, ns interfaces.Namespace) (interfaces.Share, bool, error) {
	return s.getShareRecord(ctx, shareKey{gatewayID: ns.GatewayID, nsID: ns.ID})
}

// getShareRecord resolves the metadata record for key and, if a backend is
// configured, fetches its share bytes.
func (s *GuardianStore) getShareRecord(ctx context.Context, key shareKey) (interfaces.Share, bool, error) {
	s.mu.RLock()
	sh, ok := s.shareRecords[key]
	blobID := s.blobIDs[key]
	s.mu.RUnlock()
	if !ok {
		return interfaces.Share{}, false, nil
	}

	if s.shares != nil {
		data, err := s.shares.Fetch(ctx, blobID, backend.KindShare)
		if err != nil {
			return interfaces.Share{}, false, fmt.Errorf("backend fetch failed: %w", err)
		}
		sh.Share = data
	}
	return sh, true, nil
}

func (s *GuardianStore) ListShares(ctx context.Context, owner interfaces.Identity) ([]interfaces.Share, error) {
	s.mu.RLock()
	keys := append([]shareKey(nil), s.sharesByOwner[owner]...)
	s.mu.RUnlock()

	out := make([]interfaces.Share, 0, len(keys))
	for _, k := range keys {
		sh, ok, err := s.getShareRecord(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, sh)
		}
	}
	return out, nil
}

func (s *GuardianStore) DeleteShare(ctx context.Context, owner interfaces.Identity, ns interfaces.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := shareKey{gatewayID: ns.GatewayID, nsID: ns.ID}
	delete(s.shareRecords, key)
	delete(s.blobIDs, key)
	s.removeOwnerKeyLocked(owner, key)
	return nil
}

func (s *GuardianStore) DeleteSharesByOwner(ctx context.Context, owner interfaces.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.sharesByOwner[owner] {
		delete(s.shareRecords, k)
		delete(s.blobIDs, k)
	}
	delete(s.sharesByOwner, owner)
	return nil
}

func (s *GuardianStore) removeOwnerKeyLocked(owner interfaces.Identity, key shareKey) {
	keys := s.sharesByOwner[owner]
	for i, k := range keys {
		if k == key {
			s.sharesByOwner[owner] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}

func (s *GuardianStore) SaveRecoveryRequest(ctx context.Context, req interfaces.RecoveryRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveryRequests[req.ID] = req
	return nil
}

func (s *GuardianStore) GetRecoveryRequest(ctx context.Context, id uuid.UUID) (interfaces.RecoveryRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.recoveryRequests[id]
	return req, ok, nil
}

func (s *GuardianStore) DeleteRecoveryRequest(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recoveryRequests, id)
	return nil
}

var _ interfaces.GuardianStore = (*GuardianStore)(nil)
