// Package store provides the reference persistence implementations of
// interfaces.NamespaceStore and interfaces.GuardianStore: plain
// mutex-guarded maps, grounded on the teacher's storage backends but
// operating over CoralKM's domain entities instead of content-addressed
// blobs. Durable backends live under store/backend and are wired behind the
// same interfaces at the operator's discretion.
package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/store/backend"
)

// NamespaceStore is the reference implementation of
// interfaces.NamespaceStore. It keeps every entity's metadata in memory; the
// backup ciphertext itself is delegated to a backend.Backend when one is
// configured, and held in memory alongside the rest otherwise. It is safe
// for concurrent use.
type NamespaceStore struct {
	mu sync.RWMutex

	log     *slog.Logger
	blobs   backend.Backend
	byOwner map[interfaces.Identity]interfaces.Namespace
	byID    map[uuid.UUID]interfaces.Identity

	policies map[interfaces.Identity]interfaces.NamespacePolicy
	data     map[uuid.UUID]interfaces.BackupBlob
}

// NewNamespaceStore constructs a NamespaceStore that keeps backup ciphertext
// in memory. If log is nil a default slog.Logger is used, matching the
// teacher's storage backends.
func NewNamespaceStore(log *slog.Logger) *NamespaceStore {
	return NewNamespaceStoreWithBackend(log, nil)
}

// NewNamespaceStoreWithBackend constructs a NamespaceStore that persists
// backup ciphertext through blobs, e.g. an S3 or IPFS backend.Backend,
// keeping only content addresses and hashes in memory.
func NewNamespaceStoreWithBackend(log *slog.Logger, blobs backend.Backend) *NamespaceStore {
	if log == nil {
		log = slog.Default()
	}
	return &NamespaceStore{
		log:      log,
		blobs:    blobs,
		byOwner:  make(map[interfaces.Identity]interfaces.Namespace),
		byID:     make(map[uuid.UUID]interfaces.Identity),
		policies: make(map[interfaces.Identity]interfaces.NamespacePolicy),
		data:     make(map[uuid.UUID]interfaces.BackupBlob),
	}
}

func (s *NamespaceStore) GetPolicy(ctx context.Context, requester interfaces.Identity) (interfaces.NamespacePolicy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[requester]
	return p, ok, nil
}

func (s *NamespaceStore) SetPolicy(ctx context.Context, policy interfaces.NamespacePolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.Requester] = policy
	return nil
}

func (s *NamespaceStore) RemovePolicy(ctx context.Context, requester interfaces.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, requester)
	return nil
}

func (s *NamespaceStore) Create(ctx context.Context, owner interfaces.Identity, gatewayID interfaces.Identity) (interfaces.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byOwner[owner]; exists {
		return interfaces.Namespace{}, fmt.Errorf("%w: namespace already provisioned for %s", interfaces.ErrAlreadyExists, owner)
	}

	ns := interfaces.Namespace{ID: uuid.New(), GatewayID: gatewayID}
	s.byOwner[owner] = ns
	s.byID[ns.ID] = owner
	s.log.Debug("namespace created", slog.String("owner", owner.String()), slog.String("namespace_id", ns.ID.String()))
	return ns, nil
}

func (s *NamespaceStore) GetByOwner(ctx context.Context, owner interfaces.Identity) (interfaces.Namespace, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.byOwner[owner]
	return ns, ok, nil
}

func (s *NamespaceStore) GetByID(ctx context.Context, id uuid.UUID) (interfaces.Namespace, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.byID[id]
	if !ok {
		return interfaces.Namespace{}, false, nil
	}
	return s.byOwner[owner], true, nil
}

func (s *NamespaceStore) RotateID(ctx context.Context, owner interfaces.Identity) (interfaces.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.byOwner[owner]
	if !ok {
		return interfaces.Namespace{}, fmt.Errorf("%w: no namespace for %s", interfaces.ErrNotFound, owner)
	}

	fresh := interfaces.Namespace{ID: uuid.New(), GatewayID: old.GatewayID}
	s.byOwner[owner] = fresh
	delete(s.byID, old.ID)
	s.byID[fresh.ID] = owner

	if blob, exists := s.data[old.ID]; exists {
		s.data[fresh.ID] = blob
		delete(s.data, old.ID)
	}

	s.log.Debug("namespace id rotated", slog.String("owner", owner.String()), slog.String("old_id", old.ID.String()), slog.String("new_id", fresh.ID.String()))
	return fresh, nil
}

func (s *NamespaceStore) SaveData(ctx context.Context, owner interfaces.Identity, ciphertext []byte) ([32]byte, error) {
	s.mu.Lock()
	ns, ok := s.byOwner[owner]
	s.mu.Unlock()
	if !ok {
		return [32]byte{}, fmt.Errorf("%w: no namespace for %s", interfaces.ErrNotFound, owner)
	}

	hash := sha256.Sum256(ciphertext)
	now := time.Now()
	blob := interfaces.BackupBlob{SyncedAt: &now, Hash: hash}

	// Persisted outside the lock: a configured backend.Backend may perform
	// network I/O, and nothing here needs the store lock held for that.
	if s.blobs != nil {
		if _, err := s.blobs.Store(ctx, ciphertext, backend.KindBackup); err != nil {
			return [32]byte{}, fmt.Errorf("backend store failed: %w", err)
		}
	} else {
		blob.Data = ciphertext
	}

	s.mu.Lock()
	s.data[ns.ID] = blob
	s.mu.Unlock()
	return hash, nil
}

func (s *NamespaceStore) GetData(ctx context.Context, id uuid.UUID) (interfaces.BackupBlob, error) {
	s.mu.RLock()
	blob, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return interfaces.BackupBlob{}, fmt.Errorf("%w: no backup for namespace %s", interfaces.ErrNotFound, id)
	}

	if s.blobs != nil {
		data, err := s.blobs.Fetch(ctx, backend.ID(blob.Hash), backend.KindBackup)
		if err != nil {
			return interfaces.BackupBlob{}, fmt.Errorf("backend fetch failed: %w", err)
		}
		blob.Data = data
	}
	return blob, nil
}

func (s *NamespaceStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: namespace %s", interfaces.ErrNotFound, id)
	}
	delete(s.byID, id)
	delete(s.byOwner, owner)
	delete(s.data, id)
	return nil
}

var _ interfaces.NamespaceStore = (*NamespaceStore)(nil)
