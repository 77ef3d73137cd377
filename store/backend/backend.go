// Package backend provides durable, content-addressed blob storage for
// interfaces.NamespaceStore's backup ciphertext and interfaces.GuardianStore's
// share bytes. It is grounded on the teacher's storage package: the same
// Fetch/Store/Available/Name/LocationURI shape, generalized from the
// teacher's config/secret content types to CoralKM's backup/share blobs.
//
// store.NamespaceStore and store.GuardianStore hold the entity metadata
// (policies, owners, thresholds) in memory and, when constructed with a
// Backend, delegate the ciphertext or share bytes themselves to it. Without
// one they keep bytes in memory, which is what most in-process tests
// exercise.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Kind discriminates the two blob flavors a Backend is asked to hold.
type Kind string

const (
	// KindBackup is a gateway-held AEAD-encrypted namespace backup.
	KindBackup Kind = "backup"
	// KindShare is a guardian-held Shamir share.
	KindShare Kind = "share"
)

// ID is a blob's content address: the SHA-256 hash of its exact bytes.
type ID [32]byte

// IDOf computes the content address of data.
func IDOf(data []byte) ID {
	return ID(sha256.Sum256(data))
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ErrNotFound is returned by Fetch when no blob exists at id.
var ErrNotFound = errors.New("backend: content not found")

// ErrUnavailable is returned when the backend cannot be reached at all,
// distinct from the blob simply not existing.
var ErrUnavailable = errors.New("backend: unavailable")

// Backend is a content-addressed blob store. Implementations must be safe
// for concurrent use.
type Backend interface {
	// Store persists data and returns its content address.
	Store(ctx context.Context, data []byte, kind Kind) (ID, error)
	// Fetch retrieves the blob previously stored under id. Returns
	// ErrNotFound if it does not exist.
	Fetch(ctx context.Context, id ID, kind Kind) ([]byte, error)
	// Available reports whether the backend can currently be reached.
	Available(ctx context.Context) bool
	Name() string
	LocationURI() string
}
