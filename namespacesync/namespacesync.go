// Package namespacesync implements §4.8's AEAD binding: a wallet backup is
// encrypted with the owning namespace as associated data, so a ciphertext
// fetched under the wrong namespace fails to decrypt instead of silently
// producing garbage.
package namespacesync

import (
	"encoding/json"
	"fmt"

	"github.com/CoralStackCom/CoralKM/aead"
	"github.com/CoralStackCom/CoralKM/interfaces"
)

// Backup is the plaintext structure a wallet encrypts and syncs to its
// gateway, per §4.8: identifiers, key material, and the current share
// records for every guardian.
type Backup struct {
	Identifiers map[string]string `json:"identifiers"`
	Keys        map[string]string `json:"keys"`
	Shares      []interfaces.Share `json:"shares"`
}

// Seal serializes backup and encrypts it under dek with ad=namespace, per
// §4.8.
func Seal(dek []byte, backup Backup, ns interfaces.Namespace) (aead.Envelope, error) {
	plaintext, err := json.Marshal(backup)
	if err != nil {
		return aead.Envelope{}, fmt.Errorf("namespacesync: marshal backup: %w", err)
	}
	return aead.Encrypt(dek, plaintext, ns)
}

// Open decrypts env under dek and verifies it is bound to ns, per §4.8's
// invariant that a mix-up between wallets fails with ErrAadMismatch rather
// than producing corrupt output.
func Open(dek []byte, env aead.Envelope, ns interfaces.Namespace) (Backup, error) {
	plaintext, err := aead.Decrypt(dek, env, ns)
	if err != nil {
		return Backup{}, err
	}
	var backup Backup
	if err := json.Unmarshal(plaintext, &backup); err != nil {
		return Backup{}, fmt.Errorf("namespacesync: unmarshal backup: %w", err)
	}
	return backup, nil
}
