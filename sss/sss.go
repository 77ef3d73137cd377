// Package sss implements Shamir Secret Sharing over the raw bytes of a
// wallet's DEK, per spec §4.2. It wraps github.com/hashicorp/vault/shamir,
// the same library the teacher's kms.ShamirKMS uses to split and reconstruct
// its master key, and adds the length-prefixed threshold metadata spec §4.2
// requires so that combine works given any t of the n shares without an
// out-of-band threshold value.
package sss

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"
)

var (
	// ErrInsufficientShares is SssInsufficientShares from §7: fewer than
	// the encoded threshold were supplied to Combine.
	ErrInsufficientShares = errors.New("sss: insufficient shares")

	// ErrCorruptShare is SssCorruptShare from §7: a share is malformed or
	// its threshold metadata disagrees with its siblings.
	ErrCorruptShare = errors.New("sss: corrupt share")

	ErrInvalidParams = errors.New("sss: invalid split parameters")
)

// Share is one Shamir share of a secret, self-describing its threshold so a
// combiner need not consult external metadata to know how many shares it
// needs. The wire layout is [threshold byte][raw hashicorp/vault/shamir share].
type Share []byte

const thresholdPrefixLen = 1

// Threshold returns the number of shares required to reconstruct the secret
// this share belongs to.
func (s Share) Threshold() (uint8, error) {
	if len(s) < thresholdPrefixLen+1 {
		return 0, fmt.Errorf("%w: share too short", ErrCorruptShare)
	}
	return s[0], nil
}

func (s Share) raw() []byte {
	return s[thresholdPrefixLen:]
}

func newShare(threshold uint8, raw []byte) Share {
	out := make(Share, thresholdPrefixLen+len(raw))
	out[0] = threshold
	copy(out[thresholdPrefixLen:], raw)
	return out
}

// Split divides secret into n shares such that any t reconstruct it and
// fewer than t reveal nothing, per §4.2 and the testable property in §8.
func Split(secret []byte, n, t int) ([]Share, error) {
	if t < 1 || t > n {
		return nil, fmt.Errorf("%w: threshold %d must satisfy 1<=t<=n=%d", ErrInvalidParams, t, n)
	}
	if n > 255 {
		return nil, fmt.Errorf("%w: n=%d exceeds 255", ErrInvalidParams, n)
	}

	rawShares, err := shamir.Split(secret, n, t)
	if err != nil {
		return nil, fmt.Errorf("sss: split: %w", err)
	}

	shares := make([]Share, len(rawShares))
	for i, raw := range rawShares {
		shares[i] = newShare(uint8(t), raw)
	}
	return shares, nil
}

// Combine reconstructs the original secret from shares. It fails with
// ErrInsufficientShares if fewer than the encoded threshold are supplied, or
// ErrCorruptShare if the shares disagree on their threshold or are otherwise
// malformed, per §4.2 and §7.
func Combine(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares supplied", ErrInsufficientShares)
	}

	threshold, err := shares[0].Threshold()
	if err != nil {
		return nil, err
	}

	raws := make([][]byte, 0, len(shares))
	for _, s := range shares {
		t, err := s.Threshold()
		if err != nil {
			return nil, err
		}
		if t != threshold {
			return nil, fmt.Errorf("%w: mismatched threshold metadata", ErrCorruptShare)
		}
		raws = append(raws, s.raw())
	}

	if len(raws) < int(threshold) {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientShares, len(raws), threshold)
	}

	secret, err := shamir.Combine(raws)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptShare, err)
	}
	return secret, nil
}
