// Package sharemanager computes and broadcasts threshold re-splits of a
// wallet's DEK whenever its set of granted guardians changes, per spec
// component §4.6. It is grounded on the teacher's request/response
// correlation style (a pending-request map guarded by a mutex, resolved by
// an inbound confirm message) adapted from a single HTTP round trip to a
// fan-out over N guardians.
package sharemanager

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/protocol"
	"github.com/CoralStackCom/CoralKM/sss"
)

// DefaultConfirmTimeout bounds how long Resplit waits for a single
// guardian's GUARDIAN_SHARE_UPDATE_CONFIRM before counting it as failed.
const DefaultConfirmTimeout = 30 * time.Second

// ResplitReport is the supplemented outcome of a re-split cycle: §4.6 step 5
// says failures are logged but do not roll back other guardians, and §9
// Open Question 6 leaves partial-success policy unspecified. Rather than
// discard that information, Resplit hands the caller a full accounting so a
// WalletFacade can decide whether a partial re-split is acceptable, retry
// the Failed guardians, or surface a warning.
type ResplitReport struct {
	Namespace interfaces.Namespace
	Threshold uint8
	Skipped   bool

	Confirmed []interfaces.Identity
	Failed    []interfaces.Identity
}

// ShareManager issues GUARDIAN_SHARE_UPDATE broadcasts and correlates the
// resulting confirmations.
type ShareManager struct {
	self     interfaces.Identity
	mediator interfaces.Mediator

	confirmTimeout time.Duration
	log            *slog.Logger

	mu      sync.Mutex
	waiters map[uuid.UUID]chan struct{}
}

// New constructs a ShareManager. confirmTimeout of zero uses
// DefaultConfirmTimeout.
func New(self interfaces.Identity, mediator interfaces.Mediator, confirmTimeout time.Duration, log *slog.Logger) *ShareManager {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &ShareManager{
		self:           self,
		mediator:       mediator,
		confirmTimeout: confirmTimeout,
		log:            log,
		waiters:        make(map[uuid.UUID]chan struct{}),
	}
}

// HandleConfirm resolves the waiter for a GUARDIAN_SHARE_UPDATE_CONFIRM's
// thid, if Resplit is currently waiting on it. It is a no-op for confirms
// that arrive after Resplit already timed out.
func (m *ShareManager) HandleConfirm(msg interfaces.Message) {
	if msg.Thid == nil {
		return
	}
	m.mu.Lock()
	ch, ok := m.waiters[*msg.Thid]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Threshold computes t = max(2, ceil(n/2)) for n granted guardians, per
// §4.6 step 3.
func Threshold(n int) uint8 {
	t := (n + 1) / 2
	if t < 2 {
		t = 2
	}
	return uint8(t)
}

// Resplit implements §4.6: it skips with Skipped=true when fewer than two
// guardians are granted (a single guardian would hold the full secret),
// otherwise splits dek into one share per guardian and awaits each
// GUARDIAN_SHARE_UPDATE_CONFIRM up to the configured timeout.
func (m *ShareManager) Resplit(ctx context.Context, ns interfaces.Namespace, dek []byte, guardians []interfaces.Identity) (*ResplitReport, error) {
	sorted := make([]interfaces.Identity, len(guardians))
	copy(sorted, guardians)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	if len(sorted) < 2 {
		m.log.Info("insufficient guardians for resplit, skipping", slog.Int("count", len(sorted)))
		return &ResplitReport{Namespace: ns, Skipped: true}, nil
	}

	n := len(sorted)
	t := Threshold(n)

	shares, err := sss.Split(dek, n, int(t))
	if err != nil {
		return nil, fmt.Errorf("sharemanager: split failed: %w", err)
	}

	report := &ResplitReport{Namespace: ns, Threshold: t}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, guardian := range sorted {
		wg.Add(1)
		go func(guardian interfaces.Identity, share sss.Share) {
			defer wg.Done()
			confirmed := m.sendAndAwait(ctx, guardian, ns, t, share)
			mu.Lock()
			defer mu.Unlock()
			if confirmed {
				report.Confirmed = append(report.Confirmed, guardian)
			} else {
				report.Failed = append(report.Failed, guardian)
			}
		}(guardian, shares[i])
	}
	wg.Wait()

	sort.Slice(report.Confirmed, func(i, j int) bool { return report.Confirmed[i] < report.Confirmed[j] })
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i] < report.Failed[j] })

	return report, nil
}

func (m *ShareManager) sendAndAwait(ctx context.Context, guardian interfaces.Identity, ns interfaces.Namespace, threshold uint8, share sss.Share) bool {
	msg := protocol.New(interfaces.TypeGuardianShareUpdate, m.self, []interfaces.Identity{guardian}, nil, nil, map[string]interface{}{
		"namespace": protocol.EncodeNamespace(ns),
		"threshold": float64(threshold),
		"share":     base64.RawURLEncoding.EncodeToString(share),
	})

	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.waiters[msg.ID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, msg.ID)
		m.mu.Unlock()
	}()

	if err := m.mediator.Send(msg); err != nil {
		m.log.Warn("share update send failed", slog.String("guardian", guardian.String()), slog.Any("err", err))
		return false
	}

	timer := time.NewTimer(m.confirmTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		m.log.Warn("share update confirm timed out", slog.String("guardian", guardian.String()))
		return false
	case <-ctx.Done():
		return false
	}
}
