// Package recovery implements the wallet-side RecoveryCoordinator of §4.7:
// it starts a recovery ceremony, answers the guardian's verification
// challenge, collects released shares, and restores the gateway-held backup
// once threshold is met.
package recovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CoralStackCom/CoralKM/aead"
	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/namespacesync"
	"github.com/CoralStackCom/CoralKM/protocol"
	"github.com/CoralStackCom/CoralKM/sss"
)

// State is one position in §4.5's recovery FSM: Initiated →
// AwaitingChallenge → AwaitingShares(k/t) → Reconstructed → Restored |
// Expired | Failed.
type State string

const (
	StateInitiated         State = "initiated"
	StateAwaitingChallenge State = "awaiting_challenge"
	StateAwaitingShares    State = "awaiting_shares"
	StateReconstructed     State = "reconstructed"
	StateRestored          State = "restored"
	StateExpired           State = "expired"
	StateFailed            State = "failed"
)

// ChallengeInfo is the guardian-issued challenge presented to the user, per
// §3's VerificationChallenge.
type ChallengeInfo struct {
	ID           string
	Kind         string
	Instructions string
}

// ChallengeResponder presents a challenge to the wallet's user (or an
// automated demo flow) and returns their answer. It is an injected
// capability, matching the Store/Mediator/Clock pattern §9 calls for so the
// coordinator stays testable without a real UI.
type ChallengeResponder interface {
	Respond(ctx context.Context, challenge ChallengeInfo) (string, error)
}

// FixedCodeResponder answers every challenge with a static code, matching
// the demo verification scope §1's Non-goals describe.
type FixedCodeResponder struct {
	Code string
}

func (r FixedCodeResponder) Respond(ctx context.Context, challenge ChallengeInfo) (string, error) {
	return r.Code, nil
}

// Status is a point-in-time snapshot of the in-flight ceremony, if any.
type Status struct {
	Active          bool
	ID              uuid.UUID
	Namespace       interfaces.Namespace
	State           State
	Threshold       uint8
	SharesCollected int
	RestoredBackup  *namespacesync.Backup
}

type ceremony struct {
	id        uuid.UUID
	namespace interfaces.Namespace
	expiresAt time.Time
	state     State

	threshold uint8
	shares    map[interfaces.Identity]sss.Share

	dek            []byte
	restoredBackup *namespacesync.Backup
}

// Config wires a RecoveryCoordinator's collaborators.
type Config struct {
	Self      interfaces.Identity
	Mediator  interfaces.Mediator
	Clock     interfaces.Clock
	Responder ChallengeResponder
	Log       *slog.Logger
}

// Coordinator is the wallet-side RecoveryCoordinator. It holds at most one
// in-flight ceremony at a time, per §5's concurrency limit.
type Coordinator struct {
	self      interfaces.Identity
	mediator  interfaces.Mediator
	clock     interfaces.Clock
	responder ChallengeResponder
	log       *slog.Logger

	mu         sync.Mutex
	current    *ceremony
	lastStatus Status
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	clock := cfg.Clock
	if clock == nil {
		clock = interfaces.SystemClock{}
	}
	responder := cfg.Responder
	if responder == nil {
		responder = FixedCodeResponder{Code: "123456"}
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		self:      cfg.Self,
		mediator:  cfg.Mediator,
		clock:     clock,
		responder: responder,
		log:       log,
	}
}

// Start begins a recovery ceremony for ns by sending
// NAMESPACE_RECOVERY_REQUEST to the namespace's gateway, which resolves and
// fans it out to the named guardians, per §4.7 and §6's wallet→gateway
// (broadcast) routing. It fails if a ceremony is already in flight.
func (c *Coordinator) Start(ctx context.Context, ns interfaces.Namespace, guardians []interfaces.Identity) (uuid.UUID, error) {
	if len(guardians) == 0 {
		return uuid.UUID{}, fmt.Errorf("recovery: no guardians to request recovery from")
	}
	if ns.GatewayID.Empty() {
		return uuid.UUID{}, fmt.Errorf("recovery: namespace has no gateway to route the request through")
	}

	now := c.clock.Now()
	expiresAt := now.Add(interfaces.DefaultRecoveryTTL)

	guardianDIDs := make([]interface{}, len(guardians))
	for i, g := range guardians {
		guardianDIDs[i] = g.String()
	}

	msg := protocol.New(interfaces.TypeNamespaceRecoveryRequest, c.self, []interfaces.Identity{ns.GatewayID}, nil, nil, map[string]interface{}{
		"device_did": c.self.String(),
		"namespace":  protocol.EncodeNamespace(ns),
		"expires_at": expiresAt.Format(time.RFC3339),
		"guardians":  guardianDIDs,
	})

	c.mu.Lock()
	if c.current != nil {
		existing := c.current.namespace
		c.mu.Unlock()
		return uuid.UUID{}, fmt.Errorf("recovery: a ceremony is already in flight for %s", existing)
	}
	c.current = &ceremony{
		id:        msg.ID,
		namespace: ns,
		expiresAt: expiresAt,
		state:     StateInitiated,
		shares:    make(map[interfaces.Identity]sss.Share),
	}
	c.mu.Unlock()

	// Sent outside the lock: the in-memory Mediator invokes recipient
	// handlers synchronously, and a guardian may reply before Send returns.
	if err := c.mediator.Send(msg); err != nil {
		c.log.Warn("recovery request broadcast had delivery failures", slog.Any("err", err))
	}

	return msg.ID, nil
}

// Status reports the in-flight ceremony, if any, or the outcome of the most
// recently finished one. Once a ceremony reaches StateRestored or
// StateFailed it is cleared from current so Start can begin a new one
// immediately, per §4.7's terminal-state "clear current" instruction; its
// final Status is retained here so a caller polling for the outcome still
// observes it.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		return c.lastStatus
	}
	return Status{
		Active:          true,
		ID:              c.current.id,
		Namespace:       c.current.namespace,
		State:           c.current.state,
		Threshold:       c.current.threshold,
		SharesCollected: len(c.current.shares),
		RestoredBackup:  c.current.restoredBackup,
	}
}

// HandleMessage routes guardian replies belonging to the in-flight ceremony:
// GUARDIAN_VERIFICATION_CHALLENGE, GUARDIAN_RELEASE_SHARE, and the
// NAMESPACE_SYNC_RESPONSE that follows a successful reconstruction.
func (c *Coordinator) HandleMessage(ctx context.Context, msg interfaces.Message) {
	switch msg.Type {
	case interfaces.TypeGuardianVerificationChallenge:
		c.handleChallenge(ctx, msg)
	case interfaces.TypeGuardianReleaseShare:
		c.handleReleaseShare(ctx, msg)
	case interfaces.TypeNamespaceSyncResponse:
		c.handleSyncResponse(ctx, msg)
	}
}

func (c *Coordinator) handleChallenge(ctx context.Context, msg interfaces.Message) {
	if !c.belongsToCurrent(msg.Pthid) {
		return
	}

	raw, _ := msg.Body["challenge"].(map[string]interface{})
	challenge := ChallengeInfo{
		ID:           stringField(raw, "id"),
		Kind:         stringField(raw, "type"),
		Instructions: stringField(raw, "instructions"),
	}

	c.mu.Lock()
	if c.current != nil {
		c.current.state = StateAwaitingChallenge
	}
	c.mu.Unlock()

	response, err := c.responder.Respond(ctx, challenge)
	if err != nil {
		c.log.Error("challenge responder failed", slog.Any("err", err))
		c.fail()
		return
	}

	thid := msg.ID
	if parsed, err := uuid.Parse(challenge.ID); err == nil {
		thid = parsed
	}
	reply := interfaces.Message{
		ID:    uuid.New(),
		Type:  interfaces.TypeGuardianVerificationChallengeResponse,
		From:  c.self,
		To:    []interfaces.Identity{msg.From},
		Thid:  &thid,
		Pthid: msg.Pthid,
		Body: map[string]interface{}{
			"challenge_id": challenge.ID,
			"response":     response,
			"pthid":        msg.Pthid.String(),
		},
	}
	if err := c.mediator.Send(reply); err != nil {
		c.log.Warn("challenge response send failed", slog.Any("err", err))
	}

	c.mu.Lock()
	// A guardian that races ahead and releases its share before this
	// function resumes may already have advanced the ceremony past this
	// point; only move forward from AwaitingChallenge.
	if c.current != nil && c.current.state == StateAwaitingChallenge {
		c.current.state = StateAwaitingShares
	}
	c.mu.Unlock()
}

func (c *Coordinator) handleReleaseShare(ctx context.Context, msg interfaces.Message) {
	if !c.belongsToCurrent(msg.Pthid) {
		return
	}

	thresholdF, _ := msg.Body["threshold"].(float64)
	shareEncoded, _ := msg.Body["share"].(string)
	raw, err := base64.RawURLEncoding.DecodeString(shareEncoded)
	if err != nil {
		c.log.Warn("release-share had malformed share", slog.Any("err", err))
		return
	}

	var toCombine []sss.Share
	var namespace interfaces.Namespace

	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return
	}
	// Dedupe by guardian identity, per §4.7's idempotence rule.
	c.current.shares[msg.From] = sss.Share(raw)
	c.current.threshold = uint8(thresholdF)
	namespace = c.current.namespace

	ready := len(c.current.shares) >= int(c.current.threshold) && c.current.threshold > 0
	if ready {
		toCombine = make([]sss.Share, 0, len(c.current.shares))
		for _, s := range c.current.shares {
			toCombine = append(toCombine, s)
		}
		c.current.state = StateReconstructed
	}
	c.mu.Unlock()

	if !ready {
		return
	}

	dek, err := sss.Combine(toCombine)
	if err != nil {
		c.log.Error("share combine failed", slog.Any("err", err))
		c.fail()
		return
	}

	c.mu.Lock()
	c.current.dek = dek
	c.mu.Unlock()

	getMsg := protocol.New(interfaces.TypeNamespaceSync, c.self, []interfaces.Identity{namespace.GatewayID}, nil, nil, map[string]interface{}{
		"request":     "GET",
		"recovery_id": namespace.ID.String(),
	})
	if err := c.mediator.Send(getMsg); err != nil {
		c.log.Warn("post-recovery namespace sync GET failed", slog.Any("err", err))
	}
}

func (c *Coordinator) handleSyncResponse(ctx context.Context, msg interfaces.Message) {
	c.mu.Lock()
	if c.current == nil || c.current.state != StateReconstructed {
		c.mu.Unlock()
		return
	}
	dek := c.current.dek
	ns := c.current.namespace
	c.mu.Unlock()

	dataEncoded, _ := msg.Body["data"].(string)
	raw, err := base64.RawURLEncoding.DecodeString(dataEncoded)
	if err != nil {
		c.log.Error("malformed restored data", slog.Any("err", err))
		c.fail()
		return
	}

	var env aead.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Error("malformed backup envelope", slog.Any("err", err))
		c.fail()
		return
	}

	backup, err := namespacesync.Open(dek, env, ns)
	if err != nil {
		c.log.Error("backup decryption failed", slog.Any("err", err))
		c.fail()
		return
	}

	c.mu.Lock()
	c.current.state = StateRestored
	c.current.restoredBackup = &backup
	c.lastStatus = Status{
		Active:          false,
		ID:              c.current.id,
		Namespace:       c.current.namespace,
		State:           StateRestored,
		Threshold:       c.current.threshold,
		SharesCollected: len(c.current.shares),
		RestoredBackup:  c.current.restoredBackup,
	}
	c.current = nil
	c.mu.Unlock()
}

// Expire marks the in-flight ceremony (if any and if actually past its TTL)
// as Expired and clears it, per §5's caller-maintained deadline rule.
func (c *Coordinator) Expire(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	if now.After(c.current.expiresAt) {
		c.lastStatus = Status{
			Active:          false,
			ID:              c.current.id,
			Namespace:       c.current.namespace,
			State:           StateExpired,
			Threshold:       c.current.threshold,
			SharesCollected: len(c.current.shares),
		}
		c.current = nil
	}
}

func (c *Coordinator) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return
	}
	c.current.state = StateFailed
	c.lastStatus = Status{
		Active:          false,
		ID:              c.current.id,
		Namespace:       c.current.namespace,
		State:           StateFailed,
		Threshold:       c.current.threshold,
		SharesCollected: len(c.current.shares),
	}
	c.current = nil
}

func (c *Coordinator) belongsToCurrent(pthid *uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && pthid != nil && *pthid == c.current.id
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
