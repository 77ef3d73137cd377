package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/protocol"
)

// pendingChallenges tracks the challenge issued for a recovery request so
// handleChallengeResponse can hand it to the ChallengeVerifier's Check. It
// mirrors §9 Open Question 4's guidance to persist state that a real
// deployment would keep alongside the RecoveryRequest record; kept in
// process memory here since VerificationChallenge is not one of the
// entities §3 assigns a Store owner.
type pendingChallenges struct {
	byRecoveryID map[uuid.UUID]VerificationChallenge
}

func newPendingChallenges() *pendingChallenges {
	return &pendingChallenges{byRecoveryID: make(map[uuid.UUID]VerificationChallenge)}
}

// handleGuardianRequest implements §4.5's guardian lifecycle request: policy
// lookup defaults to Allow in the demo, per §9 Open Question 3's analogous
// gateway note.
func (e *Engine) handleGuardianRequest(ctx context.Context, msg interfaces.Message) {
	if !e.hasRole(interfaces.RoleGuardian) {
		e.reject(msg, protocol.ErrInvalidRole, string(msg.Type), string(interfaces.RoleGuardian))
		return
	}

	policy, found, err := e.gStore.GetPolicy(ctx, msg.From)
	if err != nil {
		e.log.Error("guardian policy lookup failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}
	if found && policy.Status == interfaces.Denied {
		e.send(protocol.Reply(interfaces.TypeGuardianDeny, e.self, msg.From, msg, map[string]interface{}{
			"reason": "guardian access denied",
		}))
		return
	}

	if err := e.gStore.SetPolicy(ctx, interfaces.GuardianPolicy{Requester: msg.From, Status: interfaces.Granted}); err != nil {
		e.log.Error("guardian policy grant failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}

	e.send(protocol.Reply(interfaces.TypeGuardianGrant, e.self, msg.From, msg, nil))
}

// handleGuardianRemove implements §4.5/§7's transactional remove: policy is
// denied and every share owned by the requester is deleted before the
// confirmation is sent.
func (e *Engine) handleGuardianRemove(ctx context.Context, msg interfaces.Message) {
	if !e.hasRole(interfaces.RoleGuardian) {
		e.reject(msg, protocol.ErrInvalidRole, string(msg.Type), string(interfaces.RoleGuardian))
		return
	}

	if err := e.gStore.SetPolicy(ctx, interfaces.GuardianPolicy{Requester: msg.From, Status: interfaces.Denied}); err != nil {
		e.log.Error("guardian policy revoke failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}
	if err := e.gStore.DeleteSharesByOwner(ctx, msg.From); err != nil {
		e.log.Error("guardian share purge failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}

	e.send(protocol.Reply(interfaces.TypeGuardianRemoveConfirm, e.self, msg.From, msg, nil))
}

// handleGuardianShareUpdate implements the ShareManager's per-guardian push
// from §4.6 step 5: the guardian upserts its new share and confirms.
func (e *Engine) handleGuardianShareUpdate(ctx context.Context, msg interfaces.Message) {
	if !e.hasRole(interfaces.RoleGuardian) {
		e.reject(msg, protocol.ErrInvalidRole, string(msg.Type), string(interfaces.RoleGuardian))
		return
	}

	ns, ok := protocol.DecodeNamespace(msg.Body)
	if !ok {
		e.reject(msg, protocol.ErrInvalidArgument, "namespace")
		return
	}
	thresholdF, ok := msg.Body["threshold"].(float64)
	if !ok || thresholdF < 1 || thresholdF > 255 {
		e.reject(msg, protocol.ErrInvalidArgument, "threshold")
		return
	}
	shareEncoded, _ := msg.Body["share"].(string)
	share, err := base64.RawURLEncoding.DecodeString(shareEncoded)
	if err != nil {
		e.reject(msg, protocol.ErrInvalidArgument, "share")
		return
	}

	if err := e.gStore.SaveShare(ctx, msg.From, ns, uint8(thresholdF), share); err != nil {
		if isPolicyNotGranted(err) {
			e.reject(msg, protocol.ErrPolicyNotGranted, msg.From.String())
			return
		}
		e.log.Error("share save failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}

	e.send(protocol.Reply(interfaces.TypeGuardianShareUpdateConfirm, e.self, msg.From, msg, nil))
}

// handleRecoveryRequest implements §4.5's guardian-side ceremony start: a
// NotAGuardian caller is dropped silently to avoid guardian-set enumeration.
func (e *Engine) handleRecoveryRequest(ctx context.Context, msg interfaces.Message) {
	if !e.hasRole(interfaces.RoleGuardian) {
		e.reject(msg, protocol.ErrInvalidRole, string(msg.Type), string(interfaces.RoleGuardian))
		return
	}

	ns, ok := protocol.DecodeNamespace(msg.Body)
	if !ok {
		e.reject(msg, protocol.ErrInvalidArgument, "namespace")
		return
	}
	deviceDID, _ := msg.Body["device_did"].(string)
	if deviceDID == "" {
		e.reject(msg, protocol.ErrInvalidArgument, "device_did")
		return
	}

	isGuardian, err := e.gStore.IsGuardian(ctx, msg.From, ns)
	if err != nil {
		e.log.Error("is_guardian lookup failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}
	if !isGuardian {
		e.reject(msg, protocol.ErrNotAGuardian)
		return
	}

	expiresAt := e.clock.Now().Add(interfaces.DefaultRecoveryTTL)
	req := interfaces.RecoveryRequest{
		ID:             msg.ID,
		DeviceIdentity: interfaces.Identity(deviceDID),
		Namespace:      ns,
		CreatedAt:      e.clock.Now(),
		ExpiresAt:      expiresAt,
	}
	if err := e.gStore.SaveRecoveryRequest(ctx, req); err != nil {
		e.log.Error("recovery request save failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}

	challenge, err := e.verifier.Issue(req)
	if err != nil {
		e.log.Error("challenge issuance failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}
	e.pending.byRecoveryID[req.ID] = challenge

	pthid := req.ID
	e.send(interfaces.Message{
		ID:    uuid.New(),
		Type:  interfaces.TypeGuardianVerificationChallenge,
		From:  e.self,
		To:    []interfaces.Identity{req.DeviceIdentity},
		Pthid: &pthid,
		Body: map[string]interface{}{
			"challenge": map[string]interface{}{
				"id":           challenge.ID,
				"type":         challenge.Kind,
				"instructions": challenge.Instructions,
			},
		},
	})
}

// handleChallengeResponse implements §4.5's verification step: an expired
// request is purged and dropped before validation runs, per §5's ordering
// rule that guardians purge expired requests before processing a response.
func (e *Engine) handleChallengeResponse(ctx context.Context, msg interfaces.Message) {
	if !e.hasRole(interfaces.RoleGuardian) {
		e.reject(msg, protocol.ErrInvalidRole, string(msg.Type), string(interfaces.RoleGuardian))
		return
	}
	if msg.Pthid == nil {
		e.reject(msg, protocol.ErrInvalidArgument, "pthid")
		return
	}

	recoveryID := *msg.Pthid
	req, found, err := e.gStore.GetRecoveryRequest(ctx, recoveryID)
	if err != nil {
		e.log.Error("recovery request lookup failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}
	if !found {
		e.reject(msg, protocol.ErrExpired, recoveryID.String())
		return
	}
	if req.Expired(e.clock.Now()) {
		e.expireRecovery(ctx, req)
		e.reject(msg, protocol.ErrExpired, recoveryID.String())
		return
	}

	challenge, ok := e.pending.byRecoveryID[recoveryID]
	if !ok {
		e.log.Error("no pending challenge for recovery request", slog.String("recovery_id", recoveryID.String()))
		e.reject(msg, protocol.ErrInternal)
		return
	}

	response, _ := msg.Body["response"].(string)
	if !e.verifier.Check(req, challenge, response) {
		e.expireRecovery(ctx, req)
		e.log.Info("verification failed", slog.String("recovery_id", recoveryID.String()))
		return
	}

	// Recovery addresses a namespace, not a wallet identity: the recovering
	// device is frequently not the identity the share was upserted under
	// (§8 scenario 4), so lookup is by namespace alone.
	share, found, err := e.gStore.GetShareByNamespace(ctx, req.Namespace)
	if err != nil {
		e.log.Error("share lookup failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}
	if !found {
		e.reject(msg, protocol.ErrNamespaceNotFound, req.Namespace.String())
		return
	}

	pthid := req.ID
	e.send(interfaces.Message{
		ID:    uuid.New(),
		Type:  interfaces.TypeGuardianReleaseShare,
		From:  e.self,
		To:    []interfaces.Identity{req.DeviceIdentity},
		Pthid: &pthid,
		Body: map[string]interface{}{
			"share":     base64.RawURLEncoding.EncodeToString(share.Share),
			"threshold": float64(share.Threshold),
		},
	})

	e.expireRecovery(ctx, req)
}

func (e *Engine) expireRecovery(ctx context.Context, req interfaces.RecoveryRequest) {
	delete(e.pending.byRecoveryID, req.ID)
	if err := e.gStore.DeleteRecoveryRequest(ctx, req.ID); err != nil {
		e.log.Warn("recovery request cleanup failed", slog.Any("err", err))
	}
}

func isPolicyNotGranted(err error) bool {
	return errors.Is(err, interfaces.ErrPolicyNotGranted)
}
