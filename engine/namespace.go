package engine

import (
	"context"
	"encoding/base64"
	"log/slog"

	"github.com/google/uuid"

	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/protocol"
)

// handleRecoveryRequestRelay implements the gateway hop of §4.7's routing:
// the wallet addresses NAMESPACE_RECOVERY_REQUEST to its namespace's
// gateway rather than to guardians directly, which lets the gateway sit in
// the ceremony's trust boundary the way it already does for
// NAMESPACE_REQUEST/NAMESPACE_SYNC — a request for a namespace it has never
// provisioned, or from a requester it has denied, never reaches a fan-out. The candidate
// guardian set itself still comes from the wallet's own body.guardians
// (§9 OQ7): the gateway has no independently synced guardian roster to
// resolve one from, so its contribution is admission control on who may
// trigger a fan-out, not membership resolution. The relay preserves the
// original message id so the wallet's RecoveryCoordinator can still
// correlate every guardian's reply by pthid.
func (e *Engine) handleRecoveryRequestRelay(ctx context.Context, msg interfaces.Message) {
	if !e.hasRole(interfaces.RoleGateway) {
		e.reject(msg, protocol.ErrInvalidRole, string(msg.Type), string(interfaces.RoleGateway))
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

	owned, found, err := e.nsStore.GetByID(ctx, ns.ID)
	if err != nil {
		e.log.Error("namespace lookup failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}
	if !found {
		e.reject(msg, protocol.ErrNamespaceNotFound, ns.ID.String())
		return
	}

	policy, foundPolicy, err := e.nsStore.GetPolicy(ctx, msg.From)
	if err != nil {
		e.log.Error("namespace policy lookup failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}
	if foundPolicy && policy.Status == interfaces.Denied {
		e.reject(msg, protocol.ErrPolicyNotGranted, msg.From.String())
		return
	}

	rawGuardians, _ := msg.Body["guardians"].([]interface{})
	guardians := make([]interfaces.Identity, 0, len(rawGuardians))
	for _, g := range rawGuardians {
		if s, ok := g.(string); ok && s != "" {
			guardians = append(guardians, interfaces.Identity(s))
		}
	}
	if len(guardians) == 0 {
		e.reject(msg, protocol.ErrInvalidArgument, "guardians")
		return
	}

	e.send(interfaces.Message{
		ID:   msg.ID,
		Type: interfaces.TypeNamespaceRecoveryRequest,
		From: msg.From,
		To:   guardians,
		Body: map[string]interface{}{
			"device_did": deviceDID,
			"namespace":  protocol.EncodeNamespace(owned),
			"expires_at": msg.Body["expires_at"],
		},
	})
}

// handleNamespaceRequest implements the gateway side of §4.5's namespace
// provisioning: absent policy defaults to Allow (§9 Open Question 3); a
// Denied policy short-circuits to NAMESPACE_DENY.
func (e *Engine) handleNamespaceRequest(ctx context.Context, msg interfaces.Message) {
	if !e.hasRole(interfaces.RoleGateway) {
		e.reject(msg, protocol.ErrInvalidRole, string(msg.Type), string(interfaces.RoleGateway))
		return
	}

	policy, found, err := e.nsStore.GetPolicy(ctx, msg.From)
	if err != nil {
		e.log.Error("namespace policy lookup failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}
	if found && policy.Status == interfaces.Denied {
		e.send(protocol.Reply(interfaces.TypeNamespaceDeny, e.self, msg.From, msg, map[string]interface{}{
			"reason": "namespace access denied",
		}))
		return
	}

	ns, err := e.nsStore.Create(ctx, msg.From, e.self)
	if err != nil {
		e.log.Error("namespace creation failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}

	e.send(protocol.Reply(interfaces.TypeNamespaceGrant, e.self, msg.From, msg, map[string]interface{}{
		"namespace": protocol.EncodeNamespace(ns),
	}))
}

// handleNamespaceSync implements the gateway side of PUT/GET backup sync,
// per §4.5 and §4.8. GET's recovery_id path is intentionally unauthorized
// beyond namespace lookup, matching §9 Open Question 2's documented gap.
func (e *Engine) handleNamespaceSync(ctx context.Context, msg interfaces.Message) {
	if !e.hasRole(interfaces.RoleGateway) {
		e.reject(msg, protocol.ErrInvalidRole, string(msg.Type), string(interfaces.RoleGateway))
		return
	}

	request, _ := msg.Body["request"].(string)
	switch request {
	case "PUT":
		e.handleNamespaceSyncPut(ctx, msg)
	case "GET":
		e.handleNamespaceSyncGet(ctx, msg)
	case "ROTATE":
		e.handleNamespaceSyncRotate(ctx, msg)
	default:
		e.reject(msg, protocol.ErrInvalidArgument, "request")
	}
}

func (e *Engine) handleNamespaceSyncPut(ctx context.Context, msg interfaces.Message) {
	encoded, ok := msg.Body["data"].(string)
	if !ok {
		e.reject(msg, protocol.ErrInvalidArgument, "data")
		return
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		e.reject(msg, protocol.ErrInvalidArgument, "data")
		return
	}

	hash, err := e.nsStore.SaveData(ctx, msg.From, data)
	if err != nil {
		e.log.Error("namespace sync PUT failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrNamespaceNotFound, msg.From.String())
		return
	}

	e.send(protocol.Reply(interfaces.TypeNamespaceSyncResponse, e.self, msg.From, msg, map[string]interface{}{
		"request": "PUT",
		"hash":    base64.RawURLEncoding.EncodeToString(hash[:]),
	}))
}

func (e *Engine) handleNamespaceSyncGet(ctx context.Context, msg interfaces.Message) {
	var ns interfaces.Namespace
	var err error

	if recoveryID, ok := msg.Body["recovery_id"].(string); ok && recoveryID != "" {
		id, parseErr := uuid.Parse(recoveryID)
		if parseErr != nil {
			e.reject(msg, protocol.ErrInvalidArgument, "recovery_id")
			return
		}
		var found bool
		ns, found, err = e.nsStore.GetByID(ctx, id)
		if err == nil && !found {
			e.reject(msg, protocol.ErrNamespaceNotFound, recoveryID)
			return
		}
	} else {
		var found bool
		ns, found, err = e.nsStore.GetByOwner(ctx, msg.From)
		if err == nil && !found {
			e.reject(msg, protocol.ErrNamespaceNotFound, msg.From.String())
			return
		}
	}
	if err != nil {
		e.log.Error("namespace sync GET failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrInternal)
		return
	}

	blob, err := e.nsStore.GetData(ctx, ns.ID)
	if err != nil {
		e.reject(msg, protocol.ErrNamespaceNotFound, ns.ID.String())
		return
	}

	e.send(protocol.Reply(interfaces.TypeNamespaceSyncResponse, e.self, msg.From, msg, map[string]interface{}{
		"request": "GET",
		"data":    base64.RawURLEncoding.EncodeToString(blob.Data),
	}))
}

// handleNamespaceSyncRotate mints a fresh namespace id for the caller's
// existing namespace, preserving its backup. §6's message table has no
// dedicated rotate type, so this rides the same free-form "request"
// discriminator NAMESPACE_SYNC already dispatches on (PUT/GET), matching
// how the WalletFacade's rotate responsibility (§2) is wired without
// widening the closed set of message type URIs.
func (e *Engine) handleNamespaceSyncRotate(ctx context.Context, msg interfaces.Message) {
	ns, err := e.nsStore.RotateID(ctx, msg.From)
	if err != nil {
		e.log.Error("namespace rotate failed", slog.Any("err", err))
		e.reject(msg, protocol.ErrNamespaceNotFound, msg.From.String())
		return
	}

	e.send(protocol.Reply(interfaces.TypeNamespaceSyncResponse, e.self, msg.From, msg, map[string]interface{}{
		"request":   "ROTATE",
		"namespace": protocol.EncodeNamespace(ns),
	}))
}

