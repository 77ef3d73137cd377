// Package walletfacade orchestrates the wallet-role surface of CoralKM:
// namespace provisioning, guardian membership changes, namespace rotation,
// backup sync, and recovery, per spec component §2's WalletFacade.
package walletfacade

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/CoralStackCom/CoralKM/aead"
	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/namespacesync"
	"github.com/CoralStackCom/CoralKM/protocol"
	"github.com/CoralStackCom/CoralKM/recovery"
	"github.com/CoralStackCom/CoralKM/sharemanager"
)

// DefaultRequestTimeout bounds any single request/reply round trip, per
// §5's "every request carries an implicit deadline (default 60s)".
const DefaultRequestTimeout = 60 * time.Second

// Config wires a WalletFacade's collaborators.
type Config struct {
	Self     interfaces.Identity
	Mediator interfaces.Mediator

	ShareManager        *sharemanager.ShareManager
	RecoveryCoordinator *recovery.Coordinator

	RequestTimeout time.Duration
	Log            *slog.Logger
}

// state is the wallet's own in-memory view of its provisioned namespace and
// guardian set. Per §3, DEK and WalletBackup live only in wallet memory.
type state struct {
	namespace   *interfaces.Namespace
	guardians   map[interfaces.Identity]bool
	dek         []byte
	identifiers map[string]string
}

// WalletFacade is the single entry point a wallet application drives:
// add/remove guardian, rotate, sync, and recover, per §2.
type WalletFacade struct {
	self     interfaces.Identity
	mediator interfaces.Mediator

	shareManager *sharemanager.ShareManager
	recovery     *recovery.Coordinator

	requestTimeout time.Duration
	log            *slog.Logger

	mu    sync.Mutex
	st    state
	await map[uuid.UUID]chan interfaces.Message

	// namespaceInFlight enforces §5's "at most one in-flight
	// NAMESPACE_REQUEST per wallet" concurrency limit.
	namespaceInFlight atomic.Bool
	// resplitInFlight enforces §4.6's "ShareManager serializes re-split
	// cycles" rule: a guardian add during a previous re-split waits.
	resplitInFlight atomic.Bool
}

// New constructs a WalletFacade.
func New(cfg Config) *WalletFacade {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &WalletFacade{
		self:           cfg.Self,
		mediator:       cfg.Mediator,
		shareManager:   cfg.ShareManager,
		recovery:       cfg.RecoveryCoordinator,
		requestTimeout: timeout,
		log:            log,
		st: state{
			guardians:   make(map[interfaces.Identity]bool),
			identifiers: make(map[string]string),
		},
		await: make(map[uuid.UUID]chan interfaces.Message),
	}
}

// Namespace reports the wallet's provisioned namespace, if any.
func (w *WalletFacade) Namespace() (interfaces.Namespace, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.st.namespace == nil {
		return interfaces.Namespace{}, false
	}
	return *w.st.namespace, true
}

// Guardians lists the wallet's currently granted guardians.
func (w *WalletFacade) Guardians() []interfaces.Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]interfaces.Identity, 0, len(w.st.guardians))
	for g := range w.st.guardians {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RecoveryStatus reports the in-flight recovery ceremony, if any.
func (w *WalletFacade) RecoveryStatus() recovery.Status {
	return w.recovery.Status()
}

// HandleMessage routes every message addressed to this wallet: correlated
// request/reply pairs resolve a waiting caller; share-update confirms and
// recovery messages are forwarded to their owning collaborator.
func (w *WalletFacade) HandleMessage(ctx context.Context, msg interfaces.Message) {
	switch msg.Type {
	case interfaces.TypeNamespaceGrant, interfaces.TypeNamespaceDeny,
		interfaces.TypeGuardianGrant, interfaces.TypeGuardianDeny,
		interfaces.TypeGuardianRemoveConfirm:
		w.resolve(msg)

	case interfaces.TypeNamespaceSyncResponse:
		if request, _ := msg.Body["request"].(string); request == "GET" {
			w.recovery.HandleMessage(ctx, msg)
			return
		}
		w.resolve(msg)

	case interfaces.TypeGuardianShareUpdateConfirm:
		w.shareManager.HandleConfirm(msg)

	case interfaces.TypeGuardianVerificationChallenge, interfaces.TypeGuardianReleaseShare:
		w.recovery.HandleMessage(ctx, msg)

	default:
		w.log.Debug("wallet facade ignoring message", slog.String("type", string(msg.Type)))
	}
}

func (w *WalletFacade) resolve(msg interfaces.Message) {
	if msg.Thid == nil {
		return
	}
	w.mu.Lock()
	ch, ok := w.await[*msg.Thid]
	w.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (w *WalletFacade) request(ctx context.Context, msg interfaces.Message) (interfaces.Message, error) {
	ch := make(chan interfaces.Message, 1)
	w.mu.Lock()
	w.await[msg.ID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.await, msg.ID)
		w.mu.Unlock()
	}()

	if err := w.mediator.Send(msg); err != nil {
		return interfaces.Message{}, fmt.Errorf("walletfacade: send failed: %w", err)
	}

	timer := time.NewTimer(w.requestTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return interfaces.Message{}, fmt.Errorf("walletfacade: request %s timed out", msg.Type)
	case <-ctx.Done():
		return interfaces.Message{}, ctx.Err()
	}
}

// ProvisionNamespace requests a namespace from gateway, per §4.5's
// NAMESPACE_REQUEST/NAMESPACE_GRANT exchange.
func (w *WalletFacade) ProvisionNamespace(ctx context.Context, gateway interfaces.Identity) (interfaces.Namespace, error) {
	if !w.namespaceInFlight.CompareAndSwap(false, true) {
		return interfaces.Namespace{}, fmt.Errorf("walletfacade: a namespace request is already in flight")
	}
	defer w.namespaceInFlight.Store(false)

	msg := protocol.New(interfaces.TypeNamespaceRequest, w.self, []interfaces.Identity{gateway}, nil, nil, nil)
	reply, err := w.request(ctx, msg)
	if err != nil {
		return interfaces.Namespace{}, err
	}
	if reply.Type == interfaces.TypeNamespaceDeny {
		reason, _ := reply.Body["reason"].(string)
		return interfaces.Namespace{}, fmt.Errorf("walletfacade: namespace denied: %s", reason)
	}

	ns, ok := protocol.DecodeNamespace(reply.Body)
	if !ok {
		return interfaces.Namespace{}, fmt.Errorf("walletfacade: namespace-grant carried no namespace")
	}

	w.mu.Lock()
	w.st.namespace = &ns
	w.mu.Unlock()

	return ns, nil
}

// AddGuardian requests guardianship from guardian and, once granted,
// triggers a threshold re-split across the new guardian set, per §4.6.
func (w *WalletFacade) AddGuardian(ctx context.Context, guardian interfaces.Identity) (*sharemanager.ResplitReport, error) {
	msg := protocol.New(interfaces.TypeGuardianRequest, w.self, []interfaces.Identity{guardian}, nil, nil, nil)
	reply, err := w.request(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply.Type == interfaces.TypeGuardianDeny {
		reason, _ := reply.Body["reason"].(string)
		return nil, fmt.Errorf("walletfacade: guardian %s denied: %s", guardian, reason)
	}

	w.mu.Lock()
	w.st.guardians[guardian] = true
	w.mu.Unlock()

	return w.resplit(ctx)
}

// RemoveGuardian revokes guardian and re-splits across the remaining set.
func (w *WalletFacade) RemoveGuardian(ctx context.Context, guardian interfaces.Identity) (*sharemanager.ResplitReport, error) {
	msg := protocol.New(interfaces.TypeGuardianRemove, w.self, []interfaces.Identity{guardian}, nil, nil, nil)
	if _, err := w.request(ctx, msg); err != nil {
		return nil, err
	}

	w.mu.Lock()
	delete(w.st.guardians, guardian)
	w.mu.Unlock()

	return w.resplit(ctx)
}

// resplit re-splits the DEK across the current guardian set and pushes the
// updated backup, per §4.6 steps 3-6. It serializes concurrent callers so a
// guardian add racing a previous re-split waits, per §5.
func (w *WalletFacade) resplit(ctx context.Context) (*sharemanager.ResplitReport, error) {
	for !w.resplitInFlight.CompareAndSwap(false, true) {
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer w.resplitInFlight.Store(false)

	w.mu.Lock()
	if w.st.namespace == nil {
		w.mu.Unlock()
		return nil, fmt.Errorf("walletfacade: no namespace provisioned")
	}
	if w.st.dek == nil {
		dek, err := aead.GenerateKey()
		if err != nil {
			w.mu.Unlock()
			return nil, fmt.Errorf("walletfacade: dek generation failed: %w", err)
		}
		w.st.dek = dek
	}
	ns := *w.st.namespace
	dek := w.st.dek
	guardians := make([]interfaces.Identity, 0, len(w.st.guardians))
	for g := range w.st.guardians {
		guardians = append(guardians, g)
	}
	w.mu.Unlock()

	report, err := w.shareManager.Resplit(ctx, ns, dek, guardians)
	if err != nil {
		return nil, err
	}
	if report.Skipped {
		return report, nil
	}

	if err := w.syncBackup(ctx, report); err != nil {
		w.log.Warn("post-resplit backup sync failed", slog.Any("err", err))
	}

	return report, nil
}

// RotateNamespace mints a fresh namespace id for the wallet's existing
// namespace, then re-splits and re-syncs so shares and the backup stay
// bound to the new id.
func (w *WalletFacade) RotateNamespace(ctx context.Context) (interfaces.Namespace, error) {
	w.mu.Lock()
	current := w.st.namespace
	w.mu.Unlock()
	if current == nil {
		return interfaces.Namespace{}, fmt.Errorf("walletfacade: no namespace provisioned")
	}

	msg := protocol.New(interfaces.TypeNamespaceSync, w.self, []interfaces.Identity{current.GatewayID}, nil, nil, map[string]interface{}{
		"request": "ROTATE",
	})
	reply, err := w.request(ctx, msg)
	if err != nil {
		return interfaces.Namespace{}, err
	}
	ns, ok := protocol.DecodeNamespace(reply.Body)
	if !ok {
		return interfaces.Namespace{}, fmt.Errorf("walletfacade: rotate response carried no namespace")
	}

	w.mu.Lock()
	w.st.namespace = &ns
	w.mu.Unlock()

	if _, err := w.resplit(ctx); err != nil {
		w.log.Warn("post-rotate resplit failed", slog.Any("err", err))
	}

	return ns, nil
}

// syncBackup seals the wallet's current identifiers/keys/share bookkeeping
// under the namespace and pushes it to the gateway, per §4.6 step 6 and
// §4.8.
func (w *WalletFacade) syncBackup(ctx context.Context, report *sharemanager.ResplitReport) error {
	w.mu.Lock()
	ns := *w.st.namespace
	dek := w.st.dek
	identifiers := make(map[string]string, len(w.st.identifiers))
	for k, v := range w.st.identifiers {
		identifiers[k] = v
	}
	shares := make([]interfaces.Share, 0, len(report.Confirmed))
	now := time.Now()
	for _, g := range report.Confirmed {
		shares = append(shares, interfaces.Share{
			Owner:     g,
			Namespace: ns,
			Threshold: report.Threshold,
			UpdatedAt: now,
		})
	}
	w.mu.Unlock()

	backup := namespacesync.Backup{
		Identifiers: identifiers,
		Keys:        map[string]string{},
		Shares:      shares,
	}
	env, err := namespacesync.Seal(dek, backup, ns)
	if err != nil {
		return fmt.Errorf("walletfacade: seal backup: %w", err)
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("walletfacade: marshal envelope: %w", err)
	}

	msg := protocol.New(interfaces.TypeNamespaceSync, w.self, []interfaces.Identity{ns.GatewayID}, nil, nil, map[string]interface{}{
		"request": "PUT",
		"data":    base64.RawURLEncoding.EncodeToString(envBytes),
	})
	_, err = w.request(ctx, msg)
	return err
}

// StartRecovery begins a recovery ceremony for ns, delegating to the
// injected RecoveryCoordinator per §4.7. guardians is the caller-supplied
// candidate set (out-of-band knowledge on a fresh device, per §8 scenario
// 4 — CoralKM has no guardian directory of its own); the request itself
// still routes through ns.GatewayID first, which applies its own
// admission control before fanning the request out (§9 OQ7).
func (w *WalletFacade) StartRecovery(ctx context.Context, ns interfaces.Namespace, guardians []interfaces.Identity) (uuid.UUID, error) {
	return w.recovery.Start(ctx, ns, guardians)
}
