// Package httptransport implements interfaces.Mediator by relaying messages
// over HTTP between independent wallet/gateway/guardian processes. Each
// process runs one Mediator: it serves its own subscribers over a chi router
// and, for recipients outside the process, POSTs the message to their
// registered peer endpoint.
//
// It carries no transport-level authentication or encryption; per §1, that
// is delegated to whatever Mediator implementation carries messages between
// processes; a production deployment would front this with mTLS or a signed
// envelope.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"

	"github.com/CoralStackCom/CoralKM/interfaces"
)

// MessagePath is the route every Mediator peer exposes for inbound delivery.
const MessagePath = "/coralkm/message"

// Config wires a Mediator's HTTP server and peer directory.
type Config struct {
	ListenAddr string
	Log        *slog.Logger

	// Peers maps a remote identity to the base URL of the process that
	// subscribes it. Send consults this only for recipients with no local
	// subscriber.
	Peers map[interfaces.Identity]string

	Client                   *http.Client
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	GracefulShutdownDuration time.Duration
}

// Mediator is an interfaces.Mediator that delivers in-process to local
// subscribers and over HTTP POST to remote peers.
type Mediator struct {
	log    *slog.Logger
	client *http.Client

	mu       sync.RWMutex
	handlers map[interfaces.Identity]func(interfaces.Message)
	peers    map[interfaces.Identity]string

	isReady atomic.Bool
	srv     *http.Server
	cfg     Config
}

// New constructs a Mediator. cfg.Peers is copied; RegisterPeer adds to it
// later, e.g. once a discovery step resolves live addresses.
func New(cfg Config) *Mediator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	peers := make(map[interfaces.Identity]string, len(cfg.Peers))
	for id, url := range cfg.Peers {
		peers[id] = url
	}

	m := &Mediator{
		log:      log,
		client:   client,
		handlers: make(map[interfaces.Identity]func(interfaces.Message)),
		peers:    peers,
		cfg:      cfg,
	}
	m.isReady.Store(true)

	if cfg.ListenAddr != "" {
		m.srv = &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      m.router(),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}
	}
	return m
}

// RegisterPeer records the base URL a remote identity's process serves
// MessagePath on.
func (m *Mediator) RegisterPeer(id interfaces.Identity, baseURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[id] = baseURL
}

func (m *Mediator) Subscribe(self interfaces.Identity, handler func(interfaces.Message)) error {
	if self.Empty() {
		return fmt.Errorf("httptransport: cannot subscribe with an empty identity")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[self] = handler
	return nil
}

// Send delivers msg in-process to every locally subscribed recipient and, for
// the rest, POSTs it to their registered peer endpoint. As with the in-memory
// reference Mediator, delivery is best-effort per recipient: a partial
// failure is reported but does not roll back successful deliveries.
func (m *Mediator) Send(msg interfaces.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("httptransport: marshal message: %w", err)
	}

	var undelivered []interfaces.Identity
	for _, to := range msg.To {
		m.mu.RLock()
		handler, local := m.handlers[to]
		peerURL, remote := m.peers[to]
		m.mu.RUnlock()

		switch {
		case local:
			handler(msg)
		case remote:
			if err := m.post(peerURL, body); err != nil {
				m.log.Warn("httptransport: delivery to peer failed", slog.String("to", to.String()), slog.Any("err", err))
				undelivered = append(undelivered, to)
			}
		default:
			undelivered = append(undelivered, to)
		}
	}

	if len(undelivered) > 0 {
		return fmt.Errorf("httptransport: no route to %v", undelivered)
	}
	return nil
}

func (m *Mediator) post(baseURL string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, baseURL+MessagePath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer responded %s", resp.Status)
	}
	return nil
}

// router builds this Mediator's inbound HTTP surface: message delivery plus
// the readiness/liveness/drain endpoints, mirroring the demo server this
// package replaces.
func (m *Mediator) router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.With(m.httpLogger).Post(MessagePath, m.handleMessage)
	mux.With(m.httpLogger).Get("/livez", m.handleLivenessCheck)
	mux.With(m.httpLogger).Get("/readyz", m.handleReadinessCheck)
	mux.With(m.httpLogger).Get("/drain", m.handleDrain)
	mux.With(m.httpLogger).Get("/undrain", m.handleUndrain)
	return mux
}

func (m *Mediator) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(m.log, next)
}

// handleMessage decodes an inbound envelope and dispatches it to every
// locally subscribed recipient named in its To list. A recipient this
// process does not serve is silently skipped: the sender addressed several
// parties and this process only owns some of them.
func (m *Mediator) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg interfaces.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}

	var handled bool
	for _, to := range msg.To {
		m.mu.RLock()
		handler, ok := m.handlers[to]
		m.mu.RUnlock()
		if ok {
			handler(msg)
			handled = true
		}
	}
	if !handled {
		m.log.Debug("httptransport: message had no local recipient", slog.String("type", string(msg.Type)))
	}
	w.WriteHeader(http.StatusAccepted)
}

func (m *Mediator) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (m *Mediator) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !m.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (m *Mediator) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !m.isReady.Swap(false) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}
	m.log.Info("httptransport: marked not ready")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (m *Mediator) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if m.isReady.Swap(true) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}
	m.log.Info("httptransport: marked ready")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// RunInBackground starts serving. It is a no-op if this Mediator was built
// with an empty ListenAddr, i.e. it only ever sends and never receives over
// HTTP (a wallet driven purely from CLI commands, for instance).
func (m *Mediator) RunInBackground() {
	if m.srv == nil {
		return
	}
	go func() {
		m.log.Info("httptransport: listening", slog.String("addr", m.cfg.ListenAddr))
		if err := m.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("httptransport: server failed", slog.Any("err", err))
		}
	}()
}

// Shutdown drains in-flight requests and stops serving.
func (m *Mediator) Shutdown() {
	if m.srv == nil {
		return
	}
	timeout := m.cfg.GracefulShutdownDuration
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.log.Error("httptransport: graceful shutdown failed", slog.Any("err", err))
	}
}

var _ interfaces.Mediator = (*Mediator)(nil)
