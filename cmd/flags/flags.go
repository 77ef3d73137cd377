// Package flags collects the cli.Flag definitions and setup helpers shared
// by the wallet, gateway, and guardian binaries, grounded on the teacher's
// cmd/flags package: a var block of *cli.XFlag values plus small
// SetupX(cCtx) helpers the individual main.go Action functions call.
package flags

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/logging"
	"github.com/CoralStackCom/CoralKM/store/backend"
	"github.com/CoralStackCom/CoralKM/transport/httptransport"
)

// SetupLogger builds this process's *slog.Logger from the common logging
// flags, tagging every line with the given service name.
func SetupLogger(cCtx *cli.Context, service string) *slog.Logger {
	return logging.New(logging.Opts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: service,
	})
}

// SetupBackend constructs the backend.Backend named by the --backend flag,
// or nil if the flag is empty, in which case a store keeps its bytes in
// memory. A comma-separated URI list wires a backend.MultiBackend fanning
// out across all of them.
func SetupBackend(cCtx *cli.Context, log *slog.Logger, vaultCert tls.Certificate) (backend.Backend, error) {
	raw := cCtx.String(BackendFlag.Name)
	if raw == "" {
		return nil, nil
	}
	uris := strings.Split(raw, ",")
	f := backend.NewFactory(log, vaultCert)
	if len(uris) == 1 {
		return f.BackendFor(uris[0])
	}
	return f.MultiBackendFor(uris)
}

// SetupMediator builds the transport this process sends and receives
// CoralKM protocol messages over. --peer entries of the form
// "did:example:gateway=http://host:port" populate the peer directory an
// httptransport.Mediator consults for recipients with no local subscriber.
// cmd/wallet, cmd/gateway and cmd/guardian all build their transport here;
// the in-process transport.inmemory bus is used only by tests.
func SetupMediator(cCtx *cli.Context, log *slog.Logger) (*httptransport.Mediator, error) {
	peers := make(map[interfaces.Identity]string)
	for _, entry := range cCtx.StringSlice(PeerFlag.Name) {
		id, url, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("flags: --peer entry %q must be of the form identity=url", entry)
		}
		peers[interfaces.Identity(id)] = url
	}

	return httptransport.New(httptransport.Config{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		Log:                      log,
		Peers:                    peers,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
		GracefulShutdownDuration: time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
	}), nil
}

var SelfFlag = &cli.StringFlag{
	Name:     "self",
	Required: true,
	Usage:    "this process's identity, e.g. did:example:wallet-1",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "",
	Usage: "address to serve the CoralKM message endpoint on; empty runs send-only",
}

var PeerFlag = &cli.StringSliceFlag{
	Name:  "peer",
	Usage: "identity=url pair for a remote peer's message endpoint; repeatable",
}

var BackendFlag = &cli.StringFlag{
	Name:  "backend",
	Value: "",
	Usage: "storage backend URI (file://, s3://, vault://, ipfs://); comma-separated for a fan-out multi-backend; empty keeps data in memory",
}

var VaultClientCertFlag = &cli.StringFlag{
	Name:  "vault-client-cert",
	Usage: "path to the mTLS client certificate used for vault:// backends",
}
var VaultClientKeyFlag = &cli.StringFlag{
	Name:  "vault-client-key",
	Usage: "path to the mTLS client key used for vault:// backends",
}

// LoadVaultClientCert reads the mTLS credentials named by
// --vault-client-cert/--vault-client-key. It returns a zero tls.Certificate
// when neither flag is set, matching backend.Factory's behavior of only
// requiring the pair when a vault:// URI is actually resolved.
func LoadVaultClientCert(cCtx *cli.Context) (tls.Certificate, error) {
	certPath := cCtx.String(VaultClientCertFlag.Name)
	keyPath := cCtx.String(VaultClientKeyFlag.Name)
	if certPath == "" && keyPath == "" {
		return tls.Certificate{}, nil
	}
	return tls.LoadX509KeyPair(certPath, keyPath)
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 30,
	Usage: "seconds to allow in-flight requests to finish before shutting down",
}

// CommonFlags are the flags every role binary registers, matching the
// teacher's CommonFlags grouping.
var CommonFlags = []cli.Flag{
	SelfFlag,
	ListenAddrFlag,
	PeerFlag,
	BackendFlag,
	VaultClientCertFlag,
	VaultClientKeyFlag,
	LogJsonFlag,
	LogDebugFlag,
	DrainSecondsFlag,
}
