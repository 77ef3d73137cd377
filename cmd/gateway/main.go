// Command gateway runs a CoralKM gateway process: it provisions namespaces,
// holds encrypted wallet backups, and answers namespace sync requests, per
// spec component §2's Gateway. Structure and flag/signal handling are
// grounded on the teacher's cmd/httpserver/main.go: a urfave/cli/v2 App with
// a single Action, and a RunInBackground/Shutdown pair driven by SIGTERM.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/CoralStackCom/CoralKM/cmd/flags"
	"github.com/CoralStackCom/CoralKM/engine"
	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/store"
)

var appFlags = append([]cli.Flag{}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "coralkm-gateway",
		Usage: "runs a CoralKM gateway process",
		Flags: appFlags,
		Action: func(cCtx *cli.Context) error {
			return run(cCtx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cCtx *cli.Context) error {
	log := flags.SetupLogger(cCtx, "coralkm-gateway")
	self := interfaces.Identity(cCtx.String(flags.SelfFlag.Name))

	vaultCert, err := flags.LoadVaultClientCert(cCtx)
	if err != nil {
		return fmt.Errorf("gateway: loading vault client cert: %w", err)
	}
	blobs, err := flags.SetupBackend(cCtx, log, vaultCert)
	if err != nil {
		return fmt.Errorf("gateway: setting up backend: %w", err)
	}
	if blobs != nil {
		log.Info("gateway: persisting backups through backend", slog.String("backend", blobs.Name()), slog.String("location", blobs.LocationURI()))
	}

	nsStore := store.NewNamespaceStoreWithBackend(log, blobs)

	mediator, err := flags.SetupMediator(cCtx, log)
	if err != nil {
		return fmt.Errorf("gateway: setting up mediator: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Self:           self,
		Roles:          []interfaces.Role{interfaces.RoleGateway},
		Mediator:       mediator,
		NamespaceStore: nsStore,
		Log:            log,
	})
	if err != nil {
		return fmt.Errorf("gateway: constructing engine: %w", err)
	}

	ctx := cCtx.Context
	if err := mediator.Subscribe(self, func(msg interfaces.Message) { eng.Handle(ctx, msg) }); err != nil {
		return fmt.Errorf("gateway: subscribing to mediator: %w", err)
	}

	mediator.RunInBackground()
	log.Info("gateway: ready", slog.String("self", self.String()), slog.String("listen_addr", cCtx.String(flags.ListenAddrFlag.Name)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("gateway: shutting down")
	mediator.Shutdown()
	return nil
}
