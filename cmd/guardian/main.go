// Command guardian runs a CoralKM guardian process: it holds a wallet's
// threshold share, answers verification challenges during recovery, and
// releases its share once a challenge is satisfied, per spec component §2's
// Guardian. Structure and flag/signal handling are grounded on the
// teacher's cmd/httpserver/main.go.
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
		Name:  "coralkm-guardian",
		Usage: "runs a CoralKM guardian process",
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
	log := flags.SetupLogger(cCtx, "coralkm-guardian")
	self := interfaces.Identity(cCtx.String(flags.SelfFlag.Name))

	vaultCert, err := flags.LoadVaultClientCert(cCtx)
	if err != nil {
		return fmt.Errorf("guardian: loading vault client cert: %w", err)
	}
	shares, err := flags.SetupBackend(cCtx, log, vaultCert)
	if err != nil {
		return fmt.Errorf("guardian: setting up backend: %w", err)
	}
	if shares != nil {
		log.Info("guardian: persisting shares through backend", slog.String("backend", shares.Name()), slog.String("location", shares.LocationURI()))
	}

	gStore := store.NewGuardianStoreWithBackend(log, shares)

	mediator, err := flags.SetupMediator(cCtx, log)
	if err != nil {
		return fmt.Errorf("guardian: setting up mediator: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Self:          self,
		Roles:         []interfaces.Role{interfaces.RoleGuardian},
		Mediator:      mediator,
		GuardianStore: gStore,
		Log:           log,
	})
	if err != nil {
		return fmt.Errorf("guardian: constructing engine: %w", err)
	}

	ctx := cCtx.Context
	if err := mediator.Subscribe(self, func(msg interfaces.Message) { eng.Handle(ctx, msg) }); err != nil {
		return fmt.Errorf("guardian: subscribing to mediator: %w", err)
	}

	mediator.RunInBackground()
	log.Info("guardian: ready", slog.String("self", self.String()), slog.String("listen_addr", cCtx.String(flags.ListenAddrFlag.Name)))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("guardian: shutting down")
	mediator.Shutdown()
	return nil
}
