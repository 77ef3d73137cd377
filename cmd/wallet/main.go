// Command wallet drives the wallet-role surface of CoralKM from the command
// line: provisioning a namespace, adding and removing guardians, rotating a
// namespace id, and running a recovery ceremony, per spec component §2's
// WalletFacade. It is grounded on the teacher's cmd/kmsclient/main.go: a
// urfave/cli/v2 App with one subcommand per operation, each parsing its own
// flags and printing a JSON result.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/CoralStackCom/CoralKM/cmd/flags"
	"github.com/CoralStackCom/CoralKM/interfaces"
	"github.com/CoralStackCom/CoralKM/recovery"
	"github.com/CoralStackCom/CoralKM/sharemanager"
	"github.com/CoralStackCom/CoralKM/walletfacade"
)

var gatewayFlag = &cli.StringFlag{
	Name:     "gateway",
	Required: true,
	Usage:    "gateway identity that provisions or holds the namespace",
}
var guardianFlag = &cli.StringFlag{
	Name:     "guardian",
	Required: true,
	Usage:    "guardian identity to add or remove",
}
var namespaceIDFlag = &cli.StringFlag{
	Name:     "namespace",
	Required: true,
	Usage:    "namespace UUID to recover",
}
var recoveryGuardiansFlag = &cli.StringSliceFlag{
	Name:     "guardian",
	Required: true,
	Usage:    "candidate guardian identity to request recovery from; repeatable",
}
var recoveryCodeFlag = &cli.StringFlag{
	Name:  "code",
	Value: "123456",
	Usage: "verification code to answer every guardian challenge with",
}
var recoveryWaitFlag = &cli.DurationFlag{
	Name:  "wait",
	Value: 30 * time.Second,
	Usage: "how long to wait for the ceremony to finish before reporting its status",
}

func main() {
	app := &cli.App{
		Name:  "coralkm-wallet",
		Usage: "drives the wallet side of CoralKM's guardian and recovery protocol",
		Flags: flags.CommonFlags,
		Commands: []*cli.Command{
			{
				Name:  "provision",
				Usage: "request a namespace from a gateway",
				Flags: []cli.Flag{gatewayFlag},
				Action: func(cCtx *cli.Context) error {
					w, cleanup, err := newFacade(cCtx)
					if err != nil {
						return err
					}
					defer cleanup()

					ns, err := w.ProvisionNamespace(cCtx.Context, interfaces.Identity(cCtx.String(gatewayFlag.Name)))
					if err != nil {
						return err
					}
					return printJSON(ns)
				},
			},
			{
				Name:  "add-guardian",
				Usage: "request guardianship and re-split the DEK across the updated guardian set",
				Flags: []cli.Flag{guardianFlag},
				Action: func(cCtx *cli.Context) error {
					w, cleanup, err := newFacade(cCtx)
					if err != nil {
						return err
					}
					defer cleanup()

					report, err := w.AddGuardian(cCtx.Context, interfaces.Identity(cCtx.String(guardianFlag.Name)))
					if err != nil {
						return err
					}
					return printJSON(report)
				},
			},
			{
				Name:  "remove-guardian",
				Usage: "revoke guardianship and re-split the DEK across the remaining set",
				Flags: []cli.Flag{guardianFlag},
				Action: func(cCtx *cli.Context) error {
					w, cleanup, err := newFacade(cCtx)
					if err != nil {
						return err
					}
					defer cleanup()

					report, err := w.RemoveGuardian(cCtx.Context, interfaces.Identity(cCtx.String(guardianFlag.Name)))
					if err != nil {
						return err
					}
					return printJSON(report)
				},
			},
			{
				Name:  "rotate",
				Usage: "mint a fresh namespace id and re-split/re-sync against it",
				Action: func(cCtx *cli.Context) error {
					w, cleanup, err := newFacade(cCtx)
					if err != nil {
						return err
					}
					defer cleanup()

					ns, err := w.RotateNamespace(cCtx.Context)
					if err != nil {
						return err
					}
					return printJSON(ns)
				},
			},
			{
				Name:  "recover",
				Usage: "run a recovery ceremony against a candidate guardian set and wait for it to finish",
				Flags: []cli.Flag{namespaceIDFlag, gatewayFlag, recoveryGuardiansFlag, recoveryCodeFlag, recoveryWaitFlag},
				Action: func(cCtx *cli.Context) error {
					w, cleanup, err := newFacade(cCtx)
					if err != nil {
						return err
					}
					defer cleanup()

					nsID, err := uuid.Parse(cCtx.String(namespaceIDFlag.Name))
					if err != nil {
						return fmt.Errorf("wallet: invalid --namespace: %w", err)
					}
					ns := interfaces.Namespace{ID: nsID, GatewayID: interfaces.Identity(cCtx.String(gatewayFlag.Name))}
					raw := cCtx.StringSlice(recoveryGuardiansFlag.Name)
					guardians := make([]interfaces.Identity, 0, len(raw))
					for _, g := range raw {
						guardians = append(guardians, interfaces.Identity(g))
					}

					id, err := w.StartRecovery(cCtx.Context, ns, guardians)
					if err != nil {
						return err
					}

					deadline := time.Now().Add(cCtx.Duration(recoveryWaitFlag.Name))
					for time.Now().Before(deadline) {
						status := w.RecoveryStatus()
						if status.State == recovery.StateRestored || status.State == recovery.StateFailed || status.State == recovery.StateExpired {
							break
						}
						time.Sleep(200 * time.Millisecond)
					}

					status := w.RecoveryStatus()
					fmt.Fprintf(os.Stderr, "recovery %s finished in state %s\n", id, status.State)
					return printJSON(status)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newFacade wires the collaborators a single wallet CLI invocation needs:
// a mediator (in-process replies flow back over it the same as a real
// deployment's, whether or not --listen-addr/--peer point anywhere), a
// ShareManager, a RecoveryCoordinator, and the WalletFacade tying them
// together. It returns a cleanup func the caller must run once the command
// finishes so any listening mediator drains and stops.
func newFacade(cCtx *cli.Context) (*walletfacade.WalletFacade, func(), error) {
	log := flags.SetupLogger(cCtx, "coralkm-wallet")
	self := interfaces.Identity(cCtx.String(flags.SelfFlag.Name))

	mediator, err := flags.SetupMediator(cCtx, log)
	if err != nil {
		return nil, nil, fmt.Errorf("wallet: setting up mediator: %w", err)
	}

	shareManager := sharemanager.New(self, mediator, 0, log)
	recoveryCoordinator := recovery.New(recovery.Config{
		Self:      self,
		Mediator:  mediator,
		Responder: recovery.FixedCodeResponder{Code: cCtx.String(recoveryCodeFlag.Name)},
		Log:       log,
	})

	w := walletfacade.New(walletfacade.Config{
		Self:                self,
		Mediator:            mediator,
		ShareManager:        shareManager,
		RecoveryCoordinator: recoveryCoordinator,
		Log:                 log,
	})

	ctx := cCtx.Context
	if err := mediator.Subscribe(self, func(msg interfaces.Message) { w.HandleMessage(ctx, msg) }); err != nil {
		return nil, nil, fmt.Errorf("wallet: subscribing to mediator: %w", err)
	}
	mediator.RunInBackground()
	log.Info("wallet: ready", slog.String("self", self.String()))

	return w, mediator.Shutdown, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
