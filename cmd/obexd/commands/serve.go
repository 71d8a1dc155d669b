package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/obexd"
	"github.com/opd-ai/obexd/config"
	"github.com/opd-ai/obexd/notify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve Object Push and Phonebook Access",
	Long: `Listen for OPP and PBAP connections until interrupted.

Incoming objects and phonebook connections are accepted according to
opp.auto_accept and pbap.auto_accept; without auto-accept they are refused,
since there is nobody to ask.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	closer, err := config.SetupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &refuser{}
	svc, err := obexd.New(cfg, obexd.Deps{Notifier: r})
	if err != nil {
		return err
	}
	r.svc = svc
	if err := svc.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logrus.WithFields(logrus.Fields{
		"function": "runServe",
	}).Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return svc.Stop(stopCtx)
}

// refuser declines every request that needs an answer from a user.
type refuser struct {
	svc *obexd.Service
}

func (r *refuser) Notify(ev notify.Event) {
	var err error
	switch ev.Kind {
	case notify.KindReceivingConfirmation:
		err = r.svc.ConfirmReceivingFile(false)
	case notify.KindConnectionRequest:
		err = r.svc.ReplyToConnectionRequest(false)
	case notify.KindPasswordRequest:
		err = r.svc.ReplyToAuthChallenge("")
	default:
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "refuser.Notify",
		"event":    ev.Kind.String(),
		"address":  ev.Address,
	}).Warn("No user to answer, refusing")
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "refuser.Notify",
			"error":    err.Error(),
		}).Error("Cannot refuse request")
	}
}
