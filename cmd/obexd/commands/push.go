package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/opd-ai/obexd"
	"github.com/opd-ai/obexd/config"
	"github.com/opd-ai/obexd/notify"
	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push <address> <file>...",
	Short: "Push files to a device with Object Push",
	Long: `Send one or more files to address, a Bluetooth MAC with the bluez
transport or host:port with tcp. All files share one OBEX session.

Examples:
  obexd push 00:1A:7D:DA:71:13 photo.jpg notes.txt
  OBEXD_TRANSPORT_KIND=tcp obexd push 127.0.0.1:6509 photo.jpg`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPush,
}

// completions counts finished outbound files.
type completions struct {
	mu      sync.Mutex
	pending int
	failed  int
	done    chan struct{}
	out     func(format string, args ...any)
}

func (c *completions) Notify(ev notify.Event) {
	if ev.Kind != notify.KindTransferComplete || ev.Direction != notify.Outbound {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Success {
		c.out("sent %s (%d bytes)\n", ev.FileName, ev.FileLength)
	} else {
		c.failed++
		c.out("failed %s: %v\n", ev.FileName, ev.Err)
	}
	c.pending--
	if c.pending == 0 {
		close(c.done)
	}
}

func runPush(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	closer, err := config.SetupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	// Pushing needs only the client side. Nothing listens for PBAP and
	// received objects are not expected.
	cfg.PBAP.Enabled = false
	cfg.Transport.OPPAddress = "127.0.0.1:0"

	address, files := args[0], args[1:]
	tracker := &completions{pending: len(files), done: make(chan struct{}), out: cmd.Printf}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := obexd.New(cfg, obexd.Deps{Notifier: tracker})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = svc.Stop(stopCtx)
	}()

	for _, path := range files {
		if err := svc.SendFile(address, path); err != nil {
			return err
		}
	}

	select {
	case <-tracker.done:
	case <-ctx.Done():
		_ = svc.CancelSending()
		return ctx.Err()
	}
	if tracker.failed > 0 {
		return fmt.Errorf("%d of %d files failed", tracker.failed, len(files))
	}
	return nil
}
