package obexd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/obexd/config"
	"github.com/opd-ai/obexd/file"
	"github.com/opd-ai/obexd/loop"
	"github.com/opd-ai/obexd/metrics"
	"github.com/opd-ai/obexd/notify"
	"github.com/opd-ai/obexd/opp"
	"github.com/opd-ai/obexd/pbap"
	"github.com/opd-ai/obexd/storage"
	"github.com/opd-ai/obexd/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

var (
	// ErrNotRunning indicates a call before Start or after Stop.
	ErrNotRunning = errors.New("service not running")

	// ErrAlreadyStarted indicates a second Start.
	ErrAlreadyStarted = errors.New("service already started")

	// ErrClosed indicates Start on a service that was stopped or whose
	// earlier Start failed.
	ErrClosed = errors.New("service closed")

	// ErrProfileDisabled indicates a call into a profile the configuration
	// turned off.
	ErrProfileDisabled = errors.New("profile disabled")
)

// Deps overrides the collaborators New would otherwise build from the
// configuration. Every field is optional.
type Deps struct {
	// Transport replaces the TCP or BlueZ transport.
	Transport transport.Transport

	// Fs holds received objects, phonebooks and files to push.
	Fs afero.Fs

	// Provider answers phonebook pulls instead of the directory provider.
	Provider pbap.Provider

	// Notifier receives every event in addition to the log.
	Notifier notify.Notifier

	// Registry collects metrics. A private registry is used when nil.
	Registry *prometheus.Registry
}

// Service runs the OBEX profiles on one control loop. A Service is
// single-use: once stopped, or once Start has failed after the loop was
// running, build a new one with New.
type Service struct {
	cfg *config.Config

	fs        afero.Fs
	loop      *loop.Loop
	transport transport.Transport
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	transfers *file.Manager
	notifier  notify.Notifier

	oppServer  *opp.Server
	pusher     *opp.Pusher
	pbapServer *pbap.Server

	oppService  transport.Service
	pbapService transport.Service

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates cfg and wires the enabled profiles. Nothing listens until
// Start.
func New(cfg *config.Config, deps Deps) (*Service, error) {
	if cfg == nil {
		cfg = config.GetDefaultConfig()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}

	s := &Service{
		cfg:         cfg,
		fs:          deps.Fs,
		loop:        loop.New(),
		transport:   deps.Transport,
		registry:    deps.Registry,
		metrics:     metrics.New(deps.Registry),
		transfers:   file.NewManager(),
		oppService:  transport.OPPService(cfg.Transport.OPPChannel),
		pbapService: transport.PBAPService(cfg.Transport.PBAPChannel),
		done:        make(chan struct{}),
	}
	s.notifier = notify.Multi{notify.LogNotifier{}, s.metrics, deps.Notifier}

	if cfg.OPP.Enabled {
		store, err := storage.NewFSStore(deps.Fs, cfg.OPP.DownloadDir)
		if err != nil {
			return nil, err
		}
		s.oppServer = opp.NewServer(opp.ServerDeps{
			Scheduler: s.loop,
			Store:     store,
			Notifier:  s.notifier,
			Transfers: s.transfers,
			Metrics:   s.metrics,
		}, opp.ServerOptions{
			AutoAccept:      cfg.OPP.AutoAccept,
			MaxPacketLength: cfg.OPP.MaxPacketLength,
		})
	}

	if cfg.PBAP.Enabled {
		provider := deps.Provider
		if provider == nil {
			provider = pbap.NewDirectoryProvider(deps.Fs, cfg.PBAP.PhonebookDir)
		}
		s.pbapServer = pbap.NewServer(pbap.ServerDeps{
			Scheduler: s.loop,
			Provider:  provider,
			Notifier:  s.notifier,
			Metrics:   s.metrics,
		}, pbap.ServerOptions{
			AutoAccept:      cfg.PBAP.AutoAccept,
			Password:        cfg.PBAP.Password,
			SRMInterval:     cfg.PBAP.SRMInterval,
			MaxPacketLength: cfg.PBAP.MaxPacketLength,
		})
	}
	return s, nil
}

func (s *Service) newTransport() (transport.Transport, error) {
	retry := transport.RetryPolicy{
		Window:   s.cfg.Transport.RetryWindow,
		Interval: s.cfg.Transport.RetryInterval,
	}
	switch s.cfg.Transport.Kind {
	case config.TransportBluez:
		return transport.NewBluezTransport(retry)
	default:
		return transport.NewTCPTransport(map[uuid.UUID]string{
			transport.OPPUUID:  s.cfg.Transport.OPPAddress,
			transport.PBAPUUID: s.cfg.Transport.PBAPAddress,
		}, retry), nil
	}
}

// Start runs the control loop, listens for the enabled profiles and, when
// configured, serves metrics until ctx ends or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	if s.transport == nil {
		t, err := s.newTransport()
		if err != nil {
			return err
		}
		s.transport = t
	}

	s.loop.Start()
	if s.oppServer != nil {
		if err := s.transport.Listen(s.oppService, s.oppServer); err != nil {
			s.abortStart()
			return fmt.Errorf("listen for object push: %w", err)
		}
		s.pusher = opp.NewPusher(opp.PusherDeps{
			Scheduler: s.loop,
			Transport: s.transport,
			Service:   s.oppService,
			Notifier:  s.notifier,
			Transfers: s.transfers,
			Metrics:   s.metrics,
		}, opp.PusherOptions{MaxPacketLength: s.cfg.OPP.MaxPacketLength})
	}
	if s.pbapServer != nil {
		if err := s.transport.Listen(s.pbapService, s.pbapServer); err != nil {
			s.abortStart()
			return fmt.Errorf("listen for phonebook access: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	go s.run(runCtx)

	logrus.WithFields(logrus.Fields{
		"function":  "Start",
		"transport": s.cfg.Transport.Kind,
		"opp":       s.oppServer != nil,
		"pbap":      s.pbapServer != nil,
	}).Info("OBEX service started")
	return nil
}

// abortStart releases what a failed Start acquired. The loop cannot be
// restarted, so the service is closed for good. Caller holds s.mu.
func (s *Service) abortStart() {
	_ = s.transport.Close()
	s.loop.Stop()
	s.stopped = true
	close(s.done)
}

// run owns the metrics endpoint and closes done once ctx ends.
func (s *Service) run(ctx context.Context) {
	defer close(s.done)
	if !s.cfg.Metrics.Enabled {
		<-ctx.Done()
		return
	}
	srv := metrics.NewServer(s.cfg.Metrics.Port, s.registry)
	if err := srv.Start(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"error":    err.Error(),
		}).Error("Metrics server stopped")
		<-ctx.Done()
	}
}

// Stop closes every link, drains the control loop and waits for the
// metrics endpoint, giving up when ctx ends first.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if s.pusher != nil {
		s.pusher.Close()
	}
	s.cancel()

	stopped := make(chan error, 1)
	go func() {
		err := s.transport.Close()
		s.loop.Stop()
		<-s.done
		stopped <- err
	}()

	select {
	case err := <-stopped:
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
		}).Info("OBEX service stopped")
		return err
	case <-ctx.Done():
		return fmt.Errorf("stop OBEX service: %w", ctx.Err())
	}
}

// Done is closed once the service has stopped or failed to start.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

// SendFile queues the file at path for address. Files queued for the same
// address share one session.
func (s *Service) SendFile(address, path string) error {
	src, err := file.NewLocalFile(s.fs, path)
	if err != nil {
		return err
	}
	return s.Send(address, src)
}

// Send queues src for address.
func (s *Service) Send(address string, src file.Source) error {
	if s.oppServer == nil {
		return fmt.Errorf("%w: opp", ErrProfileDisabled)
	}
	if !s.running() || !s.pusher.SendFile(address, src) {
		return ErrNotRunning
	}
	return nil
}

// CancelSending stops the batch being sent. Its unsent files fail.
func (s *Service) CancelSending() error {
	if s.oppServer == nil {
		return fmt.Errorf("%w: opp", ErrProfileDisabled)
	}
	if !s.running() || !s.pusher.Cancel() {
		return ErrNotRunning
	}
	return nil
}

// ConfirmReceivingFile answers a ReceivingConfirmation event.
func (s *Service) ConfirmReceivingFile(accept bool) error {
	if s.oppServer == nil {
		return fmt.Errorf("%w: opp", ErrProfileDisabled)
	}
	if !s.running() {
		return ErrNotRunning
	}
	s.oppServer.ConfirmReceivingFile(accept)
	return nil
}

// StopReceiving cancels the object being received.
func (s *Service) StopReceiving() error {
	if s.oppServer == nil {
		return fmt.Errorf("%w: opp", ErrProfileDisabled)
	}
	if !s.running() {
		return ErrNotRunning
	}
	s.oppServer.StopReceiving()
	return nil
}

// ReplyToConnectionRequest answers a phonebook ConnectionRequest event.
func (s *Service) ReplyToConnectionRequest(accept bool) error {
	if s.pbapServer == nil {
		return fmt.Errorf("%w: pbap", ErrProfileDisabled)
	}
	if !s.running() {
		return ErrNotRunning
	}
	s.pbapServer.ReplyToConnectionRequest(accept)
	return nil
}

// ReplyToAuthChallenge answers a PasswordRequest event. An empty password
// refuses the connection.
func (s *Service) ReplyToAuthChallenge(password string) error {
	if s.pbapServer == nil {
		return fmt.Errorf("%w: pbap", ErrProfileDisabled)
	}
	if !s.running() {
		return ErrNotRunning
	}
	s.pbapServer.ReplyToAuthChallenge(password)
	return nil
}

// CancelTransfer stops the transfer listed under id. An outgoing transfer
// cancels its whole batch; an incoming one is refused on the peer's next PUT.
func (s *Service) CancelTransfer(id uint64) error {
	t, err := s.transfers.GetTransfer(id)
	if err != nil {
		return err
	}
	if t.Direction == file.TransferDirectionOutgoing {
		return s.CancelSending()
	}
	return s.StopReceiving()
}

// Transfers lists the objects in flight in either direction.
func (s *Service) Transfers() []file.Entry {
	return s.transfers.List()
}

// Gatherer exposes the metrics registry.
func (s *Service) Gatherer() prometheus.Gatherer { return s.registry }

// OPPAddr returns the bound Object Push address when the transport is TCP.
func (s *Service) OPPAddr() net.Addr { return s.tcpAddr(s.oppService) }

// PBAPAddr returns the bound Phonebook Access address when the transport
// is TCP.
func (s *Service) PBAPAddr() net.Addr { return s.tcpAddr(s.pbapService) }

func (s *Service) tcpAddr(svc transport.Service) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.transport.(*transport.TCPTransport); ok {
		return t.Addr(svc)
	}
	return nil
}
