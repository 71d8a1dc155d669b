//go:build linux

package transport

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	bluezService        = "org.bluez"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	deviceIface         = "org.bluez.Device1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	profileRoot         = "/org/opd_ai/obexd/profile"
)

var profileCounter uint64

// BluezTransport carries OBEX over RFCOMM sockets handed out by BlueZ
// through org.bluez.Profile1.
type BluezTransport struct {
	mu      sync.Mutex
	bus     *dbus.Conn
	retry   RetryPolicy
	closed  bool
	clients map[string]*bluezProfile
	conns   map[*StreamConn]struct{}
	cleanup []func()
}

// NewBluezTransport connects to the system bus.
func NewBluezTransport(retry RetryPolicy) (Transport, error) {
	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect system bus: %w", ErrTransport, err)
	}
	t := &BluezTransport{
		bus:     bus,
		retry:   retry,
		clients: make(map[string]*bluezProfile),
		conns:   make(map[*StreamConn]struct{}),
	}
	t.cleanup = append(t.cleanup, func() { bus.Close() })
	return t, nil
}

// bluezProfile implements org.bluez.Profile1.
type bluezProfile struct {
	t       *BluezTransport
	svc     Service
	server  bool
	mu      sync.Mutex
	handler Handler
	waiting chan *StreamConn
}

// Release is called when BlueZ drops the profile.
func (p *bluezProfile) Release() *dbus.Error { return nil }

// Cancel is called when a pending request is cancelled.
func (p *bluezProfile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; the read loop notices the socket closing.
func (p *bluezProfile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection wraps the RFCOMM socket and starts delivering packets.
func (p *bluezProfile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	f := os.NewFile(uintptr(fd), "rfcomm")
	mac := macFromPath(dev)

	p.mu.Lock()
	h := p.handler
	waiting := p.waiting
	p.mu.Unlock()

	if h == nil || (!p.server && waiting == nil) {
		_ = f.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}

	sc, err := p.t.track(f, mac, h)
	if err != nil {
		_ = f.Close()
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{err.Error()}}
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewConnection",
		"service":  p.svc.Name,
		"remote":   mac,
		"server":   p.server,
	}).Info("RFCOMM connection established")

	if !p.server {
		select {
		case waiting <- sc:
		default:
			sc.Close()
			return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"connect not pending"}}
		}
	}
	sc.Start()
	return nil
}

func (t *BluezTransport) track(f *os.File, remote string, h Handler) (*StreamConn, error) {
	sc := NewStreamConn(f, remote, h, false)
	sc.onClose = t.untrack

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("%w: transport closed", ErrTransport)
	}
	t.conns[sc] = struct{}{}
	return sc, nil
}

func (t *BluezTransport) untrack(sc *StreamConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, sc)
}

// registerLocked exports a profile object and registers it with BlueZ.
func (t *BluezTransport) registerLocked(p *bluezProfile) error {
	id := atomic.AddUint64(&profileCounter, 1)
	role := "client"
	if p.server {
		role = "server"
	}
	path := dbus.ObjectPath(profileRoot + "/" + role + strconv.FormatUint(id, 10))
	if err := t.bus.Export(p, path, profileIface); err != nil {
		return fmt.Errorf("%w: export %s profile: %w", ErrTransport, role, err)
	}

	opts := map[string]dbus.Variant{
		"Role": dbus.MakeVariant(role),
	}
	if p.server {
		opts["Name"] = dbus.MakeVariant(p.svc.Name)
		opts["Channel"] = dbus.MakeVariant(p.svc.Channel)
		opts["RequireAuthentication"] = dbus.MakeVariant(false)
		opts["RequireAuthorization"] = dbus.MakeVariant(false)
	}

	pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, p.svc.UUID.String(), opts); call.Err != nil {
		_ = t.bus.Export(nil, path, profileIface)
		return fmt.Errorf("%w: RegisterProfile(%s): %w", ErrTransport, p.svc.Name, call.Err)
	}
	t.cleanup = append(t.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		_ = t.bus.Export(nil, path, profileIface)
	})

	logrus.WithFields(logrus.Fields{
		"function": "registerLocked",
		"service":  p.svc.Name,
		"role":     role,
		"channel":  p.svc.Channel,
		"path":     path,
	}).Info("Registered Bluetooth profile")
	return nil
}

// Listen registers a server profile for svc on its RFCOMM channel.
func (t *BluezTransport) Listen(svc Service, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("%w: transport closed", ErrTransport)
	}
	return t.registerLocked(&bluezProfile{t: t, svc: svc, server: true, handler: h})
}

// Connect asks BlueZ to connect svc on the device with the given MAC.
// ConnectProfile is retried while the peer's SDP record is resolved.
func (t *BluezTransport) Connect(ctx context.Context, address string, svc Service, h Handler) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: transport closed", ErrTransport)
	}
	key := svc.UUID.String()
	p, ok := t.clients[key]
	if !ok {
		p = &bluezProfile{t: t, svc: svc}
		if err := t.registerLocked(p); err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.clients[key] = p
	}
	bus := t.bus
	t.mu.Unlock()

	p.mu.Lock()
	if p.waiting != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: connect to %s already pending", ErrTransport, svc.Name)
	}
	waiting := make(chan *StreamConn, 1)
	p.waiting = waiting
	p.handler = h
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.waiting = nil
		p.mu.Unlock()
	}()

	devPath, err := findDevice(bus, address)
	if err != nil {
		return nil, err
	}

	dev := bus.Object(bluezService, devPath)
	err = Retry(ctx, t.retry, "ConnectProfile "+address, func(ctx context.Context) error {
		call := dev.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, svc.UUID.String())
		if call.Err == nil {
			return nil
		}
		if isRetryable(call.Err) {
			return call.Err
		}
		return Permanent(call.Err)
	})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: connect to %s: %w", ErrTransport, address, ctx.Err())
	case sc := <-waiting:
		return sc, nil
	}
}

// Close unregisters every profile, closes open links and the bus.
func (t *BluezTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cleanup := t.cleanup
	t.cleanup = nil
	conns := make([]*StreamConn, 0, len(t.conns))
	for sc := range t.conns {
		conns = append(conns, sc)
	}
	t.mu.Unlock()

	for _, sc := range conns {
		sc.Close()
	}
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

// isRetryable reports whether a ConnectProfile failure may clear once SDP
// resolution finishes.
func isRetryable(err error) bool {
	msg := err.Error()
	for _, s := range []string{"profile-unavailable", "InProgress", "page-timeout", "busy"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func findDevice(bus *dbus.Conn, address string) (dbus.ObjectPath, error) {
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if call := obj.Call(objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return "", fmt.Errorf("%w: GetManagedObjects: %w", ErrTransport, call.Err)
	} else if err := call.Store(&objs); err != nil {
		return "", fmt.Errorf("%w: decode GetManagedObjects: %w", ErrTransport, err)
	}

	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		mac := macFromPath(path)
		if v, ok := props["Address"]; ok {
			if s, ok := v.Value().(string); ok && s != "" {
				mac = s
			}
		}
		if strings.EqualFold(mac, address) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: device %s not known to BlueZ", ErrTransport, address)
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
