package ble

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/badgelink/internal/badge"
)

// MTU negotiation and watchdog defaults.
const (
	DefaultMTU      = 512
	MinMTU          = 128
	DefaultWatchdog = 15 * time.Second
)

// State is a GattSession state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateServicesDiscovering
	StateMTUNegotiating
	StateBound
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateServicesDiscovering:
		return "services-discovering"
	case StateMTUNegotiating:
		return "mtu-negotiating"
	case StateBound:
		return "bound"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Bindings holds the discovered characteristic for each logical name. A nil
// slot is unbound.
type Bindings [badge.NumServiceNames]Characteristic

// Count returns the number of bound slots.
func (b *Bindings) Count() int {
	n := 0
	for _, c := range b {
		if c != nil {
			n++
		}
	}
	return n
}

// Get returns the characteristic bound to name.
func (b *Bindings) Get(name badge.ServiceName) (Characteristic, bool) {
	if name < 0 || name >= badge.NumServiceNames || b[name] == nil {
		return nil, false
	}
	return b[name], true
}

// Lookup returns the logical name bound to c.
func (b *Bindings) Lookup(c Characteristic) (badge.ServiceName, bool) {
	for i, bc := range b {
		if bc != nil && bc.UUID() == c.UUID() {
			return badge.ServiceName(i), true
		}
	}
	return 0, false
}

// WriteError reports an asynchronous write that the badge rejected.
// Descriptor is set when the failed write was a notification enable.
type WriteError struct {
	Name       badge.ServiceName
	Descriptor bool
	Err        error
}

func (e *WriteError) Error() string {
	if e.Descriptor {
		return fmt.Sprintf("ble: enable notifications on %s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("ble: write %s: %v", e.Name, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// SessionListener receives session outcomes on the event loop.
type SessionListener interface {
	ServicesDiscovered(bound bool)
	MTUChanged(mtu int)
	TransactionReceived(value []byte)
	// Failed reports badge.ErrConnectionTimeout, badge.ErrMTUExhausted, a
	// *WriteError, or a wrapped platform error.
	Failed(err error)
	Disconnected()
}

// SessionOptions configures the session state machine.
type SessionOptions struct {
	Watchdog time.Duration // bind deadline measured from connect
	MTU      int           // first MTU requested
	MinMTU   int           // negotiation floor
}

// DefaultSessionOptions returns the badge defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Watchdog: DefaultWatchdog,
		MTU:      DefaultMTU,
		MinMTU:   MinMTU,
	}
}

// Session is the GATT connection state machine for one badge.
type Session struct {
	adapter Adapter
	post    func(func())
	opts    SessionOptions

	identity *badge.Identity
	listener SessionListener
	device   Device
	link     Link
	gen      uint64

	state         State
	connected     bool
	servicesBound bool
	bindings      Bindings
	targetMTU     int
	mtu           int
	watchdog      *time.Timer
}

// NewSession creates an idle session. post must run its argument on the
// owning event loop.
func NewSession(a Adapter, post func(func()), opts SessionOptions) *Session {
	if opts.Watchdog <= 0 {
		opts.Watchdog = DefaultWatchdog
	}
	if opts.MTU <= 0 {
		opts.MTU = DefaultMTU
	}
	if opts.MinMTU <= 0 {
		opts.MinMTU = MinMTU
	}
	return &Session{adapter: a, post: post, opts: opts, mtu: opts.MTU, targetMTU: opts.MTU}
}

// State returns the current connection state.
func (s *Session) State() State { return s.state }

// Connected reports whether a link is up.
func (s *Session) Connected() bool { return s.link != nil && s.connected }

// ServicesBound reports whether discovery bound at least one characteristic.
func (s *Session) ServicesBound() bool { return s.servicesBound }

// MTU returns the negotiated MTU, or the requested one before negotiation.
func (s *Session) MTU() int { return s.mtu }

// Device returns the device of the current or last link.
func (s *Session) Device() Device { return s.device }

// BoundCount returns the number of bound characteristics.
func (s *Session) BoundCount() int { return s.bindings.Count() }

// Bound reports whether name has a discovered characteristic.
func (s *Session) Bound(name badge.ServiceName) bool {
	_, ok := s.bindings.Get(name)
	return ok
}

// Connect opens a link to dev, releasing any previous link first, and starts
// the bind watchdog.
func (s *Session) Connect(id *badge.Identity, dev Device, l SessionListener) error {
	if s.link != nil {
		slog.Info("[GATT] releasing previous link before connect", "address", s.device.Address)
	}
	s.teardown(true)

	s.gen++
	gen := s.gen
	s.identity = id
	s.listener = l
	s.device = dev
	s.state = StateConnecting
	s.targetMTU = s.opts.MTU
	s.mtu = s.opts.MTU
	s.watchdog = time.AfterFunc(s.opts.Watchdog, func() {
		s.post(func() { s.handleWatchdog(gen) })
	})

	link, err := s.adapter.Connect(dev, &linkCallback{s: s, gen: gen})
	if err != nil {
		s.teardown(false)
		return fmt.Errorf("ble: connect to %s: %w", dev.Address, err)
	}
	s.link = link
	slog.Info("[GATT] connecting", "address", dev.Address, "watchdog", s.opts.Watchdog)

	if inv, ok := link.(AttributeCacheInvalidator); ok {
		if err := inv.InvalidateAttributeCache(); err != nil {
			slog.Warn("[GATT] attribute cache invalidation failed", "error", err)
		}
	}
	return nil
}

// Disconnect releases the link and clears bindings. It reports whether there
// was anything to tear down; calling it again is a no-op.
func (s *Session) Disconnect() bool {
	if s.link == nil && (s.state == StateIdle || s.state == StateDisconnected) {
		return false
	}
	s.teardown(true)
	slog.Info("[GATT] disconnected", "address", s.device.Address)
	return true
}

// Write writes value to the characteristic bound to name.
func (s *Session) Write(name badge.ServiceName, value []byte) error {
	c, err := s.bound(name)
	if err != nil {
		return err
	}
	if err := s.link.WriteCharacteristic(c, value); err != nil {
		return fmt.Errorf("ble: write %s: %w", name, err)
	}
	return nil
}

// EnableNotifications turns on value-change notifications for name.
func (s *Session) EnableNotifications(name badge.ServiceName) error {
	c, err := s.bound(name)
	if err != nil {
		return err
	}
	if err := s.link.EnableNotifications(c); err != nil {
		return fmt.Errorf("ble: enable notifications on %s: %w", name, err)
	}
	return nil
}

func (s *Session) bound(name badge.ServiceName) (Characteristic, error) {
	if !s.Connected() {
		return nil, badge.ErrNotConnected
	}
	c, ok := s.bindings.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", badge.ErrCharacteristicNotBound, name)
	}
	return c, nil
}

// teardown stops the watchdog, optionally disconnects the link, and drops
// every callback still in flight for it.
func (s *Session) teardown(release bool) {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	s.gen++
	if release && s.link != nil {
		if err := s.link.Disconnect(); err != nil {
			slog.Debug("[GATT] link disconnect", "error", err)
		}
	}
	s.link = nil
	s.connected = false
	s.servicesBound = false
	s.bindings = Bindings{}
	if s.state != StateIdle {
		s.state = StateDisconnected
	}
}

// fail tears the session down and reports err.
func (s *Session) fail(err error) {
	l := s.listener
	s.teardown(true)
	if l != nil {
		l.Failed(err)
	}
}

func (s *Session) handleConnectionState(connected bool, err error) {
	switch {
	case err != nil:
		slog.Warn("[GATT] connection failed", "address", s.device.Address, "error", err)
		s.fail(fmt.Errorf("ble: connect to %s: %w", s.device.Address, err))
	case connected:
		if s.state != StateConnecting {
			return
		}
		s.connected = true
		s.state = StateServicesDiscovering
		slog.Debug("[GATT] connected, discovering services")
		if err := s.link.DiscoverServices(); err != nil {
			s.listener.Failed(fmt.Errorf("ble: discover services: %w", err))
		}
	default:
		l := s.listener
		slog.Warn("[GATT] link dropped", "address", s.device.Address, "state", s.state)
		s.teardown(false)
		if l != nil {
			l.Disconnected()
		}
	}
}

func (s *Session) handleServicesDiscovered(services []Service, err error) {
	if s.state != StateServicesDiscovering {
		return
	}
	if err != nil {
		slog.Warn("[GATT] service discovery failed", "error", err)
		s.listener.Failed(fmt.Errorf("ble: discover services: %w", err))
		return
	}

	s.bindings = Bindings{}
	for _, svc := range services {
		if svc.UUID != s.identity.ServiceID {
			continue
		}
		for _, c := range svc.Characteristics {
			if name, ok := s.identity.NameFor(c.UUID()); ok {
				slog.Debug("[GATT] bound characteristic", "name", name, "uuid", c.UUID())
				s.bindings[name] = c
			}
		}
	}
	s.servicesBound = s.bindings.Count() > 0
	if s.servicesBound && s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
	slog.Info("[GATT] services discovered", "bound", s.servicesBound, "count", s.bindings.Count())
	s.listener.ServicesDiscovered(s.servicesBound)

	s.state = StateMTUNegotiating
	s.requestMTU()
}

func (s *Session) requestMTU() {
	slog.Debug("[GATT] requesting mtu", "mtu", s.targetMTU)
	if err := s.link.RequestMTU(s.targetMTU); err != nil {
		s.handleMTUChanged(0, err)
	}
}

func (s *Session) handleMTUChanged(mtu int, err error) {
	if s.state != StateMTUNegotiating {
		return
	}
	if err == nil {
		s.mtu = mtu
		s.state = StateBound
		slog.Info("[GATT] mtu changed", "mtu", mtu)
		s.listener.MTUChanged(mtu)
		return
	}

	next := s.targetMTU / 2
	if next < s.opts.MinMTU {
		slog.Error("[GATT] mtu negotiation exhausted", "last", s.targetMTU, "floor", s.opts.MinMTU)
		s.fail(fmt.Errorf("%w: last tried %d", badge.ErrMTUExhausted, s.targetMTU))
		return
	}
	slog.Warn("[GATT] mtu negotiation failed, retrying", "mtu", s.targetMTU, "next", next, "error", err)
	s.targetMTU = next
	s.requestMTU()
}

func (s *Session) handleCharacteristicChanged(c Characteristic) {
	txn, ok := s.bindings.Get(badge.Txn)
	if !ok || c.UUID() != txn.UUID() {
		return
	}
	// Notifications carry no payload guarantee; read the value explicitly.
	if err := s.link.ReadCharacteristic(txn); err != nil {
		slog.Warn("[GATT] read txn", "error", err)
	}
}

func (s *Session) handleCharacteristicRead(c Characteristic, value []byte, err error) {
	txn, ok := s.bindings.Get(badge.Txn)
	if !ok || c.UUID() != txn.UUID() {
		return
	}
	if err != nil {
		slog.Warn("[GATT] read txn failed", "error", err)
		return
	}
	s.listener.TransactionReceived(bytes.Clone(value))
}

func (s *Session) handleCharacteristicWrite(c Characteristic, err error) {
	if err != nil {
		slog.Warn("[GATT] characteristic write failed", "uuid", c.UUID(), "error", err)
		s.listener.Failed(s.writeError(c, false, err))
		return
	}
	slog.Debug("[GATT] characteristic written", "uuid", c.UUID())
}

func (s *Session) handleDescriptorWrite(c Characteristic, err error) {
	if err != nil {
		slog.Warn("[GATT] enable notifications failed", "uuid", c.UUID(), "error", err)
		s.listener.Failed(s.writeError(c, true, err))
		return
	}
	slog.Debug("[GATT] notifications enabled", "uuid", c.UUID())
}

func (s *Session) writeError(c Characteristic, descriptor bool, err error) error {
	name, ok := s.bindings.Lookup(c)
	if !ok {
		if descriptor {
			return fmt.Errorf("ble: enable notifications on %s: %w", c.UUID(), err)
		}
		return fmt.Errorf("ble: write %s: %w", c.UUID(), err)
	}
	return &WriteError{Name: name, Descriptor: descriptor, Err: err}
}

func (s *Session) handleWatchdog(gen uint64) {
	if gen != s.gen || s.servicesBound {
		return
	}
	slog.Warn("[GATT] services not bound before watchdog", "address", s.device.Address, "state", s.state)
	s.fail(badge.ErrConnectionTimeout)
}

// linkCallback marshals platform callbacks onto the event loop, dropping
// those from a superseded link.
type linkCallback struct {
	s   *Session
	gen uint64
}

func (cb *linkCallback) dispatch(fn func()) {
	cb.s.post(func() {
		if cb.gen != cb.s.gen {
			return
		}
		fn()
	})
}

func (cb *linkCallback) OnConnectionStateChange(connected bool, err error) {
	cb.dispatch(func() { cb.s.handleConnectionState(connected, err) })
}

func (cb *linkCallback) OnServicesDiscovered(services []Service, err error) {
	cb.dispatch(func() { cb.s.handleServicesDiscovered(services, err) })
}

func (cb *linkCallback) OnMTUChanged(mtu int, err error) {
	cb.dispatch(func() { cb.s.handleMTUChanged(mtu, err) })
}

func (cb *linkCallback) OnCharacteristicRead(c Characteristic, value []byte, err error) {
	value = bytes.Clone(value)
	cb.dispatch(func() { cb.s.handleCharacteristicRead(c, value, err) })
}

func (cb *linkCallback) OnCharacteristicWrite(c Characteristic, err error) {
	cb.dispatch(func() { cb.s.handleCharacteristicWrite(c, err) })
}

func (cb *linkCallback) OnCharacteristicChanged(c Characteristic) {
	cb.dispatch(func() { cb.s.handleCharacteristicChanged(c) })
}

func (cb *linkCallback) OnDescriptorWrite(c Characteristic, err error) {
	cb.dispatch(func() { cb.s.handleDescriptorWrite(c, err) })
}
