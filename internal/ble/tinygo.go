package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// maxReadSize bounds a single characteristic read.
const maxReadSize = 512

const (
	// scanStopWait bounds how long a stop waits for the platform scan to end.
	scanStopWait = 2 * time.Second
	// scanStopRetry is the interval between stop attempts while the scan
	// goroutine has not entered the platform scan yet.
	scanStopRetry = 20 * time.Millisecond
)

var (
	errScanRunning = errors.New("ble: scan already running")
	errScanStuck   = errors.New("ble: scan did not stop")
)

// scanRunner runs one blocking platform scan at a time. start and halt are
// called from a single goroutine.
type scanRunner struct {
	scan func(report func(Advertisement)) error
	stop func() error

	mu       sync.Mutex
	done     chan struct{} // closed when the running scan returns; nil when idle
	stopping bool
}

func (r *scanRunner) start(handler func(Advertisement)) error {
	r.mu.Lock()
	if prev := r.done; prev != nil {
		if !r.stopping {
			r.mu.Unlock()
			return errScanRunning
		}
		r.mu.Unlock()
		if !waitClosed(prev, scanStopWait) {
			return errScanStuck
		}
		r.mu.Lock()
		if r.done != nil {
			r.mu.Unlock()
			return errScanRunning
		}
	}
	done := make(chan struct{})
	r.done = done
	r.stopping = false
	r.mu.Unlock()

	go func() {
		err := r.scan(func(adv Advertisement) {
			r.mu.Lock()
			live := r.done == done && !r.stopping
			r.mu.Unlock()
			if live {
				handler(adv)
			}
		})
		if err != nil {
			slog.Warn("[BLE] scan ended", "error", err)
		}
		r.mu.Lock()
		if r.done == done {
			r.done = nil
			r.stopping = false
		}
		r.mu.Unlock()
		close(done)
	}()
	return nil
}

// halt stops the running scan and waits for it to return.
func (r *scanRunner) halt() error {
	r.mu.Lock()
	done := r.done
	if done == nil {
		r.mu.Unlock()
		return nil
	}
	r.stopping = true
	r.mu.Unlock()

	deadline := time.NewTimer(scanStopWait)
	defer deadline.Stop()
	retry := time.NewTicker(scanStopRetry)
	defer retry.Stop()

	for {
		select {
		case <-done:
			return nil
		default:
		}
		// Until the goroutine is inside the platform scan, stop reports
		// that nothing is scanning.
		err := r.stop()
		select {
		case <-done:
			return nil
		case <-deadline.C:
			return errors.Join(errScanStuck, err)
		case <-retry.C:
		}
	}
}

func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// TinyGoAdapter wraps tinygo-org/bluetooth. Its blocking calls run on their
// own goroutines and report through LinkCallback.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	scan    *scanRunner

	// mu protects links.
	mu    sync.Mutex
	links map[string]*tinygoLink // keyed by device address
}

// NewTinyGoAdapter creates an adapter on the platform's default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	a := &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*tinygoLink),
	}
	a.scan = &scanRunner{scan: a.runScan, stop: a.adapter.StopScan}
	return a
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Connection success is reported by Connect itself; only drops are
	// routed from the adapter-level handler.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.mu.Lock()
		link, ok := a.links[device.Address.String()]
		a.mu.Unlock()
		if ok {
			link.cb.OnConnectionStateChange(false, nil)
		}
	})
	return nil
}

func (a *TinyGoAdapter) RawAdvertisements() bool { return rawAdvertisements }

func (a *TinyGoAdapter) StartScan(handler func(Advertisement)) error {
	return a.scan.start(handler)
}

func (a *TinyGoAdapter) StopScan() error {
	return a.scan.halt()
}

// runScan blocks in the platform scan until it is stopped.
func (a *TinyGoAdapter) runScan(report func(Advertisement)) error {
	return a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		report(Advertisement{
			Device: Device{
				Name:    result.LocalName(),
				Address: result.Address.String(),
				RSSI:    int(result.RSSI),
			},
			Raw: result.Bytes(),
			HasService: func(u uuid.UUID) bool {
				return result.HasServiceUUID(toBluetoothUUID(u))
			},
		})
	})
}

func (a *TinyGoAdapter) Connect(dev Device, cb LinkCallback) (Link, error) {
	// On macOS, bluetooth.Address wraps a UUID, not a MAC.
	// Address.Set() parses either form.
	var addr bluetooth.Address
	addr.Set(dev.Address)

	link := &tinygoLink{adapter: a, address: dev.Address, cb: cb}

	a.mu.Lock()
	if prev, ok := a.links[dev.Address]; ok {
		prev.release()
	}
	a.links[dev.Address] = link
	a.mu.Unlock()

	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			a.forget(link)
			cb.OnConnectionStateChange(false, err)
			return
		}
		link.mu.Lock()
		if link.closed {
			link.mu.Unlock()
			_ = device.Disconnect()
			return
		}
		link.device = &device
		link.mu.Unlock()
		cb.OnConnectionStateChange(true, nil)
	}()
	return link, nil
}

func (a *TinyGoAdapter) forget(link *tinygoLink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.links[link.address] == link {
		delete(a.links, link.address)
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinygoLink struct {
	adapter *TinyGoAdapter
	address string
	cb      LinkCallback

	mu     sync.Mutex
	device *bluetooth.Device
	chars  []*tinygoCharacteristic
	closed bool
}

var errLinkDown = errors.New("ble: link not connected")

func (l *tinygoLink) connectedDevice() (*bluetooth.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device == nil || l.closed {
		return nil, errLinkDown
	}
	return l.device, nil
}

func (l *tinygoLink) DiscoverServices() error {
	device, err := l.connectedDevice()
	if err != nil {
		return err
	}
	go func() {
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			l.cb.OnServicesDiscovered(nil, err)
			return
		}
		var services []Service
		var all []*tinygoCharacteristic
		for i := range svcs {
			chars, err := svcs[i].DiscoverCharacteristics(nil)
			if err != nil {
				l.cb.OnServicesDiscovered(nil, fmt.Errorf("discover characteristics of %s: %w", svcs[i].UUID(), err))
				return
			}
			svc := Service{UUID: fromBluetoothUUID(svcs[i].UUID())}
			for j := range chars {
				c := &tinygoCharacteristic{char: chars[j], uuid: fromBluetoothUUID(chars[j].UUID())}
				svc.Characteristics = append(svc.Characteristics, c)
				all = append(all, c)
			}
			services = append(services, svc)
		}
		l.mu.Lock()
		l.chars = all
		l.mu.Unlock()
		l.cb.OnServicesDiscovered(services, nil)
	}()
	return nil
}

// RequestMTU reports the ATT MTU the platform negotiated, capped at mtu.
// tinygo exposes no explicit exchange, so the platform value is final.
func (l *tinygoLink) RequestMTU(mtu int) error {
	if _, err := l.connectedDevice(); err != nil {
		return err
	}
	go func() {
		l.mu.Lock()
		chars := l.chars
		l.mu.Unlock()
		negotiated := mtu
		if len(chars) > 0 {
			if platform, err := chars[0].char.GetMTU(); err == nil && int(platform) < negotiated {
				negotiated = int(platform)
			}
		}
		l.cb.OnMTUChanged(negotiated, nil)
	}()
	return nil
}

func (l *tinygoLink) ReadCharacteristic(c Characteristic) error {
	tc, err := l.characteristic(c)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, maxReadSize)
		n, err := tc.char.Read(buf)
		if err != nil {
			l.cb.OnCharacteristicRead(c, nil, err)
			return
		}
		l.cb.OnCharacteristicRead(c, buf[:n], nil)
	}()
	return nil
}

func (l *tinygoLink) WriteCharacteristic(c Characteristic, value []byte) error {
	tc, err := l.characteristic(c)
	if err != nil {
		return err
	}
	go func() {
		// Write with response is missing from the BlueZ and bare-metal
		// backends.
		_, err := tc.char.WriteWithoutResponse(value)
		l.cb.OnCharacteristicWrite(c, err)
	}()
	return nil
}

func (l *tinygoLink) EnableNotifications(c Characteristic) error {
	tc, err := l.characteristic(c)
	if err != nil {
		return err
	}
	go func() {
		err := tc.char.EnableNotifications(func([]byte) {
			l.cb.OnCharacteristicChanged(c)
		})
		l.cb.OnDescriptorWrite(c, err)
	}()
	return nil
}

func (l *tinygoLink) characteristic(c Characteristic) (*tinygoCharacteristic, error) {
	if _, err := l.connectedDevice(); err != nil {
		return nil, err
	}
	tc, ok := c.(*tinygoCharacteristic)
	if !ok {
		return nil, fmt.Errorf("ble: foreign characteristic %s", c.UUID())
	}
	return tc, nil
}

func (l *tinygoLink) Disconnect() error {
	l.adapter.forget(l)
	return l.release()
}

// release marks the link closed and drops the platform connection.
func (l *tinygoLink) release() error {
	l.mu.Lock()
	device := l.device
	l.device = nil
	l.closed = true
	l.mu.Unlock()
	if device == nil {
		return nil
	}
	return device.Disconnect()
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
	uuid uuid.UUID
}

func (c *tinygoCharacteristic) UUID() uuid.UUID { return c.uuid }

func toBluetoothUUID(u uuid.UUID) bluetooth.UUID {
	b, _ := bluetooth.ParseUUID(u.String())
	return b
}

func fromBluetoothUUID(b bluetooth.UUID) uuid.UUID {
	u, err := uuid.Parse(b.String())
	if err != nil {
		return uuid.Nil
	}
	return u
}
