package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/badgelink/internal/ble"
)

// EventKind identifies an outbound notification.
type EventKind int

const (
	EventDeviceFound EventKind = iota
	EventScanTimeout
	EventServiceDiscovered
	EventMTUChanged
	EventTransactionReceived
	EventConnectionTimeout
	EventConnectionFailed
	EventDisconnected
	EventTransactionTimeout
)

var eventKindNames = [...]string{
	EventDeviceFound:         "device-found",
	EventScanTimeout:         "scan-timeout",
	EventServiceDiscovered:   "service-discovered",
	EventMTUChanged:          "mtu-changed",
	EventTransactionReceived: "transaction-received",
	EventConnectionTimeout:   "connection-timeout",
	EventConnectionFailed:    "connection-failed",
	EventDisconnected:        "disconnected",
	EventTransactionTimeout:  "transaction-timeout",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
	return eventKindNames[k]
}

// Event is one notification on the Events channel. Only the fields relevant
// to Kind are set.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Device ble.Device // DeviceFound
	Bound  bool       // ServiceDiscovered
	MTU    int        // MTUChanged
	Hex    string     // TransactionReceived: raw response bytes, hex
	TxID   string     // TransactionReceived, TransactionTimeout
	Err    error      // ScanTimeout, ConnectionTimeout, ConnectionFailed
}

// ScanCallbacks receives the outcome of a scan. Nil fields are skipped.
type ScanCallbacks struct {
	DeviceFound func(ble.Device)
	Timeout     func()
}

// ConnectCallbacks receives connection progress. Nil fields are skipped.
type ConnectCallbacks struct {
	ServiceDiscovered func(bound bool)
	MTUChanged        func(mtu int)
	Timeout           func()
	Failed            func(error)
}

// outbound pairs an event with the per-call callback it triggers.
type outbound struct {
	event    Event
	callback func()
}

// dispatcher delivers events off the actor goroutine so user callbacks can
// call back into the engine.
type dispatcher struct {
	limit  int
	events chan Event

	mu    sync.Mutex
	queue []outbound

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newDispatcher(buffer int) *dispatcher {
	return &dispatcher{
		limit:  buffer,
		events: make(chan Event, buffer),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// enqueue schedules delivery. When the backlog is full the oldest entry is
// dropped.
func (d *dispatcher) enqueue(ob outbound) {
	d.mu.Lock()
	if len(d.queue) >= d.limit {
		slog.Warn("[ENGINE] dispatch queue full, dropping oldest event", "kind", d.queue[0].event.Kind)
		d.queue = d.queue[1:]
	}
	d.queue = append(d.queue, ob)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	defer close(d.events)
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.quit:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		ob := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if ob.callback != nil {
			ob.callback()
		}
		d.publish(ob.event)
	}
}

// publish sends ev on the events channel, evicting the oldest unread event
// if the consumer has fallen behind.
func (d *dispatcher) publish(ev Event) {
	select {
	case d.events <- ev:
		return
	default:
	}
	select {
	case old := <-d.events:
		slog.Warn("[ENGINE] event channel full, dropping oldest", "kind", old.Kind)
	default:
	}
	select {
	case d.events <- ev:
	default:
		slog.Warn("[ENGINE] event dropped", "kind", ev.Kind)
	}
}

func (d *dispatcher) close() {
	close(d.quit)
	<-d.done
}
