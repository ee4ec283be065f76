package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/badgelink/internal/ble"
)

type fakeChar struct{ id uuid.UUID }

func (c *fakeChar) UUID() uuid.UUID { return c.id }

type fakeWrite struct {
	uuid  uuid.UUID
	value []byte
}

// fakeLink records requests; tests answer them through cb.
type fakeLink struct {
	cb ble.LinkCallback

	mu            sync.Mutex
	mtuRequests   []int
	reads         []uuid.UUID
	writes        []fakeWrite
	notifications []uuid.UUID
	disconnects   int
}

func (l *fakeLink) DiscoverServices() error { return nil }

func (l *fakeLink) RequestMTU(mtu int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mtuRequests = append(l.mtuRequests, mtu)
	return nil
}

func (l *fakeLink) ReadCharacteristic(c ble.Characteristic) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads = append(l.reads, c.UUID())
	return nil
}

func (l *fakeLink) WriteCharacteristic(c ble.Characteristic, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, fakeWrite{uuid: c.UUID(), value: append([]byte(nil), value...)})
	return nil
}

func (l *fakeLink) EnableNotifications(c ble.Characteristic) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifications = append(l.notifications, c.UUID())
	return nil
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
	return nil
}

func (l *fakeLink) writesTo(id uuid.UUID) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out [][]byte
	for _, w := range l.writes {
		if w.uuid == id {
			out = append(out, w.value)
		}
	}
	return out
}

func (l *fakeLink) disconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// fakeAdapter hands out fakeLinks and lets tests inject advertisements.
type fakeAdapter struct {
	mu          sync.Mutex
	enabled     bool
	scanHandler func(ble.Advertisement)
	scanStarts  int
	links       []*fakeLink
}

func (a *fakeAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	return nil
}

func (a *fakeAdapter) RawAdvertisements() bool { return false }

func (a *fakeAdapter) StartScan(handler func(ble.Advertisement)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanHandler = handler
	a.scanStarts++
	return nil
}

func (a *fakeAdapter) StopScan() error { return nil }

func (a *fakeAdapter) Connect(_ ble.Device, cb ble.LinkCallback) (ble.Link, error) {
	link := &fakeLink{cb: cb}
	a.mu.Lock()
	a.links = append(a.links, link)
	a.mu.Unlock()
	return link, nil
}

func (a *fakeAdapter) advertise(dev ble.Device, services ...uuid.UUID) {
	a.mu.Lock()
	h := a.scanHandler
	a.mu.Unlock()
	if h == nil {
		return
	}
	h(ble.Advertisement{
		Device: dev,
		HasService: func(u uuid.UUID) bool {
			for _, s := range services {
				if s == u {
					return true
				}
			}
			return false
		},
	})
}

func (a *fakeAdapter) latestLink() *fakeLink {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.links) == 0 {
		return nil
	}
	return a.links[len(a.links)-1]
}

func (a *fakeAdapter) scanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanStarts
}
