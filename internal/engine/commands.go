package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/badgelink/internal/badge"
	"github.com/chaz8081/badgelink/internal/ble"
	blecrypto "github.com/chaz8081/badgelink/internal/ble/crypto"
	"github.com/chaz8081/badgelink/internal/ble/protocol"
)

// nativeDecimals is the scale of the native asset balance (wei to ether).
const nativeDecimals = 18

// InitParams describes a badge as handed over by provisioning.
type InitParams struct {
	ServiceID       uuid.UUID
	Address         string // wallet address, hex
	Key             []byte // 16-byte pre-shared AES key
	Characteristics []badge.Binding
}

// Token is the token whose balance may accompany the native balance.
type Token struct {
	Designated bool // only the designated token is pushed to the badge
	Address    string
	Decimals   int
}

// Snapshot is a read-only view of engine state.
type Snapshot struct {
	HasIdentity bool
	ServiceID   uuid.UUID
	Address     string
	KeyID       string
	Scanning    bool
	Found       *ble.Device
	State       ble.State
	Device      ble.Device
	BoundCount  int
	MTU         int
	InFlight    string // correlation id of the pending transaction
}

// txState tracks the single transaction awaiting its signed response.
type txState struct {
	id     string
	sentAt time.Time
	lastIV []byte
	timer  *time.Timer
	gen    uint64
}

// InitializeBadge replaces the active identity, saves it in the background
// and starts scanning for the badge.
func (e *Engine) InitializeBadge(ctx context.Context, p InitParams, cb ScanCallbacks) error {
	id, err := badge.NewIdentity(p.ServiceID, p.Address, p.Key, p.Characteristics)
	if err != nil {
		return err
	}
	return e.call(ctx, func() error {
		if e.session.Disconnect() {
			slog.Info("[ENGINE] dropped session of previous identity")
		}
		e.clearTransaction()
		e.identity = id
		e.saver.save(id)
		slog.Info("[ENGINE] badge initialized", "service", id.ServiceID, "address", id.Address,
			"key_id", blecrypto.KeyID(id.Key[:]), "characteristics", len(id.Characteristics))
		return e.startScan(cb)
	})
}

// StartScanDevice scans for the active identity's service.
func (e *Engine) StartScanDevice(ctx context.Context, cb ScanCallbacks) error {
	return e.call(ctx, func() error {
		if e.identity == nil {
			return badge.ErrNoIdentity
		}
		return e.startScan(cb)
	})
}

func (e *Engine) startScan(cb ScanCallbacks) error {
	e.scanCB = cb
	e.found = nil
	return e.scanner.Start(e.identity.ServiceID, e.opts.ScanTimeout, e.handleScanOutcome)
}

func (e *Engine) handleScanOutcome(out ble.ScanOutcome) {
	cb := e.scanCB
	if out.Err != nil {
		e.emit(Event{Kind: EventScanTimeout, Err: out.Err}, cb.Timeout)
		return
	}
	dev := out.Device
	e.found = &dev
	var fn func()
	if cb.DeviceFound != nil {
		fn = func() { cb.DeviceFound(dev) }
	}
	e.emit(Event{Kind: EventDeviceFound, Device: dev}, fn)
}

// StartConnectGatt connects to dev, stopping any scan and replacing any
// existing connection.
func (e *Engine) StartConnectGatt(ctx context.Context, dev ble.Device, cb ConnectCallbacks) error {
	return e.call(ctx, func() error { return e.connect(dev, cb) })
}

// ConnectFound connects to the device found by the last scan.
func (e *Engine) ConnectFound(ctx context.Context, cb ConnectCallbacks) error {
	return e.call(ctx, func() error {
		if e.found == nil {
			return ErrNoDevice
		}
		return e.connect(*e.found, cb)
	})
}

func (e *Engine) connect(dev ble.Device, cb ConnectCallbacks) error {
	if e.identity == nil {
		return badge.ErrNoIdentity
	}
	e.scanner.Stop()
	e.clearTransaction()
	e.connCB = cb
	return e.session.Connect(e.identity, dev, sessionEvents{e})
}

// SendTransaction encrypts tx and writes it to the badge, then listens for
// the signed response. It returns the transaction's correlation id.
func (e *Engine) SendTransaction(ctx context.Context, tx protocol.TxFields) (string, error) {
	body, err := protocol.EncodeTransaction(tx)
	if err != nil {
		return "", err
	}
	var txID string
	err = e.call(ctx, func() error {
		if err := e.ready(); err != nil {
			return err
		}
		for _, name := range []badge.ServiceName{badge.Transaction, badge.Txn} {
			if !e.session.Bound(name) {
				return fmt.Errorf("%w: %s", badge.ErrCharacteristicNotBound, name)
			}
		}

		msg, err := protocol.WireMessage(e.identity.Key[:], body)
		if err != nil {
			return err
		}
		if err := e.session.Write(badge.Transaction, msg); err != nil {
			return err
		}
		if err := e.session.EnableNotifications(badge.Txn); err != nil {
			return err
		}

		txID = ulid.Make().String()
		e.tx.id = txID
		e.tx.sentAt = time.Now()
		e.tx.lastIV = msg[:blecrypto.IVSize]
		e.armResponseTimeout()
		slog.Info("[ENGINE] transaction sent", "tx_id", txID, "bytes", len(msg))
		slog.Debug("[ENGINE] transaction body", "tlv", protocol.Hex(body))
		return nil
	})
	if err != nil {
		return "", err
	}
	return txID, nil
}

// SendBalanceUpdate pushes the native and designated token balances. Both
// are raw integer amounts; nil skips an entry, and with both nil nothing is
// sent.
func (e *Engine) SendBalanceUpdate(ctx context.Context, native, token *string, tok Token) error {
	return e.call(ctx, func() error {
		if err := e.ready(); err != nil {
			return err
		}

		var entries []protocol.BalanceEntry
		if native != nil {
			v, err := protocol.ScaleBalance(*native, nativeDecimals)
			if err != nil {
				return err
			}
			entries = append(entries, protocol.BalanceEntry{Address: e.identity.Address, Balance: v})
		}
		if token != nil && tok.Designated {
			v, err := protocol.ScaleBalance(*token, tok.Decimals)
			if err != nil {
				return err
			}
			entries = append(entries, protocol.BalanceEntry{Address: tok.Address, Balance: v})
		}
		if len(entries) == 0 {
			slog.Debug("[ENGINE] no balance to update")
			return nil
		}

		body, err := protocol.EncodeBalance(entries...)
		if err != nil {
			return err
		}
		msg, err := protocol.WireMessage(e.identity.Key[:], body)
		if err != nil {
			return err
		}
		if err := e.session.Write(badge.Balance, msg); err != nil {
			return err
		}
		slog.Info("[ENGINE] balance update sent", "entries", len(entries))
		return nil
	})
}

// ready checks the preconditions shared by every badge command.
func (e *Engine) ready() error {
	switch {
	case e.identity == nil:
		return badge.ErrNoIdentity
	case !e.session.Connected():
		return badge.ErrNotConnected
	case e.tx.id != "":
		return fmt.Errorf("%w: %s", badge.ErrTransactionInFlight, e.tx.id)
	}
	return nil
}

// DisconnectBadge stops scanning and tears down the session. Calling it
// when already disconnected does nothing.
func (e *Engine) DisconnectBadge(ctx context.Context) error {
	return e.call(ctx, func() error {
		e.scanner.Stop()
		e.session.Disconnect()
		e.clearTransaction()
		return nil
	})
}

// DecodeReceived decrypts a transaction response with the IV of the last
// transaction sent.
func (e *Engine) DecodeReceived(ctx context.Context, raw []byte) ([]byte, error) {
	var plain []byte
	err := e.call(ctx, func() error {
		if e.identity == nil {
			return badge.ErrNoIdentity
		}
		if e.tx.lastIV == nil {
			return ErrNoTransaction
		}
		var err error
		plain, err = blecrypto.Decrypt(e.tx.lastIV, e.identity.Key[:], raw)
		return err
	})
	return plain, err
}

// Snapshot returns a copy of the engine state.
func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.call(ctx, func() error {
		snap = Snapshot{
			Scanning:   e.scanner.Active(),
			State:      e.session.State(),
			Device:     e.session.Device(),
			BoundCount: e.session.BoundCount(),
			MTU:        e.session.MTU(),
			InFlight:   e.tx.id,
		}
		if e.found != nil {
			dev := *e.found
			snap.Found = &dev
		}
		if e.identity != nil {
			snap.HasIdentity = true
			snap.ServiceID = e.identity.ServiceID
			snap.Address = e.identity.Address
			snap.KeyID = blecrypto.KeyID(e.identity.Key[:])
		}
		return nil
	})
	return snap, err
}

func (e *Engine) armResponseTimeout() {
	if e.opts.ResponseTimeout <= 0 {
		return
	}
	gen := e.tx.gen
	e.tx.timer = time.AfterFunc(e.opts.ResponseTimeout, func() {
		e.post(func() { e.handleResponseTimeout(gen) })
	})
}

func (e *Engine) handleResponseTimeout(gen uint64) {
	if gen != e.tx.gen || e.tx.id == "" {
		return
	}
	id := e.tx.id
	slog.Warn("[ENGINE] no response from badge", "tx_id", id, "after", e.opts.ResponseTimeout)
	e.clearTransaction()
	e.emit(Event{Kind: EventTransactionTimeout, TxID: id}, nil)
}

// clearTransaction ends the in-flight transaction, keeping its IV for
// DecodeReceived.
func (e *Engine) clearTransaction() {
	if e.tx.timer != nil {
		e.tx.timer.Stop()
		e.tx.timer = nil
	}
	e.tx.gen++
	e.tx.id = ""
}

// sessionEvents receives GATT session outcomes on the actor goroutine.
type sessionEvents struct {
	e *Engine
}

func (l sessionEvents) ServicesDiscovered(bound bool) {
	var fn func()
	if cb := l.e.connCB.ServiceDiscovered; cb != nil {
		fn = func() { cb(bound) }
	}
	l.e.emit(Event{Kind: EventServiceDiscovered, Bound: bound}, fn)
}

func (l sessionEvents) MTUChanged(mtu int) {
	var fn func()
	if cb := l.e.connCB.MTUChanged; cb != nil {
		fn = func() { cb(mtu) }
	}
	l.e.emit(Event{Kind: EventMTUChanged, MTU: mtu}, fn)
}

func (l sessionEvents) TransactionReceived(value []byte) {
	e := l.e
	id := e.tx.id
	if id != "" {
		slog.Info("[ENGINE] transaction response received", "tx_id", id, "bytes", len(value),
			"elapsed", time.Since(e.tx.sentAt).Round(time.Millisecond))
	} else {
		slog.Info("[ENGINE] unsolicited transaction response", "bytes", len(value))
	}
	e.clearTransaction()
	e.emit(Event{Kind: EventTransactionReceived, Hex: protocol.Hex(value), TxID: id}, nil)
}

func (l sessionEvents) Failed(err error) {
	e := l.e
	var werr *ble.WriteError
	switch {
	case !e.session.Connected():
		e.clearTransaction()
	case errors.As(err, &werr) && (werr.Name == badge.Transaction || werr.Name == badge.Txn):
		if e.tx.id != "" {
			slog.Warn("[ENGINE] transaction abandoned", "tx_id", e.tx.id, "error", err)
		}
		e.clearTransaction()
	}
	cb := e.connCB
	if errors.Is(err, badge.ErrConnectionTimeout) {
		e.emit(Event{Kind: EventConnectionTimeout, Err: err}, cb.Timeout)
		return
	}
	var fn func()
	if cb.Failed != nil {
		fn = func() { cb.Failed(err) }
	}
	e.emit(Event{Kind: EventConnectionFailed, Err: err}, fn)
}

func (l sessionEvents) Disconnected() {
	l.e.clearTransaction()
	l.e.emit(Event{Kind: EventDisconnected}, nil)
}
