package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chaz8081/badgelink/internal/badge"
	"github.com/chaz8081/badgelink/internal/ble"
	blecrypto "github.com/chaz8081/badgelink/internal/ble/crypto"
	"github.com/chaz8081/badgelink/internal/ble/protocol"
	"github.com/chaz8081/badgelink/internal/config"
	"github.com/chaz8081/badgelink/internal/engine"
	"github.com/chaz8081/badgelink/internal/store"
)

type initCmd struct {
	Service string            `required:"" help:"Badge GATT service UUID."`
	Address string            `required:"" help:"Wallet address (hex)."`
	Key     string            `required:"" help:"16-byte pre-shared AES key (hex)."`
	Char    map[string]string `required:"" help:"Characteristic binding NAME=UUID, repeatable."`
}

func (c *initCmd) Run(a *app) error {
	params, err := c.params()
	if err != nil {
		return err
	}
	return a.withEngine(func(ctx context.Context, e *engine.Engine) error {
		if err := e.InitializeBadge(ctx, params, engine.ScanCallbacks{}); err != nil {
			return err
		}
		dev, err := awaitDevice(ctx, e)
		if err != nil {
			return err
		}
		printDevice(dev)
		return nil
	})
}

func (c *initCmd) params() (engine.InitParams, error) {
	svc, err := uuid.Parse(c.Service)
	if err != nil {
		return engine.InitParams{}, fmt.Errorf("--service: %w", err)
	}
	key, err := hex.DecodeString(c.Key)
	if err != nil {
		return engine.InitParams{}, fmt.Errorf("--key: %w", err)
	}
	var bindings []badge.Binding
	for name, id := range c.Char {
		n, err := badge.ParseServiceName(name)
		if err != nil {
			return engine.InitParams{}, fmt.Errorf("--char: %w", err)
		}
		u, err := uuid.Parse(id)
		if err != nil {
			return engine.InitParams{}, fmt.Errorf("--char %s: %w", name, err)
		}
		bindings = append(bindings, badge.Binding{Name: n, UUID: u})
	}
	return engine.InitParams{ServiceID: svc, Address: c.Address, Key: key, Characteristics: bindings}, nil
}

type scanCmd struct{}

func (c *scanCmd) Run(a *app) error {
	return a.withEngine(func(ctx context.Context, e *engine.Engine) error {
		if err := e.StartScanDevice(ctx, engine.ScanCallbacks{}); err != nil {
			return err
		}
		dev, err := awaitDevice(ctx, e)
		if err != nil {
			return err
		}
		printDevice(dev)
		return nil
	})
}

type sendTxCmd struct {
	To       string `required:"" help:"Recipient address (hex)."`
	Value    string `default:"0x0" help:"Value in wei (hex)."`
	GasPrice string `name:"gas-price" required:"" help:"Gas price (hex)."`
	GasLimit string `name:"gas-limit" default:"0x5208" help:"Gas limit (hex)."`
	Nonce    string `required:"" help:"Account nonce (hex)."`
	Data     string `help:"Call data (hex)."`
}

func (c *sendTxCmd) Run(a *app) error {
	tx := protocol.TxFields{
		To:       c.To,
		Value:    c.Value,
		GasPrice: c.GasPrice,
		GasLimit: c.GasLimit,
		Nonce:    c.Nonce,
		Data:     c.Data,
	}
	// Reject bad fields before touching the radio.
	if _, err := protocol.EncodeTransaction(tx); err != nil {
		return err
	}
	return a.withEngine(func(ctx context.Context, e *engine.Engine) error {
		if err := connectBadge(ctx, e); err != nil {
			return err
		}
		txID, err := e.SendTransaction(ctx, tx)
		if err != nil {
			return err
		}
		fmt.Printf("Transaction %s sent, confirm on the badge...\n", txID)

		ev, err := awaitEvent(ctx, e, engine.EventTransactionReceived, engine.EventTransactionTimeout)
		if err != nil {
			return err
		}
		if ev.Kind == engine.EventTransactionTimeout {
			return fmt.Errorf("badge did not answer transaction %s", ev.TxID)
		}
		fmt.Printf("  Response:  %s\n", ev.Hex)

		raw, err := hex.DecodeString(ev.Hex)
		if err != nil {
			return err
		}
		plain, err := e.DecodeReceived(ctx, raw)
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		fmt.Printf("  Decrypted: %X\n", plain)
		return nil
	})
}

type sendBalanceCmd struct {
	Native        string `help:"Native balance in wei (decimal or 0x hex)."`
	Token         string `help:"Token balance in base units."`
	TokenAddress  string `name:"token-address" help:"Token contract address (hex)."`
	TokenDecimals int    `name:"token-decimals" default:"18" help:"Token decimals."`
}

func (c *sendBalanceCmd) Run(a *app) error {
	var native, token *string
	if c.Native != "" {
		native = &c.Native
	}
	if c.Token != "" {
		if c.TokenAddress == "" {
			return errors.New("--token requires --token-address")
		}
		token = &c.Token
	}
	tok := engine.Token{Designated: token != nil, Address: c.TokenAddress, Decimals: c.TokenDecimals}

	return a.withEngine(func(ctx context.Context, e *engine.Engine) error {
		if err := connectBadge(ctx, e); err != nil {
			return err
		}
		if err := e.SendBalanceUpdate(ctx, native, token, tok); err != nil {
			return err
		}
		fmt.Println("Balance update sent")
		return nil
	})
}

type showCmd struct{}

func (c *showCmd) Run(a *app) error {
	st, err := store.NewSQLiteStore(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	id, err := st.LoadLast(ctx)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Println("No badge provisioned. Run 'badgelink init' first.")
		return nil
	}
	if err != nil {
		return err
	}
	count, err := st.Count(ctx)
	if err != nil {
		return err
	}

	fmt.Println("=== badgelink ===")
	fmt.Printf("  Service:  %s\n", id.ServiceID)
	fmt.Printf("  Address:  0x%s\n", id.Address)
	fmt.Printf("  Key ID:   %s\n", blecrypto.KeyID(id.Key[:]))
	for _, b := range id.Characteristics {
		fmt.Printf("  %-18s %s\n", b.Name.String()+":", b.UUID)
	}
	fmt.Printf("  Saved:    %d identities\n", count)
	fmt.Println("=================")
	return nil
}

type configInitCmd struct{}

func (c *configInitCmd) Run(a *app) error {
	path, err := config.WriteDefault()
	if err != nil {
		return err
	}
	if path == "" {
		fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		return nil
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

// connectBadge scans for the badge, connects, and waits until the MTU is
// settled.
func connectBadge(ctx context.Context, e *engine.Engine) error {
	if err := e.StartScanDevice(ctx, engine.ScanCallbacks{}); err != nil {
		return err
	}
	dev, err := awaitDevice(ctx, e)
	if err != nil {
		return err
	}
	printDevice(dev)

	if err := e.ConnectFound(ctx, engine.ConnectCallbacks{}); err != nil {
		return err
	}
	ev, err := awaitEvent(ctx, e, engine.EventMTUChanged, engine.EventConnectionTimeout,
		engine.EventConnectionFailed, engine.EventDisconnected)
	if err != nil {
		return err
	}
	switch ev.Kind {
	case engine.EventMTUChanged:
		fmt.Printf("Connected (MTU %d)\n", ev.MTU)
		return nil
	case engine.EventDisconnected:
		return errors.New("badge disconnected during setup")
	default:
		return ev.Err
	}
}

func awaitDevice(ctx context.Context, e *engine.Engine) (ble.Device, error) {
	ev, err := awaitEvent(ctx, e, engine.EventDeviceFound, engine.EventScanTimeout)
	if err != nil {
		return ble.Device{}, err
	}
	if ev.Kind == engine.EventScanTimeout {
		return ble.Device{}, ev.Err
	}
	return ev.Device, nil
}

// awaitEvent returns the first event of one of kinds.
func awaitEvent(ctx context.Context, e *engine.Engine, kinds ...engine.EventKind) (engine.Event, error) {
	for {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				return engine.Event{}, engine.ErrClosed
			}
			for _, k := range kinds {
				if ev.Kind == k {
					return ev, nil
				}
			}
		case <-ctx.Done():
			return engine.Event{}, ctx.Err()
		}
	}
}

func printDevice(dev ble.Device) {
	name := dev.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Printf("Found badge %s [%s] RSSI %d\n", name, dev.Address, dev.RSSI)
}
