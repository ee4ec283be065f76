package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/chaz8081/badgelink/internal/config"
	"github.com/chaz8081/badgelink/internal/engine"
	"github.com/chaz8081/badgelink/internal/store"
)

// Globals are the flags shared by every command.
type Globals struct {
	Config   string `help:"Path to config file (default: ~/.config/badgelink/config.yaml)." type:"path"`
	LogLevel string `help:"Override log_level (debug, info, warn, error)."`
}

var cli struct {
	Globals

	Init        initCmd        `cmd:"" help:"Provision a badge identity and scan for it."`
	Scan        scanCmd        `cmd:"" help:"Scan for the provisioned badge."`
	SendTx      sendTxCmd      `cmd:"" name:"send-tx" help:"Send a transaction to the badge for signing."`
	SendBalance sendBalanceCmd `cmd:"" name:"send-balance" help:"Push balances to the badge display."`
	Show        showCmd        `cmd:"" help:"Show the saved badge identity."`
	ConfigInit  configInitCmd  `cmd:"" name:"config-init" help:"Write the default config file."`
}

// app carries the resolved configuration into command Run methods.
type app struct {
	cfg *config.Config
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("badgelink"),
		kong.Description("Talk to a hardware wallet badge over Bluetooth Low Energy."),
		kong.UsageOnError(),
	)

	cfg, err := loadConfig(cli.Config)
	if err != nil {
		kctx.Fatalf("config: %v", err)
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		kctx.Fatalf("config validation: %v", err)
	}
	slog.SetDefault(newLogger(cfg))

	kctx.FatalIfErrorf(kctx.Run(&app{cfg: cfg}))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	return config.Default(), nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func engineOptions(cfg *config.Config) engine.Options {
	opts := engine.DefaultOptions()
	opts.ScanTimeout = cfg.Scan.Timeout
	opts.Strategy = cfg.Scan.Strategy
	opts.Session.Watchdog = cfg.GATT.Watchdog
	opts.Session.MTU = cfg.GATT.MTU
	opts.Session.MinMTU = cfg.GATT.MinMTU
	opts.ResponseTimeout = cfg.Tx.ResponseTimeout
	opts.EventBuffer = cfg.Events.Buffer
	return opts
}

// withEngine opens the store, starts an engine on the system radio and
// runs fn until it returns or the process is interrupted.
func (a *app) withEngine(fn func(ctx context.Context, e *engine.Engine) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(a.cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	e, err := engine.New(newAdapter(), st, engineOptions(a.cfg))
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Close()

	return fn(ctx, e)
}
