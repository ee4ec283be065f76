package ble

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/badgelink/internal/badge"
	"github.com/chaz8081/badgelink/internal/ble/advert"
)

// DefaultScanTimeout bounds a scan with no matching advertisement.
const DefaultScanTimeout = 15 * time.Second

// MatchStrategy decides whether an advertisement belongs to the target
// service. One strategy is chosen at start-up.
type MatchStrategy interface {
	Name() string
	Matches(adv Advertisement, target uuid.UUID) bool
}

// RawRecordStrategy parses the raw advertisement records.
type RawRecordStrategy struct{}

func (RawRecordStrategy) Name() string { return "raw" }

func (RawRecordStrategy) Matches(adv Advertisement, target uuid.UUID) bool {
	return advert.Contains(adv.Raw, target)
}

// PlatformStrategy trusts the platform's decoded service list.
type PlatformStrategy struct{}

func (PlatformStrategy) Name() string { return "platform" }

func (PlatformStrategy) Matches(adv Advertisement, target uuid.UUID) bool {
	return adv.HasService != nil && adv.HasService(target)
}

// SelectStrategy picks the match strategy for mode "raw", "platform" or
// "auto" (raw when the adapter exposes raw records).
func SelectStrategy(a Adapter, mode string) (MatchStrategy, error) {
	switch mode {
	case "raw":
		return RawRecordStrategy{}, nil
	case "platform":
		return PlatformStrategy{}, nil
	case "auto", "":
		if a.RawAdvertisements() {
			return RawRecordStrategy{}, nil
		}
		return PlatformStrategy{}, nil
	default:
		return nil, fmt.Errorf("ble: unknown scan strategy %q", mode)
	}
}

// ScanOutcome is the single result of a scan: a device, or ErrScanTimeout.
type ScanOutcome struct {
	Device Device
	Err    error
}

// Scanner finds the first advertisement for a target service.
type Scanner struct {
	adapter  Adapter
	strategy MatchStrategy
	post     func(func())

	active bool
	gen    uint64
	target uuid.UUID
	timer  *time.Timer
	report func(ScanOutcome)
}

// NewScanner creates a scanner. post must run its argument on the owning
// event loop.
func NewScanner(a Adapter, strategy MatchStrategy, post func(func())) *Scanner {
	return &Scanner{adapter: a, strategy: strategy, post: post}
}

// Active reports whether a scan is running.
func (s *Scanner) Active() bool { return s.active }

// Start begins a scan, stopping any scan already running. report is called
// exactly once, on the event loop, unless the scan is stopped first.
func (s *Scanner) Start(target uuid.UUID, timeout time.Duration, report func(ScanOutcome)) error {
	if s.active {
		slog.Debug("[SCAN] restarting active scan")
		s.Stop()
	}
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}

	s.gen++
	gen := s.gen
	s.target = target
	s.report = report

	err := s.adapter.StartScan(func(adv Advertisement) {
		s.post(func() { s.handleAdvertisement(gen, adv) })
	})
	if err != nil {
		return fmt.Errorf("ble: start scan: %w", err)
	}
	s.active = true
	s.timer = time.AfterFunc(timeout, func() {
		s.post(func() { s.handleTimeout(gen) })
	})

	slog.Info("[SCAN] started", "service", target, "strategy", s.strategy.Name(), "timeout", timeout)
	return nil
}

// Stop ends the scan without reporting. It is idempotent.
func (s *Scanner) Stop() {
	if !s.active {
		return
	}
	s.finish()
	slog.Info("[SCAN] stopped")
}

func (s *Scanner) handleAdvertisement(gen uint64, adv Advertisement) {
	if gen != s.gen || !s.active {
		return
	}
	if !s.strategy.Matches(adv, s.target) {
		return
	}
	report := s.report
	s.finish()
	slog.Info("[SCAN] found badge", "address", adv.Device.Address, "name", adv.Device.Name, "rssi", adv.Device.RSSI)
	report(ScanOutcome{Device: adv.Device})
}

func (s *Scanner) handleTimeout(gen uint64) {
	if gen != s.gen || !s.active {
		return
	}
	report := s.report
	s.finish()
	slog.Warn("[SCAN] timed out", "service", s.target)
	report(ScanOutcome{Err: badge.ErrScanTimeout})
}

// finish stops the radio scan and cancels the timer. Pending callbacks from
// this scan are dropped by the generation bump.
func (s *Scanner) finish() {
	s.active = false
	s.gen++
	s.report = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if err := s.adapter.StopScan(); err != nil {
		slog.Debug("[SCAN] stop scan", "error", err)
	}
}
