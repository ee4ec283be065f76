package ble

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/badgelink/internal/badge"
	"github.com/chaz8081/badgelink/internal/ble/advert"
)

var scanTarget = advert.From16Bit(0x1234)

func platformAdv(addr string, services ...uuid.UUID) Advertisement {
	return Advertisement{
		Device: Device{Name: "badge", Address: addr, RSSI: -50},
		HasService: func(u uuid.UUID) bool {
			for _, s := range services {
				if s == u {
					return true
				}
			}
			return false
		},
	}
}

func waitOutcome(t *testing.T, ch <-chan ScanOutcome) ScanOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no scan outcome")
		return ScanOutcome{}
	}
}

func newTestScanner(t *testing.T, strategy MatchStrategy) (*Scanner, *mockAdapter, *testLoop) {
	t.Helper()
	a := newMockAdapter()
	loop := newTestLoop(t)
	return NewScanner(a, strategy, loop.post), a, loop
}

func TestScannerReportsFirstMatchOnce(t *testing.T) {
	s, a, loop := newTestScanner(t, PlatformStrategy{})
	outcomes := make(chan ScanOutcome, 4)

	loop.do(func() {
		require.NoError(t, s.Start(scanTarget, time.Minute, func(o ScanOutcome) { outcomes <- o }))
	})

	a.advertise(platformAdv("00:00:00:00:00:01", uuid.New()))
	a.advertise(platformAdv("00:00:00:00:00:02", scanTarget))
	a.advertise(platformAdv("00:00:00:00:00:03", scanTarget))

	out := waitOutcome(t, outcomes)
	require.NoError(t, out.Err)
	assert.Equal(t, "00:00:00:00:00:02", out.Device.Address)

	loop.do(func() { assert.False(t, s.Active()) })
	assert.Empty(t, outcomes)
	assert.Equal(t, 1, a.stopCount())
}

func TestScannerTimeout(t *testing.T) {
	s, a, loop := newTestScanner(t, PlatformStrategy{})
	outcomes := make(chan ScanOutcome, 4)

	loop.do(func() {
		require.NoError(t, s.Start(scanTarget, 20*time.Millisecond, func(o ScanOutcome) { outcomes <- o }))
	})

	out := waitOutcome(t, outcomes)
	require.ErrorIs(t, out.Err, badge.ErrScanTimeout)

	// A late advertisement after the timeout is not reported.
	a.advertise(platformAdv("00:00:00:00:00:02", scanTarget))
	loop.do(func() { assert.False(t, s.Active()) })
	assert.Empty(t, outcomes)
}

func TestScannerMatchCancelsTimeout(t *testing.T) {
	s, a, loop := newTestScanner(t, PlatformStrategy{})
	outcomes := make(chan ScanOutcome, 4)

	loop.do(func() {
		require.NoError(t, s.Start(scanTarget, 30*time.Millisecond, func(o ScanOutcome) { outcomes <- o }))
	})
	a.advertise(platformAdv("00:00:00:00:00:02", scanTarget))
	require.NoError(t, waitOutcome(t, outcomes).Err)

	time.Sleep(60 * time.Millisecond)
	loop.do(func() {})
	assert.Empty(t, outcomes)
}

func TestScannerRestartStopsPrevious(t *testing.T) {
	s, a, loop := newTestScanner(t, PlatformStrategy{})
	first := make(chan ScanOutcome, 4)
	second := make(chan ScanOutcome, 4)

	loop.do(func() {
		require.NoError(t, s.Start(scanTarget, 20*time.Millisecond, func(o ScanOutcome) { first <- o }))
		require.NoError(t, s.Start(scanTarget, time.Minute, func(o ScanOutcome) { second <- o }))
	})
	assert.Equal(t, 1, a.stopCount())

	// The first scan's timer was cancelled with it.
	time.Sleep(50 * time.Millisecond)
	loop.do(func() { assert.True(t, s.Active()) })
	assert.Empty(t, first)

	a.advertise(platformAdv("00:00:00:00:00:09", scanTarget))
	out := waitOutcome(t, second)
	assert.Equal(t, "00:00:00:00:00:09", out.Device.Address)
	assert.Empty(t, first)
}

func TestScannerStopIsIdempotent(t *testing.T) {
	s, a, loop := newTestScanner(t, PlatformStrategy{})
	outcomes := make(chan ScanOutcome, 1)

	loop.do(func() {
		require.NoError(t, s.Start(scanTarget, time.Minute, func(o ScanOutcome) { outcomes <- o }))
		s.Stop()
		s.Stop()
		assert.False(t, s.Active())
	})
	assert.Equal(t, 1, a.stopCount())

	a.advertise(platformAdv("00:00:00:00:00:02", scanTarget))
	loop.do(func() {})
	assert.Empty(t, outcomes)
}

func TestRawRecordStrategy(t *testing.T) {
	s, a, loop := newTestScanner(t, RawRecordStrategy{})
	outcomes := make(chan ScanOutcome, 1)

	loop.do(func() {
		require.NoError(t, s.Start(scanTarget, time.Minute, func(o ScanOutcome) { outcomes <- o }))
	})

	// Flags only, then a complete 16-bit list carrying 0x1234.
	a.advertise(Advertisement{Device: Device{Address: "a"}, Raw: []byte{0x02, 0x01, 0x06}})
	a.advertise(Advertisement{Device: Device{Address: "b"}, Raw: []byte{0x02, 0x01, 0x06, 0x03, 0x03, 0x34, 0x12}})

	out := waitOutcome(t, outcomes)
	assert.Equal(t, "b", out.Device.Address)
}

func TestSelectStrategy(t *testing.T) {
	raw := &mockAdapter{raw: true}
	hosted := &mockAdapter{}

	tests := []struct {
		adapter Adapter
		mode    string
		want    string
	}{
		{raw, "auto", "raw"},
		{raw, "", "raw"},
		{hosted, "auto", "platform"},
		{hosted, "raw", "raw"},
		{raw, "platform", "platform"},
	}
	for _, tt := range tests {
		got, err := SelectStrategy(tt.adapter, tt.mode)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Name(), "mode %q", tt.mode)
	}

	_, err := SelectStrategy(raw, "sniff")
	assert.Error(t, err)
}
