package main

import "github.com/chaz8081/badgelink/internal/ble"

// newAdapter returns the system Bluetooth adapter.
func newAdapter() ble.Adapter {
	return ble.NewTinyGoAdapter()
}
