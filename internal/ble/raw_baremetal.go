//go:build baremetal

package ble

// Bare-metal stacks hand over the advertisement PDU unchanged.
const rawAdvertisements = true
