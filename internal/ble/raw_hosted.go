//go:build !baremetal

package ble

// Hosted stacks (BlueZ, CoreBluetooth, WinRT) only expose decoded fields.
const rawAdvertisements = false
