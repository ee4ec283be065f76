package badge

import "errors"

// Sentinel errors for badge sessions. Recoverable ones leave the engine idle
// or bound; ErrMTUExhausted tears the connection down.
var (
	ErrScanTimeout            = errors.New("badge: scan timed out")
	ErrConnectionTimeout      = errors.New("badge: services not bound before watchdog")
	ErrMTUExhausted           = errors.New("badge: mtu negotiation exhausted")
	ErrCharacteristicNotBound = errors.New("badge: characteristic not bound")
	ErrTransactionInFlight    = errors.New("badge: transaction already in flight")
	ErrNoIdentity             = errors.New("badge: no badge initialized")
	ErrNotConnected           = errors.New("badge: not connected")
	ErrInvalidIdentity        = errors.New("badge: invalid identity")
)
