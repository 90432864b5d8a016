package transport

import "errors"

var (
	// ErrRadioOff is returned when an operation needs the bluetooth radio
	// powered on. Internal paths treat this condition as a silent no-op;
	// only explicit API calls surface it.
	ErrRadioOff = errors.New("bluetooth radio is not powered on")

	// ErrBusy is returned when a connection attempt is already in flight.
	ErrBusy = errors.New("a connection attempt is already in flight")

	// ErrNotConnected is returned by writes with no established link.
	ErrNotConnected = errors.New("no peripheral connected")

	// ErrUnknownPeripheral is returned when a connect request names a
	// peripheral that is not in the discovered list.
	ErrUnknownPeripheral = errors.New("peripheral not in discovered list")

	// ErrConnectTimeout marks an attempt that stayed pending too long.
	ErrConnectTimeout = errors.New("peripheral did not connect in time")

	// ErrConnectRejected marks an attempt the peer refused.
	ErrConnectRejected = errors.New("peripheral rejected the connection")

	// ErrHandshakeExhausted marks a connected device that answered none of
	// the verification probes.
	ErrHandshakeExhausted = errors.New("no protocol response after all probes")

	// ErrIncompatibleVersion marks a device whose reported protocol version
	// is outside the supported range. Always fatal to the attempt.
	ErrIncompatibleVersion = errors.New("protocol version outside supported range")
)
