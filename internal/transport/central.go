package transport

import "fmt"

// WriteMode selects whether an outbound write waits for the peripheral to
// acknowledge it.
type WriteMode int

const (
	WriteWithoutResponse WriteMode = iota
	WriteWithResponse
)

func (m WriteMode) String() string {
	if m == WriteWithResponse {
		return "with_response"
	}
	return "without_response"
}

// Peripheral is an opaque handle to a remote device. It is only valid
// between discovery and the disconnect or failure event for it.
type Peripheral interface {
	// ID is the platform identity of the device, unique per peripheral.
	ID() string
	// Name is the advertised display name, possibly empty.
	Name() string
}

// Link is an established transport-level connection with the serial
// characteristic resolved.
type Link interface {
	// Write sends raw bytes to the serial characteristic in the given mode.
	Write(p []byte, mode WriteMode) error
	// RSSI samples the current signal strength of the connected device.
	RSSI() (float64, error)
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Central abstracts the platform BLE central role so the engine can be
// exercised without hardware.
type Central interface {
	// PoweredOn reports whether the radio is usable.
	PoweredOn() bool
	// SetStateHandler registers a callback for radio power transitions.
	SetStateHandler(fn func(poweredOn bool))
	// Scan starts continuous discovery filtered to the serial service and
	// reports each sighting. With allowDuplicates, repeated advertisements
	// from the same peripheral are reported again (needed for fresh signal
	// samples). Scan must not block.
	Scan(allowDuplicates bool, found func(p Peripheral, rssi float64)) error
	// StopScan halts discovery.
	StopScan() error
	// ConnectedPeripherals returns devices the platform already holds a
	// connection to for the serial service.
	ConnectedPeripherals() []Peripheral
	// Connect establishes a connection and resolves the serial
	// characteristic. Blocks until the link is up or the attempt fails;
	// inbound payloads arrive on onData, and onClosed fires once when the
	// platform drops the connection.
	Connect(p Peripheral, onData func(data []byte), onClosed func(err error)) (Link, error)
}

// Codec is the MSP message layer above this transport. The engine never
// frames messages itself; it asks the codec to send typed requests and
// forwards raw inbound bytes to it.
type Codec interface {
	// Receive consumes raw inbound bytes for protocol decoding.
	Receive(data []byte)
	// SendRequest encodes and transmits the given command codes.
	// completion, when non-nil, runs once the matching response has been
	// decoded.
	SendRequest(codes []int, completion func(resp Response))
}

// Response carries the decoded reply fields the transport cares about.
type Response struct {
	VersionMajor int
	VersionMinor int
}

// Settings are the user preferences the scanner policy consults.
type Settings interface {
	AutoConnectNew() bool
	AutoConnectKnown() bool
}

// APIVersion is an MSP API version number.
type APIVersion struct {
	Major int
	Minor int
}

func (v APIVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Less reports whether v precedes other.
func (v APIVersion) Less(other APIVersion) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// Supported reports whether v falls inside the accepted range.
func (v APIVersion) Supported() bool {
	return !v.Less(MinSupportedVersion) && v.Less(MaxSupportedVersion)
}
