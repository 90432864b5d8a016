package transport

import "time"

// Identifiers fixed by the serial-bridge hardware (HM-10 style modules).
const (
	// SerialServiceUUID16 is the 16-bit UUID of the BLE serial service.
	SerialServiceUUID16 uint16 = 0xFFE0
	// SerialCharUUID16 is the 16-bit UUID of the read/write characteristic.
	SerialCharUUID16 uint16 = 0xFFE1
)

// Probe strings understood by flight controllers stuck in CLI mode.
const (
	// cliProbe is nonsense input. A controller sitting in command-line mode
	// echoes an error back, which is how we detect that mode.
	cliProbe = "asdf\r"
	// cliExit drops the controller out of command-line mode.
	cliExit = "exit\r"
)

// Auto-connect policy thresholds, in dBm.
const (
	// AutoConnectRSSIThreshold is the minimum signal strength at which an
	// unknown device is considered close enough to auto-connect.
	AutoConnectRSSIThreshold = -70
	// MissingRSSIFloor is assumed for discoveries that carry no signal
	// reading, such as peripherals reported as already connected.
	MissingRSSIFloor = -100
)

const (
	// ConnectTimeout bounds how long a transport-level connection attempt
	// may stay pending before it is treated as failed.
	ConnectTimeout = 10 * time.Second
	// HandshakeStepInterval is how long each verification probe waits for a
	// response before escalating to the next step.
	HandshakeStepInterval = time.Second
)

// MSP command codes the engine asks the codec to send. Framing and
// checksums stay in the codec layer.
const (
	CmdAPIVersion = 1
	CmdFCVariant  = 2
	CmdFCVersion  = 3
	CmdBoardInfo  = 4
	CmdBuildInfo  = 5
	CmdStatus     = 101
)

// identityRequestCodes is the follow-up set sent right after a device
// passes verification.
var identityRequestCodes = []int{CmdFCVariant, CmdFCVersion, CmdBoardInfo, CmdBuildInfo, CmdStatus}

// Supported MSP API version range: min inclusive, max exclusive. Devices
// reporting a version outside this range are rejected outright.
var (
	MinSupportedVersion = APIVersion{Major: 1, Minor: 16}
	MaxSupportedVersion = APIVersion{Major: 2, Minor: 0}
)
