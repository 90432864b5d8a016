package transport

import "sync"

// EventType names one of the closed set of transport events.
type EventType string

const (
	EventWillAutoConnect          EventType = "will_auto_connect"
	EventDidConnect               EventType = "did_connect"
	EventDidFailToConnect         EventType = "did_fail_to_connect"
	EventDidDisconnect            EventType = "did_disconnect"
	EventDidDiscoverNewPeripheral EventType = "did_discover_new_peripheral"
	EventDidUpdateRadioState      EventType = "did_update_radio_state"
	EventDidStopScanning          EventType = "did_stop_scanning"
	EventVerificationStalled      EventType = "verification_stalled"
)

// Event is one transport notification. Each variant carries its own payload.
type Event interface {
	Type() EventType
}

// WillAutoConnect fires when the scanner policy starts a connection attempt
// on its own, before the transport link is up.
type WillAutoConnect struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (WillAutoConnect) Type() EventType { return EventWillAutoConnect }

// DidConnect fires once when a device passes verification.
type DidConnect struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	WriteWithResponse bool   `json:"write_with_response"`
	// APIVersion is the verified protocol version; empty when the user
	// forced the connection through after a stalled handshake.
	APIVersion string `json:"api_version,omitempty"`
}

func (DidConnect) Type() EventType { return EventDidConnect }

// DidFailToConnect fires when an attempt ends before verification.
type DidFailToConnect struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (DidFailToConnect) Type() EventType { return EventDidFailToConnect }

// DidDisconnect fires when a verified device goes away.
type DidDisconnect struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (DidDisconnect) Type() EventType { return EventDidDisconnect }

// DidDiscoverNewPeripheral fires when a peripheral enters the discovered
// list. AutoConnect marks discoveries that triggered the auto-connect
// policy.
type DidDiscoverNewPeripheral struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	RSSI        float64 `json:"rssi"`
	AutoConnect bool    `json:"auto_connect"`
}

func (DidDiscoverNewPeripheral) Type() EventType { return EventDidDiscoverNewPeripheral }

// DidUpdateRadioState fires on radio power transitions.
type DidUpdateRadioState struct {
	PoweredOn bool `json:"powered_on"`
}

func (DidUpdateRadioState) Type() EventType { return EventDidUpdateRadioState }

// DidStopScanning fires when discovery halts, whether user-initiated or as
// part of an auto-connect.
type DidStopScanning struct{}

func (DidStopScanning) Type() EventType { return EventDidStopScanning }

// VerificationStalled fires when a connected device answered none of the
// handshake probes. The consumer must resolve it by calling exactly one of
// Retry (treat the device as verified anyway) or Cancel (disconnect).
type VerificationStalled struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Retry  func() `json:"-"`
	Cancel func() `json:"-"`
}

func (VerificationStalled) Type() EventType { return EventVerificationStalled }

// dispatcher fans events out to registered listeners and an optional
// channel consumer. Listener callbacks run synchronously on the emitting
// goroutine and must not block.
type dispatcher struct {
	mu        sync.Mutex
	listeners []func(Event)
	ch        chan Event
}

func newDispatcher() *dispatcher {
	return &dispatcher{
		ch: make(chan Event, 64),
	}
}

func (d *dispatcher) addListener(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *dispatcher) events() <-chan Event {
	return d.ch
}

func (d *dispatcher) publish(ev Event) {
	d.mu.Lock()
	listeners := make([]func(Event), len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}

	select {
	case d.ch <- ev:
	default:
		// Channel consumer is behind; drop the oldest event to keep the
		// stream moving.
		select {
		case <-d.ch:
		default:
		}
		select {
		case d.ch <- ev:
		default:
		}
	}
}
