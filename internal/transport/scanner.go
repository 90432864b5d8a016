package transport

import (
	"sort"

	"github.com/0xc0re/eaze/internal/logger"
)

// StartScan clears the discovered list and begins continuous discovery
// filtered to the serial service. Peripherals the platform already holds a
// connection to are fed through the same policy evaluation as fresh
// sightings. No-op while the radio is off.
func (e *Engine) StartScan() {
	if !e.central.PoweredOn() {
		return
	}

	e.mu.Lock()
	e.discovered = nil
	e.scanning = true
	e.mu.Unlock()

	// Duplicate advertisements are only useful when auto-connecting new
	// devices: the policy needs repeated signal samples to catch the moment
	// a device comes within range.
	allowDuplicates := e.settings.AutoConnectNew()

	if err := e.central.Scan(allowDuplicates, func(p Peripheral, rssi float64) {
		e.Evaluate(p, rssi, true)
	}); err != nil {
		logger.Error("[BLE] scan failed to start: %v", err)
		e.mu.Lock()
		e.scanning = false
		e.mu.Unlock()
		return
	}

	logger.Info("[BLE] scanning for serial bridges (duplicates=%v)", allowDuplicates)

	for _, p := range e.central.ConnectedPeripherals() {
		e.Evaluate(p, 0, false)
	}
}

// StopScan halts discovery. No-op while the radio is off.
func (e *Engine) StopScan() {
	if !e.central.PoweredOn() {
		return
	}

	e.mu.Lock()
	evs := e.stopScanLocked()
	e.mu.Unlock()
	e.emit(evs...)
}

func (e *Engine) stopScanLocked() []Event {
	if !e.scanning {
		return nil
	}
	if err := e.central.StopScan(); err != nil {
		logger.Warn("[BLE] failed to stop scan: %v", err)
	}
	e.scanning = false
	return []Event{DidStopScanning{}}
}

// Evaluate processes one discovery event. hasRSSI is false for peripherals
// sourced from the already-connected query, which carry no signal reading.
//
// The decision order matters: the known-device lookup feeds both
// auto-connect gates, the duplicate check must run after the new-device
// gate (a repeated advertisement may be the first one above the proximity
// threshold), and a known device below the threshold still auto-connects
// via the second gate.
func (e *Engine) Evaluate(p Peripheral, rssi float64, hasRSSI bool) {
	var evs []Event

	e.mu.Lock()

	dev, known := e.reg.Lookup(p.ID())

	autoConnect := false
	if e.settings.AutoConnectNew() && hasRSSI && rssi > AutoConnectRSSIThreshold && !known {
		evs = append(evs, e.stopScanLocked()...)
		evs = append(evs, e.connectLocked(p, true)...)
		autoConnect = true
	}

	if e.indexOfDiscoveredLocked(p.ID()) >= 0 {
		e.mu.Unlock()
		e.emit(evs...)
		return
	}

	if e.settings.AutoConnectKnown() && known && dev.AutoConnect {
		evs = append(evs, e.stopScanLocked()...)
		evs = append(evs, e.connectLocked(p, true)...)
		autoConnect = true
	}

	if !hasRSSI {
		rssi = MissingRSSIFloor
	}
	e.discovered = append(e.discovered, Discovered{Peripheral: p, RSSI: rssi})
	sort.SliceStable(e.discovered, func(i, j int) bool {
		return e.discovered[i].RSSI < e.discovered[j].RSSI
	})

	evs = append(evs, DidDiscoverNewPeripheral{
		ID:          p.ID(),
		Name:        p.Name(),
		RSSI:        rssi,
		AutoConnect: autoConnect,
	})

	e.mu.Unlock()
	e.emit(evs...)
}

func (e *Engine) indexOfDiscoveredLocked(id string) int {
	for i, d := range e.discovered {
		if d.Peripheral.ID() == id {
			return i
		}
	}
	return -1
}

// Discovered returns a copy of the discovered list, sorted ascending by
// signal strength (best signal last).
func (e *Engine) Discovered() []Discovered {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Discovered, len(e.discovered))
	copy(out, e.discovered)
	return out
}
