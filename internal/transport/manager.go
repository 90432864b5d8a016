package transport

import (
	"time"

	"github.com/0xc0re/eaze/internal/logger"
)

// Connect starts a connection attempt to a previously discovered
// peripheral, stopping any active discovery pass. Only one attempt may be
// in flight; a second request leaves the in-flight target untouched and
// returns ErrBusy.
func (e *Engine) Connect(id string) error {
	if !e.central.PoweredOn() {
		return ErrRadioOff
	}

	e.mu.Lock()
	if e.current != nil {
		e.mu.Unlock()
		return ErrBusy
	}

	idx := e.indexOfDiscoveredLocked(id)
	if idx < 0 {
		e.mu.Unlock()
		return ErrUnknownPeripheral
	}
	p := e.discovered[idx].Peripheral

	// Selecting a device ends the discovery pass, same as the auto-connect
	// path.
	evs := e.stopScanLocked()
	evs = append(evs, e.connectLocked(p, false)...)
	e.mu.Unlock()
	e.emit(evs...)
	return nil
}

// connectLocked claims the connection slot and kicks off the platform
// connect in the background. Silently ignored while the radio is off or
// another attempt holds the slot.
func (e *Engine) connectLocked(p Peripheral, auto bool) []Event {
	if !e.central.PoweredOn() {
		return nil
	}
	if e.current != nil {
		return nil
	}

	e.current = p
	e.phase = StatePending
	e.attempt++
	gen := e.attempt

	logger.Info("[BLE] connecting to %s (%s)", p.Name(), p.ID())

	e.connectTimer = time.AfterFunc(e.connectTimeout, func() {
		e.connectTimedOut(gen, p.ID())
	})
	go e.dial(gen, p)

	if auto {
		return []Event{WillAutoConnect{ID: p.ID(), Name: p.Name()}}
	}
	return nil
}

// dial performs the blocking platform connect off the engine lock.
func (e *Engine) dial(gen uint64, p Peripheral) {
	link, err := e.central.Connect(p,
		func(data []byte) { e.handleReceive(gen, data) },
		func(cerr error) { e.handleLinkClosed(gen, cerr) },
	)

	e.mu.Lock()
	if e.attempt != gen || e.phase != StatePending {
		// Attempt was superseded or torn down while dialing.
		e.mu.Unlock()
		if link != nil {
			link.Close()
		}
		return
	}

	if err != nil {
		logger.Warn("[BLE] connect to %s failed: %v", p.ID(), err)
		evs := e.failAttemptLocked(ErrConnectRejected.Error() + ": " + err.Error())
		e.mu.Unlock()
		e.emit(evs...)
		return
	}

	if e.connectTimer != nil {
		e.connectTimer.Stop()
		e.connectTimer = nil
	}
	e.link = link
	e.phase = StateConnected
	logger.Info("[BLE] transport link up to %s, starting verification", p.ID())

	act, evs := e.beginHandshakeLocked(gen)
	e.mu.Unlock()
	e.emit(evs...)
	if act != nil {
		act()
	}
}

// connectTimedOut fires when an attempt stays pending past the deadline.
// The generation guard makes it a no-op for any attempt other than the one
// that armed it.
func (e *Engine) connectTimedOut(gen uint64, id string) {
	e.mu.Lock()
	if e.attempt != gen || e.phase != StatePending || e.current == nil || e.current.ID() != id {
		e.mu.Unlock()
		return
	}
	logger.Warn("[BLE] connect to %s timed out", id)
	evs := e.failAttemptLocked(ErrConnectTimeout.Error())
	e.mu.Unlock()
	e.emit(evs...)
}

// handleLinkClosed runs when the platform drops the connection.
func (e *Engine) handleLinkClosed(gen uint64, err error) {
	e.mu.Lock()
	if e.attempt != gen || e.current == nil {
		e.mu.Unlock()
		return
	}

	prior := e.phase
	p := e.current
	e.resetAttemptLocked()
	e.mu.Unlock()

	if prior == StateVerified {
		logger.Info("[BLE] %s disconnected", p.ID())
		e.emit(DidDisconnect{ID: p.ID(), Name: p.Name()})
		return
	}

	reason := ErrConnectRejected.Error()
	if err != nil {
		reason = err.Error()
	}
	logger.Warn("[BLE] link to %s lost before verification: %s", p.ID(), reason)
	e.emit(DidFailToConnect{ID: p.ID(), Name: p.Name(), Reason: reason})
}

// Disconnect tears down whichever of pending, connected or verified
// peripheral occupies the slot. No-op while the radio is off or the slot
// is empty.
func (e *Engine) Disconnect() {
	if !e.central.PoweredOn() {
		return
	}

	e.mu.Lock()
	if e.current == nil {
		e.mu.Unlock()
		return
	}

	prior := e.phase
	p := e.current
	e.resetAttemptLocked()
	e.mu.Unlock()

	logger.Info("[BLE] disconnect requested for %s", p.ID())
	if prior == StateVerified {
		e.emit(DidDisconnect{ID: p.ID(), Name: p.Name()})
	} else {
		e.emit(DidFailToConnect{ID: p.ID(), Name: p.Name(), Reason: "canceled"})
	}
}

// failAttemptLocked ends the attempt and builds the failure event.
func (e *Engine) failAttemptLocked(reason string) []Event {
	p := e.current
	e.resetAttemptLocked()
	if p == nil {
		return nil
	}
	return []Event{DidFailToConnect{ID: p.ID(), Name: p.Name(), Reason: reason}}
}
