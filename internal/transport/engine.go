// Package transport implements the BLE serial-bridge connection engine:
// peripheral discovery and ranking, the auto-connect policy, the
// single-slot connection lifecycle, the multi-step handshake that verifies
// a device speaks MSP, and the raw byte relay feeding the codec layer.
//
// All platform callbacks, timer expirations and API calls serialize on the
// engine mutex; events are emitted only after the lock is released so
// listeners may call back into the engine.
package transport

import (
	"sync"
	"time"

	"github.com/0xc0re/eaze/internal/logger"
	"github.com/0xc0re/eaze/internal/registry"
)

// ConnState is the externally visible connection state.
type ConnState string

const (
	StateIdle      ConnState = "idle"
	StateScanning  ConnState = "scanning"
	StatePending   ConnState = "pending"
	StateConnected ConnState = "connected"
	StateVerified  ConnState = "verified"
)

// Discovered is one entry of the scan result list.
type Discovered struct {
	Peripheral Peripheral
	RSSI       float64
}

// Engine owns the single in-flight connection and the discovered list.
type Engine struct {
	mu       sync.Mutex
	central  Central
	reg      *registry.Store
	settings Settings
	codec    Codec
	events   *dispatcher

	// Timer intervals, fixed in production; tests shorten them.
	connectTimeout time.Duration
	stepInterval   time.Duration

	scanning   bool
	discovered []Discovered

	// The single connection slot. attempt increments whenever a new attempt
	// starts or the current one ends, which invalidates every timer and
	// callback armed for the previous attempt.
	phase        ConnState
	current      Peripheral
	link         Link
	attempt      uint64
	connectTimer *time.Timer

	hs          handshake
	rxIntercept func([]byte)
}

// New creates the engine. The registry must already be loaded.
func New(central Central, reg *registry.Store, settings Settings) *Engine {
	e := &Engine{
		central:        central,
		reg:            reg,
		settings:       settings,
		events:         newDispatcher(),
		connectTimeout: ConnectTimeout,
		stepInterval:   HandshakeStepInterval,
		phase:          StateIdle,
	}
	central.SetStateHandler(e.handleRadioState)
	return e
}

// SetCodec attaches the MSP codec collaborator.
func (e *Engine) SetCodec(c Codec) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codec = c
}

// AddListener registers a synchronous event listener.
func (e *Engine) AddListener(fn func(Event)) {
	e.events.addListener(fn)
}

// Events returns the event channel. Slow consumers lose oldest events.
func (e *Engine) Events() <-chan Event {
	return e.events.events()
}

// State reports the current connection state.
func (e *Engine) State() ConnState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase == StateIdle && e.scanning {
		return StateScanning
	}
	return e.phase
}

// Scanning reports whether a discovery pass is active.
func (e *Engine) Scanning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scanning
}

// Current returns the peripheral occupying the connection slot, if any.
func (e *Engine) Current() (id, name string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return "", "", false
	}
	return e.current.ID(), e.current.Name(), true
}

// PoweredOn reports whether the radio is usable.
func (e *Engine) PoweredOn() bool {
	return e.central.PoweredOn()
}

// emit publishes events outside the engine lock, in order.
func (e *Engine) emit(evs ...Event) {
	for _, ev := range evs {
		e.events.publish(ev)
	}
}

// handleRadioState runs on radio power transitions. Powering off force
// resets all in-flight state.
func (e *Engine) handleRadioState(poweredOn bool) {
	evs := []Event{DidUpdateRadioState{PoweredOn: poweredOn}}

	if !poweredOn {
		e.mu.Lock()
		e.discovered = nil
		e.scanning = false
		if e.current != nil {
			prior := e.phase
			p := e.current
			e.resetAttemptLocked()
			if prior == StateVerified {
				evs = append(evs, DidDisconnect{ID: p.ID(), Name: p.Name()})
			} else {
				evs = append(evs, DidFailToConnect{ID: p.ID(), Name: p.Name(), Reason: ErrRadioOff.Error()})
			}
		}
		e.mu.Unlock()
		logger.Warn("[BLE] radio powered off, connection state reset")
	}

	e.emit(evs...)
}

// resetAttemptLocked ends the current attempt: it stops every timer, clears
// the one-shot receive handler together with the peripheral slot, closes
// the link, and bumps the attempt counter so stale callbacks become no-ops.
func (e *Engine) resetAttemptLocked() {
	if e.connectTimer != nil {
		e.connectTimer.Stop()
		e.connectTimer = nil
	}
	if e.hs.stepTimer != nil {
		e.hs.stepTimer.Stop()
	}
	e.hs = handshake{}
	e.rxIntercept = nil
	if e.link != nil {
		e.link.Close()
		e.link = nil
	}
	e.current = nil
	e.phase = StateIdle
	e.attempt++
}
