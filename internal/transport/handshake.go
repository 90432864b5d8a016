package transport

import (
	"time"

	"github.com/0xc0re/eaze/internal/logger"
	"github.com/0xc0re/eaze/internal/registry"
)

// hsStep tags where the verification state machine currently is. Every
// timer and callback checks the attempt generation and the verified flag
// before acting, so a step that fires late is a no-op.
type hsStep int

const (
	hsIdle hsStep = iota
	// Unknown-device escalation: try both write modes with a version query,
	// then both with a raw CLI probe.
	hsVersionWithoutResponse
	hsVersionWithResponse
	hsProbeWithoutResponse
	hsProbeWithResponse
	// Known-device fast path: remembered write mode, then one probe.
	hsKnownVersion
	hsKnownProbe
	// All probes exhausted; waiting on the consumer's retry/cancel call.
	hsStalled
)

func (s hsStep) String() string {
	switch s {
	case hsVersionWithoutResponse:
		return "version/without_response"
	case hsVersionWithResponse:
		return "version/with_response"
	case hsProbeWithoutResponse:
		return "cli_probe/without_response"
	case hsProbeWithResponse:
		return "cli_probe/with_response"
	case hsKnownVersion:
		return "version/known_mode"
	case hsKnownProbe:
		return "cli_probe/known_mode"
	case hsStalled:
		return "stalled"
	}
	return "idle"
}

func nextStep(s hsStep) hsStep {
	switch s {
	case hsVersionWithoutResponse:
		return hsVersionWithResponse
	case hsVersionWithResponse:
		return hsProbeWithoutResponse
	case hsProbeWithoutResponse:
		return hsProbeWithResponse
	case hsKnownVersion:
		return hsKnownProbe
	}
	return hsStalled
}

type handshake struct {
	step              hsStep
	known             bool
	writeWithResponse bool
	verified          bool
	stepTimer         *time.Timer
}

// beginHandshakeLocked picks the entry step from the registry and arms the
// first probe. The returned action performs the step's sends and must run
// after the engine lock is released.
func (e *Engine) beginHandshakeLocked(gen uint64) (func(), []Event) {
	dev, known := e.reg.Lookup(e.current.ID())
	e.hs.known = known
	if known {
		e.hs.step = hsKnownVersion
		e.hs.writeWithResponse = dev.WriteWithResponse
	} else {
		e.hs.step = hsVersionWithoutResponse
		e.hs.writeWithResponse = false
	}
	return e.stepActionLocked(gen)
}

// hsFire is the step timer body: escalate to the next step unless the
// attempt already verified, failed, or was superseded.
func (e *Engine) hsFire(gen uint64) {
	e.mu.Lock()
	if e.attempt != gen || e.hs.verified || e.phase != StateConnected {
		e.mu.Unlock()
		return
	}

	e.hs.step = nextStep(e.hs.step)
	logger.Debug("[HS] escalating to step %s", e.hs.step)

	act, evs := e.stepActionLocked(gen)
	e.mu.Unlock()
	e.emit(evs...)
	if act != nil {
		act()
	}
}

// stepActionLocked sets the write mode for the current step, arms the
// intercept and the advance timer as needed, and returns the step's send
// action to run off the lock.
func (e *Engine) stepActionLocked(gen uint64) (func(), []Event) {
	switch e.hs.step {
	case hsVersionWithoutResponse:
		e.hs.writeWithResponse = false
		return e.versionStepLocked(gen), nil
	case hsVersionWithResponse:
		e.hs.writeWithResponse = true
		return e.versionStepLocked(gen), nil
	case hsKnownVersion:
		// Write mode already set from the registry entry.
		return e.versionStepLocked(gen), nil

	case hsProbeWithoutResponse:
		e.hs.writeWithResponse = false
		return e.probeStepLocked(gen), nil
	case hsProbeWithResponse:
		e.hs.writeWithResponse = true
		return e.probeStepLocked(gen), nil
	case hsKnownProbe:
		return e.probeStepLocked(gen), nil

	case hsStalled:
		// The last probe's intercept stays armed: a device that echoes
		// late still gets the CLI exit and a version retry while the
		// stalled decision is pending.
		p := e.current
		logger.Warn("[HS] %s answered no probe, escalating to user decision", p.ID())
		ev := VerificationStalled{
			ID:     p.ID(),
			Name:   p.Name(),
			Retry:  func() { e.forceVerified(gen) },
			Cancel: func() { e.cancelVerification(gen) },
		}
		return nil, []Event{ev}
	}
	return nil, nil
}

// versionStepLocked asks the codec for a version query and arms the next
// escalation.
func (e *Engine) versionStepLocked(gen uint64) func() {
	codec := e.codec
	e.armStepTimerLocked(gen)
	if codec == nil {
		return nil
	}
	return func() {
		codec.SendRequest([]int{CmdAPIVersion}, func(resp Response) {
			e.completeVerification(gen, resp)
		})
	}
}

// probeStepLocked sends the raw CLI probe and arms the one-shot handler:
// any reply means the controller sits in command-line mode, so leave that
// mode and retry the version query.
func (e *Engine) probeStepLocked(gen uint64) func() {
	link := e.link
	mode := e.writeModeLocked()
	e.rxIntercept = func([]byte) { e.exitCommandLine(gen) }
	e.armStepTimerLocked(gen)
	if link == nil {
		return nil
	}
	return func() {
		if err := link.Write([]byte(cliProbe), mode); err != nil {
			logger.Debug("[HS] cli probe write failed: %v", err)
		}
	}
}

func (e *Engine) armStepTimerLocked(gen uint64) {
	if e.hs.stepTimer != nil {
		e.hs.stepTimer.Stop()
	}
	e.hs.stepTimer = time.AfterFunc(e.stepInterval, func() { e.hsFire(gen) })
}

func (e *Engine) writeModeLocked() WriteMode {
	if e.hs.writeWithResponse {
		return WriteWithResponse
	}
	return WriteWithoutResponse
}

// exitCommandLine runs when the raw probe got a reply: the device is in
// CLI mode. Send the exit command, then retry the version query in the
// same write mode.
func (e *Engine) exitCommandLine(gen uint64) {
	e.mu.Lock()
	if e.attempt != gen || e.hs.verified || e.phase != StateConnected {
		e.mu.Unlock()
		return
	}
	link := e.link
	mode := e.writeModeLocked()
	codec := e.codec
	e.mu.Unlock()

	logger.Info("[HS] device is in command-line mode, sending exit")
	if link != nil {
		if err := link.Write([]byte(cliExit), mode); err != nil {
			logger.Debug("[HS] cli exit write failed: %v", err)
		}
	}
	if codec != nil {
		codec.SendRequest([]int{CmdAPIVersion}, func(resp Response) {
			e.completeVerification(gen, resp)
		})
	}
}

// completeVerification is the version-query completion. Only the first
// successful call flips the attempt to verified; every later timer and
// callback for this attempt sees the flag and stands down.
func (e *Engine) completeVerification(gen uint64, resp Response) {
	e.mu.Lock()
	if e.attempt != gen || e.hs.verified || e.phase != StateConnected {
		e.mu.Unlock()
		return
	}

	v := APIVersion{Major: resp.VersionMajor, Minor: resp.VersionMinor}
	p := e.current

	if !v.Supported() {
		// Hard rejection: a correctly answering device on an unsupported
		// protocol version must not be talked to further.
		logger.Warn("[HS] %s reports API %s, supported range is [%s, %s)",
			p.ID(), v, MinSupportedVersion, MaxSupportedVersion)
		evs := e.failAttemptLocked(ErrIncompatibleVersion.Error())
		e.mu.Unlock()
		e.emit(evs...)
		return
	}

	e.hs.verified = true
	e.phase = StateVerified
	if e.hs.stepTimer != nil {
		e.hs.stepTimer.Stop()
		e.hs.stepTimer = nil
	}
	e.rxIntercept = nil

	withResponse := e.hs.writeWithResponse
	codec := e.codec

	if _, known := e.reg.Lookup(p.ID()); !known {
		err := e.reg.Append(registry.Device{
			ID:                p.ID(),
			Name:              p.Name(),
			AutoConnect:       true,
			WriteWithResponse: withResponse,
		})
		if err != nil {
			logger.Error("[HS] failed to persist device registry: %v", err)
		}
	}
	e.mu.Unlock()

	logger.Info("[HS] %s verified, API %s, write mode %s", p.ID(), v, e.writeModeString(withResponse))
	e.emit(DidConnect{
		ID:                p.ID(),
		Name:              p.Name(),
		WriteWithResponse: withResponse,
		APIVersion:        v.String(),
	})

	if codec != nil {
		for _, code := range identityRequestCodes {
			codec.SendRequest([]int{code}, nil)
		}
	}
}

func (e *Engine) writeModeString(withResponse bool) string {
	if withResponse {
		return WriteWithResponse.String()
	}
	return WriteWithoutResponse.String()
}

// forceVerified resolves a stalled verification by trusting the device
// despite no confirmed response. The registry is left untouched: there is
// no confirmed write mode to remember.
func (e *Engine) forceVerified(gen uint64) {
	e.mu.Lock()
	if e.attempt != gen || e.hs.verified || e.phase != StateConnected {
		e.mu.Unlock()
		return
	}

	e.hs.verified = true
	e.phase = StateVerified
	if e.hs.stepTimer != nil {
		e.hs.stepTimer.Stop()
		e.hs.stepTimer = nil
	}
	e.rxIntercept = nil
	p := e.current
	withResponse := e.hs.writeWithResponse
	e.mu.Unlock()

	logger.Warn("[HS] %s forced through without a confirmed response", p.ID())
	e.emit(DidConnect{ID: p.ID(), Name: p.Name(), WriteWithResponse: withResponse})
}

// cancelVerification resolves a stalled verification by disconnecting.
func (e *Engine) cancelVerification(gen uint64) {
	e.mu.Lock()
	if e.attempt != gen || e.hs.verified || e.phase != StateConnected {
		e.mu.Unlock()
		return
	}
	evs := e.failAttemptLocked(ErrHandshakeExhausted.Error())
	e.mu.Unlock()
	e.emit(evs...)
}
