package transport

import (
	"strings"
	"testing"

	"github.com/0xc0re/eaze/internal/registry"
)

// connectDevice brings a discovered peripheral to the connected (but not
// yet verified) state.
func connectDevice(t *testing.T, e *Engine, central *fakeCentral, codec *fakeCodec, p fakePeripheral) {
	t.Helper()
	e.StartScan()
	central.advertise(p, -80)
	if err := e.Connect(p.id); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "first version request", func() bool { return codec.requestCount() >= 1 })
}

func TestUnknownDeviceEscalatesThroughAllSteps(t *testing.T) {
	e, central, _, codec, rec := newTestEngine(t, fakeSettings{})
	connectDevice(t, e, central, codec, fakePeripheral{id: "aa", name: "Quad A"})

	waitFor(t, "stalled event", func() bool { return rec.count(EventVerificationStalled) == 1 })

	if n := codec.requestCount(); n < 2 {
		t.Errorf("expected version requests in both write modes, got %d", n)
	}

	writes := central.link.writeLog()
	var probes []fakeWrite
	for _, w := range writes {
		if w.data == cliProbe {
			probes = append(probes, w)
		}
	}
	if len(probes) != 2 {
		t.Fatalf("expected 2 CLI probes, got %d", len(probes))
	}
	if probes[0].mode != WriteWithoutResponse || probes[1].mode != WriteWithResponse {
		t.Errorf("probe modes out of order: %v then %v", probes[0].mode, probes[1].mode)
	}

	ev := rec.ofType(EventVerificationStalled)[0].(VerificationStalled)
	if ev.Retry == nil || ev.Cancel == nil {
		t.Error("stalled event must carry both resolution callbacks")
	}
	if e.State() != StateConnected {
		t.Errorf("stalled attempt should stay connected, got %s", e.State())
	}
}

func TestProbeReplyExitsCommandLineMode(t *testing.T) {
	e, central, _, codec, rec := newTestEngine(t, fakeSettings{})
	connectDevice(t, e, central, codec, fakePeripheral{id: "aa", name: "Quad A"})

	// Wait until the handshake reaches a raw probe step.
	waitFor(t, "cli probe", func() bool {
		for _, w := range central.link.writeLog() {
			if w.data == cliProbe {
				return true
			}
		}
		return false
	})

	before := codec.requestCount()
	central.deliver([]byte("# Unknown command, try 'help'"))

	waitFor(t, "exit command", func() bool {
		for _, w := range central.link.writeLog() {
			if w.data == cliExit {
				return true
			}
		}
		return false
	})
	waitFor(t, "retried version request", func() bool { return codec.requestCount() > before })

	// The probe reply still reaches the codec.
	if codec.receivedCount() == 0 {
		t.Error("intercepted frame must still be forwarded to the codec")
	}

	codec.respond(t, codec.requestCount()-1, Response{VersionMajor: 1, VersionMinor: 43})
	waitFor(t, "verified", func() bool { return e.State() == StateVerified })
	if n := rec.count(EventDidConnect); n != 1 {
		t.Errorf("expected 1 DidConnect, got %d", n)
	}
}

func TestKnownDeviceUsesRememberedWriteMode(t *testing.T) {
	e, central, reg, codec, rec := newTestEngine(t, fakeSettings{})
	if err := reg.Append(registry.Device{ID: "aa", Name: "Known Quad", WriteWithResponse: true}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	connectDevice(t, e, central, codec, fakePeripheral{id: "aa", name: "Known Quad"})

	// Outbound writes use the remembered mode from the first step on.
	if err := e.WriteRaw([]byte{0x24}); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	writes := central.link.writeLog()
	if writes[len(writes)-1].mode != WriteWithResponse {
		t.Error("known device should start in its remembered write mode")
	}

	waitFor(t, "stalled event", func() bool { return rec.count(EventVerificationStalled) == 1 })

	// Known devices get the short sequence: one version query, one probe.
	if n := codec.requestCount(); n != 1 {
		t.Errorf("expected a single version request, got %d", n)
	}
	var probes []fakeWrite
	for _, w := range central.link.writeLog() {
		if w.data == cliProbe {
			probes = append(probes, w)
		}
	}
	if len(probes) != 1 {
		t.Fatalf("expected 1 CLI probe, got %d", len(probes))
	}
	if probes[0].mode != WriteWithResponse {
		t.Errorf("probe should use remembered mode, got %v", probes[0].mode)
	}
}

func TestDuplicateResponsesVerifyOnce(t *testing.T) {
	e, central, _, codec, rec := newTestEngine(t, fakeSettings{})
	connectDevice(t, e, central, codec, fakePeripheral{id: "aa", name: "Quad A"})

	waitFor(t, "second version request", func() bool { return codec.requestCount() >= 2 })

	codec.respond(t, 0, Response{VersionMajor: 1, VersionMinor: 43})
	codec.respond(t, 1, Response{VersionMajor: 1, VersionMinor: 43})

	waitFor(t, "verified", func() bool { return e.State() == StateVerified })
	if n := rec.count(EventDidConnect); n != 1 {
		t.Errorf("expected exactly 1 DidConnect, got %d", n)
	}
}

func TestIncompatibleVersionRejected(t *testing.T) {
	e, central, reg, codec, rec := newTestEngine(t, fakeSettings{})
	connectDevice(t, e, central, codec, fakePeripheral{id: "aa", name: "Old Quad"})

	codec.respond(t, 0, Response{VersionMajor: 1, VersionMinor: 10})

	waitFor(t, "rejection", func() bool { return rec.count(EventDidFailToConnect) == 1 })
	ev := rec.ofType(EventDidFailToConnect)[0].(DidFailToConnect)
	if !strings.Contains(ev.Reason, ErrIncompatibleVersion.Error()) {
		t.Errorf("expected incompatible-version reason, got %q", ev.Reason)
	}
	if reg.Len() != 0 {
		t.Error("rejected device must not enter the registry")
	}
	if e.State() != StateIdle {
		t.Errorf("expected idle state, got %s", e.State())
	}
}

func TestAPIVersionRange(t *testing.T) {
	cases := []struct {
		v    APIVersion
		want bool
	}{
		{APIVersion{1, 15}, false},
		{APIVersion{1, 16}, true},
		{APIVersion{1, 46}, true},
		{APIVersion{1, 99}, true},
		{APIVersion{2, 0}, false},
		{APIVersion{2, 5}, false},
		{APIVersion{0, 99}, false},
	}
	for _, c := range cases {
		if got := c.v.Supported(); got != c.want {
			t.Errorf("Supported(%s) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestStalledRetryForcesVerification(t *testing.T) {
	e, central, reg, codec, rec := newTestEngine(t, fakeSettings{})
	connectDevice(t, e, central, codec, fakePeripheral{id: "aa", name: "Silent Quad"})

	waitFor(t, "stalled event", func() bool { return rec.count(EventVerificationStalled) == 1 })
	ev := rec.ofType(EventVerificationStalled)[0].(VerificationStalled)

	ev.Retry()

	waitFor(t, "verified", func() bool { return e.State() == StateVerified })
	evs := rec.ofType(EventDidConnect)
	if len(evs) != 1 {
		t.Fatalf("expected 1 DidConnect, got %d", len(evs))
	}
	if v := evs[0].(DidConnect).APIVersion; v != "" {
		t.Errorf("forced verification carries no confirmed version, got %q", v)
	}
	if reg.Len() != 0 {
		t.Error("forced verification must not persist the device")
	}
}

func TestStalledLateEchoStillRecovers(t *testing.T) {
	e, central, _, codec, rec := newTestEngine(t, fakeSettings{})
	connectDevice(t, e, central, codec, fakePeripheral{id: "aa", name: "Slow Quad"})

	waitFor(t, "stalled event", func() bool { return rec.count(EventVerificationStalled) == 1 })
	before := codec.requestCount()

	// A CLI echo arriving after the stall still drives the exit-and-retry
	// path while the user decision is pending.
	central.deliver([]byte("# Unknown command, try 'help'"))

	waitFor(t, "exit command", func() bool {
		for _, w := range central.link.writeLog() {
			if w.data == cliExit {
				return true
			}
		}
		return false
	})
	waitFor(t, "retried version request", func() bool { return codec.requestCount() > before })

	codec.respond(t, codec.requestCount()-1, Response{VersionMajor: 1, VersionMinor: 43})
	waitFor(t, "verified", func() bool { return e.State() == StateVerified })
	if n := rec.count(EventDidConnect); n != 1 {
		t.Errorf("expected 1 DidConnect, got %d", n)
	}
}

func TestStalledCancelTearsDown(t *testing.T) {
	e, central, _, codec, rec := newTestEngine(t, fakeSettings{})
	connectDevice(t, e, central, codec, fakePeripheral{id: "aa", name: "Silent Quad"})

	waitFor(t, "stalled event", func() bool { return rec.count(EventVerificationStalled) == 1 })
	ev := rec.ofType(EventVerificationStalled)[0].(VerificationStalled)

	ev.Cancel()

	waitFor(t, "failure event", func() bool { return rec.count(EventDidFailToConnect) == 1 })
	fe := rec.ofType(EventDidFailToConnect)[0].(DidFailToConnect)
	if !strings.Contains(fe.Reason, ErrHandshakeExhausted.Error()) {
		t.Errorf("expected exhausted reason, got %q", fe.Reason)
	}
	if e.State() != StateIdle {
		t.Errorf("expected idle state, got %s", e.State())
	}
	if !central.link.isClosed() {
		t.Error("link should be closed on cancel")
	}
}
