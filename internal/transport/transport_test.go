package transport

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/0xc0re/eaze/internal/registry"
)

type fakePeripheral struct {
	id   string
	name string
}

func (p fakePeripheral) ID() string   { return p.id }
func (p fakePeripheral) Name() string { return p.name }

type fakeWrite struct {
	data string
	mode WriteMode
}

type fakeLink struct {
	mu      sync.Mutex
	writes  []fakeWrite
	rssi    float64
	rssiErr error
	closed  bool
}

func (l *fakeLink) Write(p []byte, mode WriteMode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, fakeWrite{data: string(p), mode: mode})
	return nil
}

func (l *fakeLink) RSSI() (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rssi, l.rssiErr
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) writeLog() []fakeWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]fakeWrite, len(l.writes))
	copy(out, l.writes)
	return out
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

type fakeCentral struct {
	mu           sync.Mutex
	powered      bool
	stateHandler func(bool)
	scanFound    func(Peripheral, float64)
	scanning     bool
	stopCount    int
	connected    []Peripheral
	link         *fakeLink
	connectErr   error
	connectHold  chan struct{}
	connectCalls int
	onData       func([]byte)
	onClosed     func(error)
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{powered: true, link: &fakeLink{}}
}

func (c *fakeCentral) PoweredOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powered
}

func (c *fakeCentral) SetStateHandler(fn func(bool)) {
	c.mu.Lock()
	c.stateHandler = fn
	c.mu.Unlock()
}

func (c *fakeCentral) Scan(allowDuplicates bool, found func(Peripheral, float64)) error {
	c.mu.Lock()
	c.scanning = true
	c.scanFound = found
	c.mu.Unlock()
	return nil
}

func (c *fakeCentral) StopScan() error {
	c.mu.Lock()
	c.scanning = false
	c.stopCount++
	c.mu.Unlock()
	return nil
}

func (c *fakeCentral) ConnectedPeripherals() []Peripheral {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeCentral) Connect(p Peripheral, onData func([]byte), onClosed func(error)) (Link, error) {
	c.mu.Lock()
	c.connectCalls++
	c.onData = onData
	c.onClosed = onClosed
	hold := c.connectHold
	err := c.connectErr
	link := c.link
	c.mu.Unlock()

	if hold != nil {
		<-hold
	}
	if err != nil {
		return nil, err
	}
	return link, nil
}

// advertise feeds a sighting through the active scan callback.
func (c *fakeCentral) advertise(p Peripheral, rssi float64) {
	c.mu.Lock()
	found := c.scanFound
	c.mu.Unlock()
	if found != nil {
		found(p, rssi)
	}
}

// setPowered flips the radio and fires the registered state handler.
func (c *fakeCentral) setPowered(on bool) {
	c.mu.Lock()
	c.powered = on
	fn := c.stateHandler
	c.mu.Unlock()
	if fn != nil {
		fn(on)
	}
}

// deliver pushes inbound bytes through the link's data callback.
func (c *fakeCentral) deliver(data []byte) {
	c.mu.Lock()
	fn := c.onData
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// dropLink fires the link-closed callback as the platform would.
func (c *fakeCentral) dropLink(err error) {
	c.mu.Lock()
	fn := c.onClosed
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (c *fakeCentral) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectCalls
}

func (c *fakeCentral) isScanning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanning
}

type fakeCodec struct {
	mu          sync.Mutex
	received    [][]byte
	requests    [][]int
	completions []func(Response)
}

func (c *fakeCodec) Receive(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.received = append(c.received, buf)
}

func (c *fakeCodec) SendRequest(codes []int, completion func(Response)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, codes)
	c.completions = append(c.completions, completion)
}

func (c *fakeCodec) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *fakeCodec) receivedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

// respond fires the completion of request i, if one was attached.
func (c *fakeCodec) respond(t *testing.T, i int, resp Response) {
	t.Helper()
	c.mu.Lock()
	if i >= len(c.completions) {
		c.mu.Unlock()
		t.Fatalf("no request %d to respond to (have %d)", i, len(c.completions))
	}
	fn := c.completions[i]
	c.mu.Unlock()
	if fn == nil {
		t.Fatalf("request %d has no completion", i)
	}
	fn(resp)
}

type fakeSettings struct {
	autoNew   bool
	autoKnown bool
}

func (s fakeSettings) AutoConnectNew() bool   { return s.autoNew }
func (s fakeSettings) AutoConnectKnown() bool { return s.autoKnown }

// eventRecorder collects emitted events for assertions.
type eventRecorder struct {
	mu  sync.Mutex
	evs []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *eventRecorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.evs {
		if ev.Type() == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) count(t EventType) int {
	return len(r.ofType(t))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestEngine builds an engine with shortened timers over fakes.
func newTestEngine(t *testing.T, settings fakeSettings) (*Engine, *fakeCentral, *registry.Store, *fakeCodec, *eventRecorder) {
	t.Helper()
	central := newFakeCentral()
	reg := registry.NewStore(filepath.Join(t.TempDir(), "devices.yaml"))
	if err := reg.Load(); err != nil {
		t.Fatalf("load registry: %v", err)
	}

	e := New(central, reg, settings)
	e.connectTimeout = 60 * time.Millisecond
	e.stepInterval = 25 * time.Millisecond

	codec := &fakeCodec{}
	e.SetCodec(codec)

	rec := &eventRecorder{}
	e.AddListener(rec.record)
	return e, central, reg, codec, rec
}
