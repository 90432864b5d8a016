package transport

import (
	"github.com/0xc0re/eaze/internal/logger"
)

// handleReceive is the link's inbound data path. A one-shot intercept
// installed by a probe step fires first; every frame is then forwarded
// to the codec regardless, so protocol traffic is never swallowed.
func (e *Engine) handleReceive(gen uint64, data []byte) {
	e.mu.Lock()
	if e.attempt != gen {
		e.mu.Unlock()
		return
	}
	intercept := e.rxIntercept
	e.rxIntercept = nil
	codec := e.codec
	e.mu.Unlock()

	if intercept != nil {
		intercept(data)
	}
	if codec != nil {
		codec.Receive(data)
	}
}

// WriteRaw sends bytes to the connected peripheral using the write mode
// the verification settled on.
func (e *Engine) WriteRaw(p []byte) error {
	e.mu.Lock()
	link := e.link
	mode := e.writeModeLocked()
	e.mu.Unlock()

	if link == nil {
		return ErrNotConnected
	}
	return link.Write(p, mode)
}

// ReadSignal asks the radio for the current signal strength of the
// connected peripheral. The callback is skipped entirely when nothing is
// connected or the read fails.
func (e *Engine) ReadSignal(cb func(rssi float64)) {
	e.mu.Lock()
	link := e.link
	e.mu.Unlock()

	if link == nil || cb == nil {
		return
	}
	go func() {
		rssi, err := link.RSSI()
		if err != nil {
			logger.Debug("[BLE] signal read failed: %v", err)
			return
		}
		cb(rssi)
	}()
}
