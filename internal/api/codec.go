package api

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xc0re/eaze/internal/logger"
	"github.com/0xc0re/eaze/internal/transport"
)

// pendingTTL bounds how long an unanswered protocol request is kept.
const pendingTTL = 30 * time.Second

// RawWriter is the outbound byte path back to the peripheral.
type RawWriter interface {
	WriteRaw(p []byte) error
}

// Bridge moves protocol traffic between the engine and websocket
// clients. The clients own the wire protocol: the bridge hands them raw
// inbound bytes and version-query requests, and routes their answers
// and raw outbound frames back.
type Bridge struct {
	hub    *Hub
	writer RawWriter

	mu      sync.Mutex
	pending map[string]func(transport.Response)
}

func NewBridge(hub *Hub, writer RawWriter) *Bridge {
	b := &Bridge{
		hub:     hub,
		writer:  writer,
		pending: make(map[string]func(transport.Response)),
	}
	hub.SetMessageHandler(b.handleClientMessage)
	return b
}

type requestPayload struct {
	ID    string `json:"id"`
	Codes []int  `json:"codes"`
}

type responsePayload struct {
	ID           string `json:"id"`
	VersionMajor int    `json:"version_major"`
	VersionMinor int    `json:"version_minor"`
}

type rawPayload struct {
	Data string `json:"data"`
}

// Receive forwards inbound peripheral bytes to every client.
func (b *Bridge) Receive(data []byte) {
	b.hub.Broadcast("raw_rx", rawPayload{Data: base64.StdEncoding.EncodeToString(data)})
}

// SendRequest asks the clients to issue a protocol request. A non-nil
// completion is parked until a client answers with the matching id.
func (b *Bridge) SendRequest(codes []int, completion func(transport.Response)) {
	id := uuid.NewString()
	if completion != nil {
		b.mu.Lock()
		b.pending[id] = completion
		b.mu.Unlock()
		time.AfterFunc(pendingTTL, func() {
			b.mu.Lock()
			delete(b.pending, id)
			b.mu.Unlock()
		})
	}
	b.hub.Broadcast("msp_request", requestPayload{ID: id, Codes: codes})
}

func (b *Bridge) handleClientMessage(raw []byte) {
	var msg WSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Debug("[WS] bad client frame: %v", err)
		return
	}
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return
	}

	switch msg.Type {
	case "msp_response":
		var p responsePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			logger.Debug("[WS] bad msp_response: %v", err)
			return
		}
		b.mu.Lock()
		completion := b.pending[p.ID]
		delete(b.pending, p.ID)
		b.mu.Unlock()
		if completion != nil {
			completion(transport.Response{VersionMajor: p.VersionMajor, VersionMinor: p.VersionMinor})
		}

	case "raw_tx":
		var p rawPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			logger.Debug("[WS] bad raw_tx: %v", err)
			return
		}
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			logger.Debug("[WS] bad raw_tx encoding: %v", err)
			return
		}
		if err := b.writer.WriteRaw(data); err != nil {
			logger.Debug("[WS] raw write failed: %v", err)
		}
	}
}
