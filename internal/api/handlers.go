package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/0xc0re/eaze/internal/config"
	"github.com/0xc0re/eaze/internal/registry"
	"github.com/0xc0re/eaze/internal/transport"
)

type Handler struct {
	config     *config.Manager
	engine     *transport.Engine
	registry   *registry.Store
	wsHub      *Hub
	startTime  time.Time
	appVersion string

	// Resolution callbacks for a stalled verification, valid until the
	// attempt resolves one way or the other.
	stalledMu     sync.Mutex
	stalledRetry  func()
	stalledCancel func()
}

func NewHandler(cfg *config.Manager, engine *transport.Engine, reg *registry.Store, hub *Hub) *Handler {
	h := &Handler{
		config:    cfg,
		engine:    engine,
		registry:  reg,
		wsHub:     hub,
		startTime: time.Now(),
	}
	engine.AddListener(h.onTransportEvent)
	return h
}

// SetVersion sets the application version reported by the status endpoint.
func (h *Handler) SetVersion(version string) {
	h.appVersion = version
}

// onTransportEvent mirrors every engine event onto the websocket and
// tracks the stalled-verification callbacks.
func (h *Handler) onTransportEvent(ev transport.Event) {
	switch e := ev.(type) {
	case transport.VerificationStalled:
		h.stalledMu.Lock()
		h.stalledRetry = e.Retry
		h.stalledCancel = e.Cancel
		h.stalledMu.Unlock()
	case transport.DidConnect, transport.DidFailToConnect, transport.DidDisconnect:
		h.stalledMu.Lock()
		h.stalledRetry = nil
		h.stalledCancel = nil
		h.stalledMu.Unlock()
	}
	h.wsHub.Broadcast(string(ev.Type()), ev)
}

// ========== Types ==========

type DeviceInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	RSSI        float64 `json:"rssi"`
	Known       bool    `json:"known"`
	AutoConnect bool    `json:"auto_connect"`
}

type DeviceListResponse struct {
	Devices  []DeviceInfo `json:"devices"`
	Scanning bool         `json:"scanning"`
}

type StatusResponse struct {
	Uptime     int64  `json:"uptime"`
	Version    string `json:"version"`
	PoweredOn  bool   `json:"powered_on"`
	State      string `json:"state"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	Clients    int    `json:"ws_clients"`
}

type RegistryResponse struct {
	Devices []registry.Device `json:"devices"`
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// ========== Device Endpoints ==========

// HandleDevices returns the discovered peripheral list.
func (h *Handler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	discovered := h.engine.Discovered()
	devices := make([]DeviceInfo, 0, len(discovered))
	for _, d := range discovered {
		dev, known := h.registry.Lookup(d.Peripheral.ID())
		devices = append(devices, DeviceInfo{
			ID:          d.Peripheral.ID(),
			Name:        d.Peripheral.Name(),
			RSSI:        d.RSSI,
			Known:       known,
			AutoConnect: known && dev.AutoConnect,
		})
	}

	json.NewEncoder(w).Encode(DeviceListResponse{
		Devices:  devices,
		Scanning: h.engine.Scanning(),
	})
}

// HandleScanStart begins a discovery pass.
func (h *Handler) HandleScanStart(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.engine.PoweredOn() {
		jsonError(w, "Bluetooth radio is off", http.StatusConflict)
		return
	}

	h.engine.StartScan()
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "scanning",
	})
}

// HandleScanStop ends the discovery pass.
func (h *Handler) HandleScanStop(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.engine.StopScan()
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "stopped",
	})
}

// HandleDeviceAction routes /api/devices/{id}/connect and
// /api/devices/{id}/disconnect.
func (h *Handler) HandleDeviceAction(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, action, ok := parseDevicePath(r.URL.Path)
	if !ok {
		jsonError(w, "Device ID and action required", http.StatusBadRequest)
		return
	}

	switch action {
	case "connect":
		if err := h.engine.Connect(id); err != nil {
			jsonError(w, fmt.Sprintf("Failed to connect: %v", err), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "connecting",
		})
	case "disconnect":
		h.engine.Disconnect()
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "disconnected",
		})
	default:
		jsonError(w, fmt.Sprintf("Unknown action: %s", action), http.StatusNotFound)
	}
}

// parseDevicePath splits /api/devices/{id}/{action}. Device ids are MAC
// addresses, so colons are expected in the id segment.
func parseDevicePath(path string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, "/api/devices/")
	if rest == path {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ========== Registry and Config ==========

func (h *Handler) HandleRegistry(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RegistryResponse{Devices: h.registry.Devices()})
}

func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		cfg := h.config.Get()
		json.NewEncoder(w).Encode(cfg)
	case http.MethodPut, http.MethodPost:
		var cfg config.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			jsonError(w, fmt.Sprintf("Invalid config: %v", err), http.StatusBadRequest)
			return
		}
		if err := h.config.Update(cfg); err != nil {
			jsonError(w, fmt.Sprintf("Failed to update config: %v", err), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(h.config.Get())
	default:
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// ========== Status ==========

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := StatusResponse{
		Uptime:    int64(time.Since(h.startTime).Seconds()),
		Version:   h.appVersion,
		PoweredOn: h.engine.PoweredOn(),
		State:     string(h.engine.State()),
		Clients:   h.wsHub.ClientCount(),
	}
	if id, name, ok := h.engine.Current(); ok {
		resp.DeviceID = id
		resp.DeviceName = name
	}
	json.NewEncoder(w).Encode(resp)
}

// ========== Verification Resolution ==========

// HandleVerifyRetry trusts a device whose verification stalled.
func (h *Handler) HandleVerifyRetry(w http.ResponseWriter, r *http.Request) {
	h.resolveStalled(w, r, true)
}

// HandleVerifyCancel abandons a stalled verification.
func (h *Handler) HandleVerifyCancel(w http.ResponseWriter, r *http.Request) {
	h.resolveStalled(w, r, false)
}

func (h *Handler) resolveStalled(w http.ResponseWriter, r *http.Request, retry bool) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.stalledMu.Lock()
	fn := h.stalledCancel
	if retry {
		fn = h.stalledRetry
	}
	h.stalledRetry = nil
	h.stalledCancel = nil
	h.stalledMu.Unlock()

	if fn == nil {
		jsonError(w, "No stalled verification to resolve", http.StatusConflict)
		return
	}
	fn()
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "resolved",
	})
}

// HandleWebSocket upgrades to the event stream.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleConnection(w, r)
}
