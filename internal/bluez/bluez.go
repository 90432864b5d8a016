// Package bluez talks to the BlueZ daemon over D-Bus for the operations
// the portable BLE stack does not expose on Linux: writes with response,
// RSSI reads on established connections, the list of already-connected
// devices, and adapter power tracking.
package bluez

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/0xc0re/eaze/internal/logger"
)

const (
	bluezBus        = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	charIface       = "org.bluez.GattCharacteristic1"
	propsChangedSig = "org.freedesktop.DBus.Properties.PropertiesChanged"

	adapterPath = dbus.ObjectPath("/org/bluez/hci0")
)

// Client wraps a system bus connection to org.bluez.
type Client struct {
	mu         sync.RWMutex
	conn       *dbus.Conn
	signalChan chan *dbus.Signal
	stopChan   chan struct{}
	running    bool

	// One subscription at a time: a single serial characteristic per
	// connected device.
	subPath  dbus.ObjectPath
	subFn    func([]byte)
	notifyFD int
	hasFD    bool
}

// New connects to the system bus. BlueZ not being present is an error
// the caller decides how to handle.
func New() (*Client, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus: %w", err)
	}
	return &Client{
		conn:       conn,
		signalChan: make(chan *dbus.Signal, 100),
		stopChan:   make(chan struct{}),
		notifyFD:   -1,
	}, nil
}

// devicePathPart converts XX:XX:XX:XX:XX:XX into the XX_XX_... form
// BlueZ embeds in object paths.
func devicePathPart(addr string) string {
	return strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
}

// managedObjects fetches the full BlueZ object tree.
func (c *Client) managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := c.conn.Object(bluezBus, "/")
	err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objs)
	if err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return objs, nil
}

// FindCharacteristicPath locates the D-Bus path of a characteristic on a
// device by address and UUID fragment.
func (c *Client) FindCharacteristicPath(deviceAddr, charUUID string) (dbus.ObjectPath, error) {
	objs, err := c.managedObjects()
	if err != nil {
		return "", err
	}

	pathPart := devicePathPart(deviceAddr)
	uuidLower := strings.ToLower(charUUID)

	for path, interfaces := range objs {
		if !strings.Contains(string(path), pathPart) {
			continue
		}
		ci, ok := interfaces[charIface]
		if !ok {
			continue
		}
		if uuidVar, ok := ci["UUID"]; ok {
			if uuid, ok := uuidVar.Value().(string); ok && strings.Contains(strings.ToLower(uuid), uuidLower) {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("characteristic %s not found on %s", charUUID, deviceAddr)
}

// AdapterPowered reads the Powered property of the default adapter.
func (c *Client) AdapterPowered() (bool, error) {
	obj := c.conn.Object(bluezBus, adapterPath)
	variant, err := obj.GetProperty(adapterIface + ".Powered")
	if err != nil {
		return false, fmt.Errorf("read adapter powered: %w", err)
	}
	powered, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected powered type %T", variant.Value())
	}
	return powered, nil
}

// WatchAdapterPowered fires fn on every Powered transition of the default
// adapter. The watch lives for the lifetime of the bus connection.
func (c *Client) WatchAdapterPowered(fn func(poweredOn bool)) error {
	rule := fmt.Sprintf("type='signal',sender='%s',path='%s',interface='org.freedesktop.DBus.Properties'", bluezBus, adapterPath)
	if mc := c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); mc.Err != nil {
		return fmt.Errorf("add match: %w", mc.Err)
	}

	ch := make(chan *dbus.Signal, 16)
	c.conn.Signal(ch)
	go func() {
		for sig := range ch {
			if sig == nil || sig.Name != propsChangedSig || sig.Path != adapterPath || len(sig.Body) < 2 {
				continue
			}
			iface, ok := sig.Body[0].(string)
			if !ok || iface != adapterIface {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if poweredVar, ok := changed["Powered"]; ok {
				if powered, ok := poweredVar.Value().(bool); ok {
					fn(powered)
				}
			}
		}
	}()
	return nil
}

// ConnectedDevice describes an already-connected BlueZ device.
type ConnectedDevice struct {
	Address string
	Name    string
}

// ConnectedDevices returns the devices BlueZ reports as connected that
// advertise the given service UUID fragment.
func (c *Client) ConnectedDevices(serviceUUID string) ([]ConnectedDevice, error) {
	objs, err := c.managedObjects()
	if err != nil {
		return nil, err
	}

	uuidLower := strings.ToLower(serviceUUID)
	var out []ConnectedDevice

	for _, interfaces := range objs {
		di, ok := interfaces[deviceIface]
		if !ok {
			continue
		}
		connVar, ok := di["Connected"]
		if !ok {
			continue
		}
		if connected, _ := connVar.Value().(bool); !connected {
			continue
		}

		if uuidsVar, ok := di["UUIDs"]; ok {
			uuids, _ := uuidsVar.Value().([]string)
			match := false
			for _, u := range uuids {
				if strings.Contains(strings.ToLower(u), uuidLower) {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}

		dev := ConnectedDevice{}
		if addrVar, ok := di["Address"]; ok {
			dev.Address, _ = addrVar.Value().(string)
		}
		if nameVar, ok := di["Name"]; ok {
			dev.Name, _ = nameVar.Value().(string)
		}
		if dev.Address != "" {
			out = append(out, dev)
		}
	}
	return out, nil
}

// DeviceRSSI reads the RSSI property of a device by address.
func (c *Client) DeviceRSSI(deviceAddr string) (int16, error) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_" + devicePathPart(deviceAddr))
	obj := c.conn.Object(bluezBus, path)
	variant, err := obj.GetProperty(deviceIface + ".RSSI")
	if err != nil {
		return 0, fmt.Errorf("read rssi: %w", err)
	}
	rssi, ok := variant.Value().(int16)
	if !ok {
		return 0, fmt.Errorf("unexpected rssi type %T", variant.Value())
	}
	return rssi, nil
}

// WriteValue writes to a characteristic. withResponse selects the ATT
// write-request path, which the portable stack cannot issue on Linux.
func (c *Client) WriteValue(path dbus.ObjectPath, data []byte, withResponse bool) error {
	writeType := "command"
	if withResponse {
		writeType = "request"
	}
	opts := map[string]dbus.Variant{
		"type": dbus.MakeVariant(writeType),
	}
	obj := c.conn.Object(bluezBus, path)
	call := obj.Call(charIface+".WriteValue", 0, data, opts)
	if call.Err != nil {
		return fmt.Errorf("write value (%s): %w", writeType, call.Err)
	}
	return nil
}

// Subscribe wires notifications from a characteristic into fn. It
// prefers AcquireNotify, which hands back a file descriptor that bypasses
// property signaling, and falls back to StartNotify plus
// PropertiesChanged when the kernel or daemon refuses.
func (c *Client) Subscribe(path dbus.ObjectPath, fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subPath = path
	c.subFn = fn

	obj := c.conn.Object(bluezBus, path)

	var fd dbus.UnixFD
	var mtu uint16
	call := obj.Call(charIface+".AcquireNotify", 0, map[string]dbus.Variant{})
	if call.Err == nil {
		if err := call.Store(&fd, &mtu); err == nil {
			c.notifyFD = int(fd)
			c.hasFD = true
			logger.Debug("[BLUEZ] AcquireNotify on %s: fd=%d mtu=%d", path, fd, mtu)
			return nil
		}
	}
	logger.Debug("[BLUEZ] AcquireNotify unavailable on %s: %v, falling back to StartNotify", path, call.Err)

	call = obj.Call(charIface+".StartNotify", 0)
	if call.Err != nil && !strings.Contains(call.Err.Error(), "Already notifying") {
		return fmt.Errorf("start notify: %w", call.Err)
	}

	rule := fmt.Sprintf("type='signal',sender='%s',path='%s',interface='org.freedesktop.DBus.Properties'", bluezBus, path)
	if mc := c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); mc.Err != nil {
		return fmt.Errorf("add match: %w", mc.Err)
	}
	c.conn.Signal(c.signalChan)
	return nil
}

// Start launches the readers for the active subscription.
func (c *Client) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	hasFD := c.hasFD
	fd := c.notifyFD
	c.mu.Unlock()

	if hasFD {
		go c.readFromFD(fd)
	} else {
		go c.processSignals()
	}
}

// Stop tears down the active subscription.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	path := c.subPath
	c.subPath = ""
	c.subFn = nil
	c.hasFD = false
	c.notifyFD = -1
	c.mu.Unlock()

	close(c.stopChan)
	c.stopChan = make(chan struct{})

	if path != "" {
		obj := c.conn.Object(bluezBus, path)
		if call := obj.Call(charIface+".StopNotify", 0); call.Err != nil {
			logger.Debug("[BLUEZ] StopNotify on %s: %v", path, call.Err)
		}
	}
}

func (c *Client) readFromFD(fd int) {
	file := os.NewFile(uintptr(fd), "ble-notify")
	if file == nil {
		logger.Error("[BLUEZ] invalid notify fd %d", fd)
		return
	}
	defer file.Close()

	buf := make([]byte, 512)
	for {
		c.mu.RLock()
		running := c.running
		fn := c.subFn
		c.mu.RUnlock()
		if !running {
			return
		}

		n, err := file.Read(buf)
		if err != nil {
			logger.Debug("[BLUEZ] notify fd closed: %v", err)
			return
		}
		if n > 0 && fn != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			fn(data)
		}
	}
}

func (c *Client) processSignals() {
	stop := c.stopChan
	for {
		select {
		case <-stop:
			return
		case sig := <-c.signalChan:
			c.handleSignal(sig)
		}
	}
}

func (c *Client) handleSignal(sig *dbus.Signal) {
	if sig == nil || sig.Name != propsChangedSig || len(sig.Body) < 2 {
		return
	}

	c.mu.RLock()
	path := c.subPath
	fn := c.subFn
	c.mu.RUnlock()
	if fn == nil || sig.Path != path {
		return
	}

	iface, ok := sig.Body[0].(string)
	if !ok || iface != charIface {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	valueVar, ok := changed["Value"]
	if !ok {
		return
	}

	data := extractBytes(valueVar)
	if len(data) == 0 {
		// BlueZ sometimes omits the payload from the signal; read the
		// property directly.
		data = c.readValueFromPath(path)
	}
	if len(data) > 0 {
		fn(data)
	}
}

func (c *Client) readValueFromPath(path dbus.ObjectPath) []byte {
	obj := c.conn.Object(bluezBus, path)
	variant, err := obj.GetProperty(charIface + ".Value")
	if err == nil {
		if data := extractBytes(variant); len(data) > 0 {
			return data
		}
	}

	var result []byte
	call := obj.Call(charIface+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err == nil {
		call.Store(&result)
	}
	return result
}

// extractBytes handles the two shapes D-Bus delivers byte arrays in.
func extractBytes(variant dbus.Variant) []byte {
	switch v := variant.Value().(type) {
	case []byte:
		return v
	case []interface{}:
		data := make([]byte, len(v))
		for i, elem := range v {
			if b, ok := elem.(byte); ok {
				data[i] = b
			}
		}
		return data
	}
	return nil
}
