package transport

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"github.com/0xc0re/eaze/internal/bluez"
	"github.com/0xc0re/eaze/internal/logger"
)

// BLECentral implements Central on top of the portable BLE stack, with a
// BlueZ D-Bus side channel for the operations that stack cannot perform
// on Linux: ATT write requests, RSSI reads on live connections,
// enumerating already-connected devices, and radio power tracking.
type BLECentral struct {
	adapter *bluetooth.Adapter
	dbus    *bluez.Client

	mu           sync.Mutex
	stateHandler func(poweredOn bool)
	powered      bool
	scanning     bool
	active       *bleLink
}

// NewBLECentral enables the default adapter. The BlueZ client may be nil
// when the daemon is unavailable; write-with-response, signal reads and
// radio power tracking degrade accordingly.
func NewBLECentral(dbusClient *bluez.Client) (*BLECentral, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}

	// Enable succeeded, so the radio is up; BlueZ keeps the flag current
	// from here via Adapter1 Powered changes.
	c := &BLECentral{adapter: adapter, dbus: dbusClient, powered: true}

	if dbusClient != nil {
		if powered, err := dbusClient.AdapterPowered(); err == nil {
			c.powered = powered
		}
		err := dbusClient.WatchAdapterPowered(func(poweredOn bool) {
			c.mu.Lock()
			c.powered = poweredOn
			fn := c.stateHandler
			c.mu.Unlock()
			if fn != nil {
				fn(poweredOn)
			}
		})
		if err != nil {
			logger.Warn("[BLE] adapter power watch unavailable: %v", err)
		}
	}

	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		c.mu.Lock()
		link := c.active
		c.mu.Unlock()
		if link != nil && strings.EqualFold(link.id, device.Address.String()) {
			link.closed(fmt.Errorf("peripheral connection lost"))
		}
	})

	return c, nil
}

func (c *BLECentral) SetStateHandler(fn func(poweredOn bool)) {
	c.mu.Lock()
	c.stateHandler = fn
	c.mu.Unlock()
}

func (c *BLECentral) PoweredOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.powered
}

// Scan reports peripherals advertising the serial service. The portable
// stack's scan callback delivers repeated advertisements for the same
// device; when allowDuplicates is false they are collapsed here.
func (c *BLECentral) Scan(allowDuplicates bool, found func(Peripheral, float64)) error {
	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.mu.Unlock()

	serviceUUID := bluetooth.New16BitUUID(SerialServiceUUID16)
	seen := make(map[string]bool)

	go func() {
		err := c.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.AdvertisementPayload.HasServiceUUID(serviceUUID) {
				return
			}
			id := result.Address.String()
			if !allowDuplicates {
				if seen[id] {
					return
				}
				seen[id] = true
			}
			found(blePeripheral{id: id, name: result.LocalName()}, float64(result.RSSI))
		})
		if err != nil {
			logger.Error("[BLE] scan failed: %v", err)
		}
		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
	}()
	return nil
}

func (c *BLECentral) StopScan() error {
	c.mu.Lock()
	scanning := c.scanning
	c.mu.Unlock()
	if !scanning {
		return nil
	}
	return c.adapter.StopScan()
}

// ConnectedPeripherals asks BlueZ for serial devices that are already
// connected at the system level, typically paired by another application.
func (c *BLECentral) ConnectedPeripherals() []Peripheral {
	if c.dbus == nil {
		return nil
	}
	devs, err := c.dbus.ConnectedDevices(fmt.Sprintf("%04x", SerialServiceUUID16))
	if err != nil {
		logger.Debug("[BLE] connected device query: %v", err)
		return nil
	}
	out := make([]Peripheral, 0, len(devs))
	for _, d := range devs {
		out = append(out, blePeripheral{id: d.Address, name: d.Name})
	}
	return out
}

// Connect establishes the link and wires the serial characteristic:
// notifications into onData, disconnects into onClosed.
func (c *BLECentral) Connect(p Peripheral, onData func([]byte), onClosed func(error)) (Link, error) {
	var addr bluetooth.Address
	addr.Set(p.ID())

	device, err := c.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", p.ID(), err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.New16BitUUID(SerialServiceUUID16)})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return nil, fmt.Errorf("serial service discovery on %s: %w", p.ID(), err)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bluetooth.New16BitUUID(SerialCharUUID16)})
	if err != nil || len(chars) == 0 {
		device.Disconnect()
		return nil, fmt.Errorf("serial characteristic discovery on %s: %w", p.ID(), err)
	}

	link := &bleLink{
		central:  c,
		id:       p.ID(),
		device:   device,
		char:     chars[0],
		onClosed: onClosed,
	}

	if c.dbus != nil {
		charPath, err := c.dbus.FindCharacteristicPath(p.ID(), fmt.Sprintf("%04x", SerialCharUUID16))
		if err != nil {
			logger.Debug("[BLE] no D-Bus path for serial characteristic on %s: %v", p.ID(), err)
		} else {
			link.charPath = charPath
		}
	}

	if err := chars[0].EnableNotifications(onData); err != nil {
		// Some kernels refuse CCCD writes through the portable stack;
		// subscribe through BlueZ directly instead.
		if c.dbus == nil || link.charPath == "" {
			device.Disconnect()
			return nil, fmt.Errorf("enable notifications on %s: %w", p.ID(), err)
		}
		if err := c.dbus.Subscribe(link.charPath, onData); err != nil {
			device.Disconnect()
			return nil, fmt.Errorf("bluez notify on %s: %w", p.ID(), err)
		}
		c.dbus.Start()
		link.dbusNotify = true
	}

	c.mu.Lock()
	c.active = link
	c.mu.Unlock()
	return link, nil
}

type blePeripheral struct {
	id   string
	name string
}

func (p blePeripheral) ID() string   { return p.id }
func (p blePeripheral) Name() string { return p.name }

type bleLink struct {
	central    *BLECentral
	id         string
	device     bluetooth.Device
	char       bluetooth.DeviceCharacteristic
	charPath   dbus.ObjectPath
	dbusNotify bool

	mu       sync.Mutex
	done     bool
	onClosed func(error)
}

func (l *bleLink) Write(p []byte, mode WriteMode) error {
	if mode == WriteWithResponse {
		// The portable stack only issues write commands on Linux; the
		// write-request path goes through BlueZ.
		if l.central.dbus == nil || l.charPath == "" {
			return fmt.Errorf("write with response unavailable on %s", l.id)
		}
		return l.central.dbus.WriteValue(l.charPath, p, true)
	}
	_, err := l.char.WriteWithoutResponse(p)
	return err
}

func (l *bleLink) RSSI() (float64, error) {
	if l.central.dbus == nil {
		return 0, fmt.Errorf("signal read unavailable without bluez")
	}
	rssi, err := l.central.dbus.DeviceRSSI(l.id)
	if err != nil {
		return 0, err
	}
	return float64(rssi), nil
}

func (l *bleLink) Close() error {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return nil
	}
	l.done = true
	l.mu.Unlock()

	if l.dbusNotify {
		l.central.dbus.Stop()
	}
	l.central.mu.Lock()
	if l.central.active == l {
		l.central.active = nil
	}
	l.central.mu.Unlock()
	return l.device.Disconnect()
}

// closed is the unsolicited-disconnect path from the adapter handler.
func (l *bleLink) closed(err error) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	fn := l.onClosed
	l.mu.Unlock()

	if l.dbusNotify {
		l.central.dbus.Stop()
	}
	l.central.mu.Lock()
	if l.central.active == l {
		l.central.active = nil
	}
	l.central.mu.Unlock()

	if fn != nil {
		fn(err)
	}
}
