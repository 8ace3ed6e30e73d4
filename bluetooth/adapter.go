package bluetooth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
)

const defaultAdapter = "hci0"

const (
	bluezBus               = "org.bluez"
	bluezAdapter1Interface = "org.bluez.Adapter1"
	dbusObjectManager      = "org.freedesktop.DBus.ObjectManager"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type Adapter struct {
	mu      sync.Mutex
	id      string
	bus     *dbus.Conn
	bluez   dbus.BusObject //object at /
	adapter dbus.BusObject //object at /org/bluez/hcix
	address string
}

func NewAdapter(id string) *Adapter {
	if id == "" {
		id = defaultAdapter
	}
	return &Adapter{
		id: id,
	}
}

var DefaultAdapter = NewAdapter(defaultAdapter)

// ID returns the BlueZ adapter name, e.g. "hci0".
func (a *Adapter) ID() string {
	return a.id
}

// Enable attaches the adapter to the system bus. It is safe to call more
// than once.
func (a *Adapter) Enable() (err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bus != nil {
		return nil
	}
	bus, err := dbus.SystemBus()
	if err != nil {
		return err
	}

	a.bluez = bus.Object(bluezBus, dbus.ObjectPath("/"))
	a.adapter = bus.Object(bluezBus, dbus.ObjectPath("/org/bluez/"+a.id))
	addr, err := a.adapter.GetProperty(bluezAdapter1Interface + ".Address")
	if err != nil {
		if err, ok := err.(dbus.Error); ok && err.Name == "org.freedesktop.DBus.Error.UnknownObject" {
			return fmt.Errorf("bluetooth: adapter %s does not exist", a.adapter.Path())
		}
		return fmt.Errorf("could not activate BlueZ adapter: %w", err)
	}
	if err := addr.Store(&a.address); err != nil {
		return fmt.Errorf("bluetooth: adapter address: %w", err)
	}
	a.bus = bus
	log.Debug().Str("component", "bluetooth").Str("adapter", string(a.adapter.Path())).Str("address", a.address).Msg("adapter enabled")
	return nil
}

func (a *Adapter) Address() (MACAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.address == "" {
		return MACAddress{}, errors.New("adapter not enabled")
	}
	mac, err := ParseMAC(a.address)
	if err != nil {
		return MACAddress{}, err
	}
	return MACAddress{MAC: mac}, nil
}

// devicePath converts a MAC address to the BlueZ object path of the device,
// e.g. /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapterID string, mac MAC) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapterID + "/dev_" + strings.ReplaceAll(mac.String(), ":", "_"))
}

func (a *Adapter) managedObjects() (managedObjects, error) {
	var objects managedObjects
	if err := a.bluez.Call(dbusObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("bluetooth: GetManagedObjects: %w", err)
	}
	return objects, nil
}

// property reads one property of a BlueZ object.
func property[T any](obj dbus.BusObject, iface, name string) (T, error) {
	var zero T
	v, err := obj.GetProperty(iface + "." + name)
	if err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("bluetooth: property %s.%s has unexpected type %T", iface, name, v.Value())
	}
	return val, nil
}
