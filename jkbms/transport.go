package jkbms

import (
	"context"

	"jkble/bluetooth"
)

// Dialer opens links to peripherals.
type Dialer interface {
	Dial(ctx context.Context, address string) (Peripheral, error)
}

// Peripheral is an open link. Notifications delivers fragments in arrival
// order and is closed when the link goes away.
type Peripheral interface {
	SetMTU(mtu int) error
	ServiceByUUID(uuid bluetooth.UUID) (Service, error)
	Notifications() <-chan bluetooth.Fragment
	Disconnect() error
}

type Service interface {
	Characteristics() ([]Characteristic, error)
	Descriptors(uuid bluetooth.UUID) ([]Descriptor, error)
}

type Characteristic interface {
	UUID() bluetooth.UUID
	Handle() uint16
	Properties() bluetooth.CharacteristicPermissions
	Write(p []byte, withResponse bool) error
}

type Descriptor interface {
	Handle() uint16
	Write(p []byte, withResponse bool) error
}
