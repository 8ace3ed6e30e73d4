package bluetooth

import "time"

type MACAddress struct {
	MAC
	isRandom bool
}

// IsRandom reports whether BlueZ reported the address type as random.
func (m MACAddress) IsRandom() bool {
	return m.isRandom
}

// Fragment is one notification payload pushed by a connected device.
type Fragment struct {
	// Handle is the ATT handle of the characteristic that notified.
	Handle uint16
	Data   []byte
}

// ConnectionParams tunes Adapter.Connect.
type ConnectionParams struct {
	// ConnectionTimeout bounds Device1.Connect. Zero means 10 seconds.
	ConnectionTimeout time.Duration
	// ResolveTimeout bounds the wait for ServicesResolved. Zero means 15 seconds.
	ResolveTimeout time.Duration
	// QueueSize is the capacity of the fragment channel. Zero means 64.
	QueueSize int
}

func (p ConnectionParams) withDefaults() ConnectionParams {
	if p.ConnectionTimeout <= 0 {
		p.ConnectionTimeout = 10 * time.Second
	}
	if p.ResolveTimeout <= 0 {
		p.ResolveTimeout = 15 * time.Second
	}
	if p.QueueSize <= 0 {
		p.QueueSize = 64
	}
	return p
}
