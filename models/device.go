package models

import (
	"net"
	"strconv"
)

// DeviceStatus is the connection lifecycle state of a remote device.
type DeviceStatus string

const (
	StatusOnline       DeviceStatus = "online"
	StatusOffline      DeviceStatus = "offline"
	StatusConnecting   DeviceStatus = "connecting"
	StatusDisconnected DeviceStatus = "disconnected"
)

// Device is the identity record of one endpoint in the mesh. Devices enter
// the registry through pairing and are never destroyed, only marked offline
// or untrusted.
type Device struct {
	ID          string       `json:"device_id"`
	Name        string       `json:"device_name"`
	PublicKey   string       `json:"public_key"`   // base64 Ed25519 identity key
	ExchangeKey string       `json:"exchange_key"` // base64 static X25519 key agreement key
	Fingerprint string       `json:"fingerprint"`
	IP          string       `json:"ip"`
	Port        int          `json:"port"`
	Status      DeviceStatus `json:"status"`
	Paired      bool         `json:"paired"`
	Trusted     bool         `json:"trusted"`
	LastSeen    int64        `json:"last_seen_timestamp"`
}

// Endpoint returns the device network address in host:port form.
func (d Device) Endpoint() string {
	return net.JoinHostPort(d.IP, strconv.Itoa(d.Port))
}
