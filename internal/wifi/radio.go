package wifi

import (
	"context"
	"net"
)

// Network is one scan result.
type Network struct {
	SSID    string `json:"ssid"`
	Signal  int    `json:"signal"`
	Secured bool   `json:"secured"`
}

// Radio is the wireless interface. Join and Reconnect start association
// and return without waiting for the link to come up.
type Radio interface {
	Join(ctx context.Context, ssid, password string) error
	Connected() bool
	Reconnect() error
	StartAccessPoint(ssid, passphrase, address string) error
	Shutdown() error
	LocalIP() string
	HardwareAddr() (net.HardwareAddr, error)
	Scan(ctx context.Context) ([]Network, error)
}

// Announcer publishes the device on the local network.
type Announcer interface {
	Announce(name string, port int) error
	Shutdown()
}
